// ============================================================================
// Beaver-Iterator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a node and feeding it work
//
// Command Structure:
//   beaver-iterator                 # Root command
//   ├── run                         # Start iterators, cluster state, servers
//   ├── queue                       # Queue one analysis window
//   │   └── --task, --kind, --start, --end
//   ├── schedule                    # Add a cron schedule for a task
//   │   └── --task, --kind, --cron
//   ├── terminate                   # Fail-fast every machine of a task
//   │   └── --task
//   ├── advise                      # Advise a finished node
//   │   └── --file, -f  --inline
//   ├── status                      # Show orchestrators
//   │   └── --task
//   └── --config, -c                # Config file (default configs/default.yaml)
//
// run Command:
//   1. Load and validate config
//   2. Open stores, build services and iterators
//   3. Start iterators, lease election, maintenance watcher,
//      advise resolver, badger GC, metrics and health servers
//   4. Stop everything on SIGINT / SIGTERM
//
//   Examples:
//     ./beaver-iterator run
//     ./beaver-iterator run -c node-b.yaml
//
// Other commands open the same stores without the runtime, so they work
// against a shared badger/sqlite store or a memory store with snapshots
// while a node is running.
//
// advise JSON format:
//   {
//     "node":        { "uuid": "...", "status": "FAILED", "notifyId": "..." },
//     "failureInfo": { "failureTypes": ["TIMEOUT_FAILURE"] },
//     "planNode":    { "adviserObtainments": [ { "type": "RETRY" } ] },
//     "fromStatus":  "RUNNING"
//   }
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-iterator/internal/advise"
	"github.com/ChuLiYu/beaver-iterator/internal/analysis"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-iterator",
		Short: "Beaver-Iterator: a persistence-driven scheduling engine",
		Long: `Beaver-Iterator claims due entities from a store and processes them with:
- Regular and irregular (cron) scheduling
- Lease-based primary election and maintenance pauses
- Analysis state machines serialised per verification task
- Node advising with built-in and custom advisers`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildQueueCommand())
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildTerminateCommand())
	rootCmd.AddCommand(buildAdviseCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// openFromFlags loads the config and opens the app.
func openFromFlags(run bool) (*App, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, newLogger(cfg), run)
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Long:  "Start every enabled iterator together with cluster state, metrics and health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openFromFlags(true)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

func buildQueueCommand() *cobra.Command {
	var (
		task, kind string
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue an analysis window",
		Long:  "Queue one analysis window for a verification task. The window defaults to the configured lookback ending now.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openFromFlags(false)
			if err != nil {
				return err
			}
			defer app.Close()

			input, err := windowInput(task, kind, start, end, app.cfg.Analysis.Lookback, time.Now())
			if err != nil {
				return err
			}
			if err := app.orchestration.QueueAnalysis(cmd.Context(), input); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s window %s - %s\n", input.VerificationTaskID,
				input.StartTime.Format(time.RFC3339), input.EndTime.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "verification task id")
	cmd.Flags().StringVar(&kind, "kind", string(analysis.KindLiveMonitoring), "task kind: LIVE_MONITORING, DEPLOYMENT, SLI")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339, default now)")
	cmd.MarkFlagRequired("task")
	return cmd
}

// windowInput builds the queued input from flag values.
func windowInput(task, kind, start, end string, lookback time.Duration, now time.Time) (analysis.AnalysisInput, error) {
	input := analysis.AnalysisInput{VerificationTaskID: task, Kind: analysis.TaskKind(kind), EndTime: now}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return input, fmt.Errorf("invalid --end: %w", err)
		}
		input.EndTime = t
	}
	input.StartTime = input.EndTime.Add(-lookback)
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return input, fmt.Errorf("invalid --start: %w", err)
		}
		input.StartTime = t
	}
	return input, nil
}

func buildScheduleCommand() *cobra.Command {
	var task, kind, expr string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Add a cron schedule for a verification task",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openFromFlags(false)
			if err != nil {
				return err
			}
			defer app.Close()

			sched, err := analysis.NewAnalysisSchedule(task, analysis.TaskKind(kind), expr)
			if err != nil {
				return err
			}
			if err := app.schedules.Save(cmd.Context(), sched); err != nil {
				return fmt.Errorf("save schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %s added for %s (%s)\n", sched.UUID, task, expr)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "verification task id")
	cmd.Flags().StringVar(&kind, "kind", string(analysis.KindLiveMonitoring), "task kind: LIVE_MONITORING, DEPLOYMENT, SLI")
	cmd.Flags().StringVar(&expr, "cron", "", "five-field cron expression")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("cron")
	return cmd
}

func buildTerminateCommand() *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate every analysis of a verification task",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openFromFlags(false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.orchestration.Terminate(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", task)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "verification task id")
	cmd.MarkFlagRequired("task")
	return cmd
}

// adviseRequest is the advise command's input file.
type adviseRequest struct {
	Node        advise.NodeExecution `json:"node"`
	FailureInfo *advise.FailureInfo  `json:"failureInfo,omitempty"`
	PlanNode    advise.PlanNode      `json:"planNode"`
	FromStatus  advise.Status        `json:"fromStatus"`
}

func buildAdviseCommand() *cobra.Command {
	var (
		file   string
		inline bool
	)
	cmd := &cobra.Command{
		Use:   "advise",
		Short: "Advise a finished node",
		Long:  "Record a node for the advise iterator, or with --inline advise it right away with the built-in advisers and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read advise request: %w", err)
			}
			var req adviseRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse advise request %s: %w", file, err)
			}

			app, err := openFromFlags(false)
			if err != nil {
				return err
			}
			defer app.Close()

			if inline {
				event := advise.NewAdviseEvent(req.Node, req.FailureInfo, req.PlanNode, req.FromStatus)
				resp, err := app.helper.GetResponseInCaseOfNoCustomAdviser(cmd.Context(), event)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			pending, err := advise.NewPendingAdvise(req.Node, req.FailureInfo, req.PlanNode, req.FromStatus, time.Now())
			if err != nil {
				return err
			}
			if err := app.pending.Save(cmd.Context(), pending); err != nil {
				return fmt.Errorf("save pending advise: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "advise %s recorded for node %s\n", pending.UUID, req.Node.UUID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the node to advise")
	cmd.Flags().BoolVar(&inline, "inline", false, "advise now instead of recording for the advise iterator")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Long:  "List every orchestrator, or with --task print one orchestrator and its current machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openFromFlags(false)
			if err != nil {
				return err
			}
			defer app.Close()
			return showStatus(cmd.Context(), cmd.OutOrStdout(), app, task)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "verification task id")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, app *App, task string) error {
	if task != "" {
		o, err := app.orchestration.GetOrchestrator(ctx, task)
		if err != nil {
			return fmt.Errorf("orchestrator %s: %w", task, err)
		}
		view := struct {
			Orchestrator *analysis.AnalysisOrchestrator `json:"orchestrator"`
			Current      *analysis.AnalysisStateMachine `json:"current,omitempty"`
		}{Orchestrator: o}
		if o.CurrentMachineID != "" {
			m, err := app.orchestration.GetMachine(ctx, o.CurrentMachineID)
			if err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return err
			}
			view.Current = m
		}
		return writeJSON(out, view)
	}

	all, err := app.orchestrators.List(ctx, nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tQUEUED\tCURRENT\tUPDATED")
	for _, o := range all {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", o.VerificationTaskID, o.Status, len(o.Queue),
			orDash(o.CurrentMachineID), o.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
