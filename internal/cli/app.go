package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-iterator/internal/advise"
	"github.com/ChuLiYu/beaver-iterator/internal/analysis"
	"github.com/ChuLiYu/beaver-iterator/internal/cluster"
	"github.com/ChuLiYu/beaver-iterator/internal/iterator"
	"github.com/ChuLiYu/beaver-iterator/internal/metrics"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/badgerstore"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/memory"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/sqlstore"
	"github.com/ChuLiYu/beaver-iterator/internal/server"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

const (
	kindOrchestrator  = "analysis_orchestrator"
	kindStateMachine  = "analysis_state_machine"
	kindSchedule      = "analysis_schedule"
	kindPendingAdvise = "pending_advise"

	shutdownTimeout = 10 * time.Second
)

// App holds every component of one node. Commands other than run only use
// the stores and services; run additionally builds the runtime.
type App struct {
	cfg    *Config
	logger *slog.Logger

	badgerDB *badger.DB
	sqlDB    *sql.DB
	closers  []func() error

	orchestrators persistence.Provider[*analysis.AnalysisOrchestrator]
	machines      persistence.Provider[*analysis.AnalysisStateMachine]
	schedules     persistence.Provider[*analysis.AnalysisSchedule]
	pending       persistence.Provider[*advise.PendingAdvise]
	leases        persistence.LeaseStore

	orchestration *analysis.OrchestrationService
	helper        *advise.NodeAdviseHelper

	runtime *runtime
}

// runtime is what only a running node needs.
type runtime struct {
	metrics  *metrics.Collector
	registry *prometheus.Registry

	tasks    *analysis.LocalTaskClient
	bus      *advise.Bus
	resolver *advise.Resolver

	state       cluster.State
	elector     *cluster.LeaseElector
	maintenance *cluster.MaintenanceWatcher
	health      *server.HealthServer

	orchestratorIt *iterator.Iterator[*analysis.AnalysisOrchestrator]
	scheduleIt     *iterator.Iterator[*analysis.AnalysisSchedule]
	adviseIt       *iterator.Iterator[*advise.PendingAdvise]
	processes      []func(context.Context) error
}

// newApp opens the stores and builds the services. With run set it also
// builds iterators, cluster state and servers.
func newApp(cfg *Config, logger *slog.Logger, run bool) (app *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStores(); err != nil {
		return nil, err
	}

	var rt *runtime
	orchestration := analysis.OrchestrationConfig{
		Orchestrators: a.orchestrators,
		Machines:      a.machines,
		IgnoreAfter:   cfg.Analysis.IgnoreAfter,
		IgnoreLimit:   cfg.Analysis.IgnoreLimit,
		Logger:        logger,
	}
	helperCfg := advise.HelperConfig{Logger: logger}

	if run {
		rt = &runtime{registry: prometheus.NewRegistry()}
		rt.metrics = metrics.NewCollector(rt.registry)
		rt.tasks, err = analysis.NewLocalTaskClient(analysis.LocalTaskClientConfig{
			Workers:    cfg.Analysis.Workers,
			Timeout:    cfg.Analysis.TaskTimeout,
			MaxPending: cfg.Analysis.MaxPending,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { rt.tasks.Close(); return nil })
		for _, st := range []analysis.StateType{
			analysis.StateTimeSeries, analysis.StateLogClusteringL1, analysis.StateLogClusteringL2,
			analysis.StateLogAnalysis, analysis.StateSLIMetricAnalysis,
		} {
			rt.tasks.Register(st, windowAnalyzer(logger, st))
		}

		orchestration.Executor = analysis.NewStateMachineService(analysis.StateMachineServiceConfig{
			Client:   rt.tasks,
			MaxRetry: cfg.Analysis.MaxStateRetries,
			Logger:   logger,
			Metrics:  rt.metrics,
		})
		orchestration.Metrics = rt.metrics
		helperCfg.Metrics = rt.metrics

		if cfg.Advise.Async {
			rt.bus = advise.NewBus(cfg.Advise.BusBuffer)
			helperCfg.Publisher = rt.bus
			a.closers = append(a.closers, func() error { rt.bus.Close(); return nil })
		}
	}

	a.orchestration = analysis.NewOrchestrationService(orchestration)
	a.helper = advise.NewNodeAdviseHelper(helperCfg)
	if run {
		a.runtime = rt
		if err := a.buildRuntime(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ============================================================================
// Stores
// ============================================================================

func (a *App) openStores() error {
	cfg := a.cfg
	switch cfg.Store.Driver {
	case "badger":
		bcfg := badgerstore.DefaultConfig(cfg.Store.Path)
		bcfg.SyncWrites = cfg.Store.SyncWrites
		bcfg.Logger = a.logger
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return err
		}
		a.badgerDB = db
		a.closers = append(a.closers, db.Close)
		a.leases = badgerstore.NewLeases(db, nil)
	case "sqlite":
		db, err := sqlstore.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		a.sqlDB = db
		a.closers = append(a.closers, db.Close)
		a.leases = sqlstore.NewLeases(db, nil)
	default:
		a.leases = memory.NewLeases(nil)
	}

	var err error
	if a.orchestrators, err = openProvider(a, kindOrchestrator, analysis.NewAnalysisOrchestrator); err != nil {
		return err
	}
	if a.machines, err = openProvider(a, kindStateMachine, analysis.NewAnalysisStateMachine); err != nil {
		return err
	}
	if a.schedules, err = openProvider(a, kindSchedule, analysis.NewAnalysisScheduleEntity); err != nil {
		return err
	}
	if a.pending, err = openProvider(a, kindPendingAdvise, advise.NewPendingAdviseEntity); err != nil {
		return err
	}
	return nil
}

func openProvider[T types.Iterable](a *App, kind string, newEntity func() T) (persistence.Provider[T], error) {
	switch {
	case a.badgerDB != nil:
		return badgerstore.New(a.badgerDB, kind, newEntity, badgerstore.Options{Logger: a.logger}), nil
	case a.sqlDB != nil:
		return sqlstore.New(a.sqlDB, kind, newEntity), nil
	}
	var opts memory.Options
	opts.Logger = a.logger
	if dir := a.cfg.Store.SnapshotDir; dir != "" {
		opts.SnapshotPath = filepath.Join(dir, kind+".json")
	}
	store, err := memory.New(kind, newEntity, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", kind, err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// ============================================================================
// Runtime
// ============================================================================

func (a *App) buildRuntime() error {
	cfg, rt := a.cfg, a.runtime

	switch cfg.Cluster.Election {
	case "lease":
		elector, err := cluster.NewLeaseElector(cluster.ElectorConfig{
			Leases: a.leases,
			Name:   cfg.Cluster.LeaseName,
			Holder: cfg.Node.ID,
			TTL:    cfg.Cluster.LeaseTTL,
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
		rt.elector = elector
		rt.state.Primary = elector
		rt.processes = append(rt.processes, elector.Run)
	default:
		rt.state.Primary = cluster.NewStatic(cfg.Cluster.Primary, false)
	}
	if cfg.Cluster.MaintenanceFlag != "" {
		watcher, err := cluster.NewMaintenanceWatcher(cfg.Cluster.MaintenanceFlag, a.logger)
		if err != nil {
			return err
		}
		rt.maintenance = watcher
		rt.state.Maintenance = watcher
		rt.processes = append(rt.processes, watcher.Run)
	}

	var names []string
	if ic := cfg.Iterators.Orchestrator; ic.Enabled {
		opts := options[*analysis.AnalysisOrchestrator]("analysis-orchestrator", ic)
		opts.Field = analysis.OrchestratorIteration
		opts.Provider = a.orchestrators
		opts.Filter = a.orchestration.Filter()
		opts.Handler = a.orchestration
		opts.ProcessController = analysis.CapacityGate{Client: rt.tasks}
		it, err := newIterator(a, opts)
		if err != nil {
			return err
		}
		rt.orchestratorIt = it
		a.orchestration.SetWaker(it)
		a.track(it, &names)
	}
	if ic := cfg.Iterators.Schedule; ic.Enabled {
		opts := options[*analysis.AnalysisSchedule]("analysis-schedule", ic)
		opts.Field = analysis.ScheduleIteration
		opts.Provider = a.schedules
		opts.Handler = analysis.NewScheduleHandler(a.orchestration, a.schedules, nil, cfg.Analysis.Lookback, a.logger)
		it, err := newIterator(a, opts)
		if err != nil {
			return err
		}
		rt.scheduleIt = it
		a.track(it, &names)
	}
	if ic := cfg.Iterators.Advise; ic.Enabled {
		handler := advise.NewAdviseHandler(a.helper, a.pending, nil, a.logger)
		opts := options[*advise.PendingAdvise]("advise", ic)
		opts.Field = advise.AdviseIteration
		opts.Provider = a.pending
		opts.Filter = handler.Filter()
		opts.Handler = handler
		it, err := newIterator(a, opts)
		if err != nil {
			return err
		}
		rt.adviseIt = it
		a.track(it, &names)

		if rt.bus != nil {
			resolverHelper := advise.NewNodeAdviseHelper(advise.HelperConfig{Logger: a.logger, Metrics: rt.metrics})
			rt.resolver = advise.NewResolver(rt.bus, resolverHelper, handler, a.logger)
			rt.processes = append(rt.processes, rt.resolver.Run)
		}
	}

	if cfg.Health.Enabled {
		rt.health = server.NewHealthServer(server.HealthConfig{
			Cluster:   rt.state,
			Iterators: names,
			Logger:    a.logger,
		})
	}
	return nil
}

// newIterator adds what every iterator of the node shares.
func newIterator[T types.Iterable](a *App, opts iterator.Options[T]) (*iterator.Iterator[T], error) {
	opts.Cluster = a.runtime.state
	opts.Logger = a.logger
	opts.Metrics = a.runtime.metrics
	it, err := iterator.New(opts)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { it.Close(); return nil })
	return it, nil
}

// pausable is what the node needs from an iterator of any entity type.
type pausable interface {
	Name() string
	Process(ctx context.Context) error
	RecoverAfterPause(ctx context.Context) (int, error)
}

func (a *App) track(it pausable, names *[]string) {
	rt := a.runtime
	*names = append(*names, it.Name())
	rt.processes = append(rt.processes, it.Process)
	if rt.maintenance != nil {
		rt.maintenance.OnResume(func(ctx context.Context) error {
			n, err := it.RecoverAfterPause(ctx)
			if err == nil {
				a.logger.Info("iterator recovered after pause", "iterator", it.Name(), "entities", n)
			}
			return err
		})
	}
}

// ============================================================================
// Run / Close
// ============================================================================

// Run starts every process of the node and blocks until ctx is cancelled
// or one of them fails.
func (a *App) Run(ctx context.Context) error {
	rt := a.runtime
	if rt == nil {
		return errors.New("app was opened without a runtime")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, process := range rt.processes {
		g.Go(func() error { return process(ctx) })
	}

	if a.badgerDB != nil {
		g.Go(func() error {
			badgerstore.RunGC(ctx, a.badgerDB, a.cfg.Store.GCInterval, a.cfg.Store.GCDiscardRatio, a.logger)
			return nil
		})
	}

	if a.cfg.Metrics.Enabled {
		srv := rt.metrics.NewServer(a.cfg.Metrics.Addr)
		g.Go(func() error {
			a.logger.Info("metrics server listening", "addr", a.cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if rt.health != nil {
		lis, err := net.Listen("tcp", a.cfg.Health.Addr)
		if err != nil {
			return fmt.Errorf("listen health %s: %w", a.cfg.Health.Addr, err)
		}
		g.Go(func() error {
			a.logger.Info("health server listening", "addr", lis.Addr().String())
			return rt.health.Serve(ctx, lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			rt.health.Stop()
			return nil
		})
	}

	a.logger.Info("node started", "store", a.cfg.Store.Driver, "election", a.cfg.Cluster.Election,
		"processes", len(rt.processes))
	err := g.Wait()
	a.logger.Info("node stopped")
	return err
}

// Close releases everything in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// windowAnalyzer is the analyzer registered for every state type of a node
// that has no external analysis service.
func windowAnalyzer(logger *slog.Logger, st analysis.StateType) analysis.Analyzer {
	logger = logger.With("component", "analyzer", "stateType", st)
	return func(ctx context.Context, input analysis.AnalysisInput) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Info("analysed window", "verificationTask", input.VerificationTaskID,
			"start", input.StartTime, "end", input.EndTime)
		return nil
	}
}
