package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-iterator/internal/iterator"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// Config is the complete node configuration, read from YAML.
type Config struct {
	Node struct {
		ID string `yaml:"id" validate:"required"`
	} `yaml:"node"`

	Store struct {
		Driver string `yaml:"driver" validate:"oneof=memory badger sqlite"`
		// Path is the badger directory or the sqlite file.
		Path string `yaml:"path" validate:"required_unless=Driver memory"`
		// SnapshotDir enables write-through snapshots for the memory driver.
		SnapshotDir    string        `yaml:"snapshot_dir"`
		SyncWrites     bool          `yaml:"sync_writes"`
		GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
		GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
	} `yaml:"store"`

	Cluster struct {
		// Election is static (Primary decides) or lease.
		Election        string        `yaml:"election" validate:"oneof=static lease"`
		Primary         bool          `yaml:"primary"`
		LeaseName       string        `yaml:"lease_name"`
		LeaseTTL        time.Duration `yaml:"lease_ttl" validate:"gte=0"`
		MaintenanceFlag string        `yaml:"maintenance_flag"`
	} `yaml:"cluster"`

	Iterators struct {
		Orchestrator IteratorConfig `yaml:"orchestrator"`
		Schedule     IteratorConfig `yaml:"schedule"`
		Advise       IteratorConfig `yaml:"advise"`
	} `yaml:"iterators"`

	Analysis struct {
		Workers         int           `yaml:"workers" validate:"gte=1"`
		TaskTimeout     time.Duration `yaml:"task_timeout" validate:"gte=0"`
		MaxPending      int           `yaml:"max_pending" validate:"gte=0"`
		MaxStateRetries int           `yaml:"max_state_retries" validate:"gte=0"`
		IgnoreAfter     time.Duration `yaml:"ignore_after" validate:"gte=0"`
		IgnoreLimit     int           `yaml:"ignore_limit" validate:"gte=0"`
		Lookback        time.Duration `yaml:"lookback" validate:"gte=0"`
	} `yaml:"analysis"`

	Advise struct {
		// Async publishes events for nodes with custom advisers.
		Async     bool `yaml:"async"`
		BusBuffer int  `yaml:"bus_buffer" validate:"gte=0"`
	} `yaml:"advise"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
	} `yaml:"health"`

	Logging struct {
		Level  string `yaml:"level" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" validate:"oneof=text json"`
	} `yaml:"logging"`
}

// IteratorConfig maps onto iterator.Options.
type IteratorConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	SchedulingType          string        `yaml:"scheduling_type"`
	TargetInterval          time.Duration `yaml:"target_interval" validate:"required_if=Enabled true,gte=0"`
	MaximumDelayForCheck    time.Duration `yaml:"maximum_delay_for_check" validate:"gte=0"`
	AcceptableNoAlertDelay  time.Duration `yaml:"acceptable_no_alert_delay" validate:"gte=0"`
	AcceptableExecutionTime time.Duration `yaml:"acceptable_execution_time" validate:"gte=0"`
	ThrottleInterval        time.Duration `yaml:"throttle_interval" validate:"gte=0"`
	Redistribute            bool          `yaml:"redistribute"`
	Semaphore               int           `yaml:"semaphore" validate:"gte=0"`
	ThreadPoolSize          int           `yaml:"thread_pool_size" validate:"gte=0"`
	ClaimRate               float64       `yaml:"claim_rate" validate:"gte=0"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Node.ID = hostname()
	cfg.Store.Driver = "memory"
	cfg.Store.GCInterval = 5 * time.Minute
	cfg.Store.GCDiscardRatio = 0.5
	cfg.Store.SyncWrites = true
	cfg.Cluster.Election = "static"
	cfg.Cluster.Primary = true

	cfg.Iterators.Orchestrator = IteratorConfig{
		Enabled:                 true,
		SchedulingType:          "REGULAR",
		TargetInterval:          30 * time.Second,
		MaximumDelayForCheck:    10 * time.Second,
		AcceptableNoAlertDelay:  time.Minute,
		AcceptableExecutionTime: 30 * time.Second,
		Semaphore:               8,
	}
	cfg.Iterators.Schedule = IteratorConfig{
		Enabled:                 true,
		SchedulingType:          "IRREGULAR_SKIP_MISSED",
		TargetInterval:          time.Minute,
		MaximumDelayForCheck:    30 * time.Second,
		AcceptableNoAlertDelay:  2 * time.Minute,
		AcceptableExecutionTime: 10 * time.Second,
		Semaphore:               4,
	}
	cfg.Iterators.Advise = IteratorConfig{
		Enabled:                 true,
		SchedulingType:          "REGULAR",
		TargetInterval:          30 * time.Second,
		MaximumDelayForCheck:    5 * time.Second,
		AcceptableNoAlertDelay:  30 * time.Second,
		AcceptableExecutionTime: 10 * time.Second,
		Semaphore:               8,
	}

	cfg.Analysis.Workers = 4
	cfg.Analysis.TaskTimeout = 5 * time.Minute
	cfg.Analysis.Lookback = 5 * time.Minute
	cfg.Advise.BusBuffer = 64
	cfg.Metrics.Addr = ":9090"
	cfg.Health.Addr = ":50051"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "beaver-iterator"
	}
	return name
}

var validate = validator.New()

// loadConfig overlays the YAML file at path on the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for name, it := range c.iterators() {
		if _, err := types.ParseSchedulingType(it.SchedulingType); err != nil {
			return fmt.Errorf("iterators.%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) iterators() map[string]IteratorConfig {
	return map[string]IteratorConfig{
		"orchestrator": c.Iterators.Orchestrator,
		"schedule":     c.Iterators.Schedule,
		"advise":       c.Iterators.Advise,
	}
}

// options fills the generic part of iterator.Options from ic.
func options[T types.Iterable](name string, ic IteratorConfig) iterator.Options[T] {
	st, _ := types.ParseSchedulingType(ic.SchedulingType)
	return iterator.Options[T]{
		Name:                    name,
		Mode:                    iterator.Loop,
		SchedulingType:          st,
		TargetInterval:          ic.TargetInterval,
		MaximumDelayForCheck:    ic.MaximumDelayForCheck,
		AcceptableNoAlertDelay:  ic.AcceptableNoAlertDelay,
		AcceptableExecutionTime: ic.AcceptableExecutionTime,
		ThrottleInterval:        ic.ThrottleInterval,
		Redistribute:            ic.Redistribute,
		Semaphore:               ic.Semaphore,
		ThreadPoolSize:          ic.ThreadPoolSize,
		ClaimRate:               ic.ClaimRate,
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(c *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("node", c.Node.ID)
}
