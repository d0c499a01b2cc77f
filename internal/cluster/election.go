package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
)

// Role is this node's place in the election.
type Role int32

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

const (
	DefaultLeaseName = "beaver-iterator-primary"
	DefaultLeaseTTL  = 15 * time.Second
)

var ErrNoHolder = errors.New("cluster: elector needs a holder id")

// ElectorConfig configures a LeaseElector.
type ElectorConfig struct {
	Leases persistence.LeaseStore
	// Name is the lease every node of the deployment competes for.
	Name string
	// Holder identifies this node.
	Holder string
	TTL    time.Duration
	// RenewInterval defaults to a third of TTL. Followers add up to one
	// interval of jitter between attempts.
	RenewInterval time.Duration
	Logger        *slog.Logger
}

// LeaseElector makes this node primary while it holds a named lease. The
// leader renews well inside the TTL; a failed renewal demotes it at once so
// two nodes never both believe they lead.
type LeaseElector struct {
	leases persistence.LeaseStore
	name   string
	holder string
	ttl    time.Duration
	renew  time.Duration
	logger *slog.Logger

	role atomic.Int32
}

func NewLeaseElector(cfg ElectorConfig) (*LeaseElector, error) {
	if cfg.Leases == nil {
		return nil, errors.New("cluster: elector needs a lease store")
	}
	if cfg.Holder == "" {
		return nil, ErrNoHolder
	}
	if cfg.Name == "" {
		cfg.Name = DefaultLeaseName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseTTL
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LeaseElector{
		leases: cfg.Leases,
		name:   cfg.Name,
		holder: cfg.Holder,
		ttl:    cfg.TTL,
		renew:  cfg.RenewInterval,
		logger: cfg.Logger.With("component", "election", "holder", cfg.Holder, "lease", cfg.Name),
	}, nil
}

func (e *LeaseElector) IsPrimary() bool { return e.Role() == Leader }

func (e *LeaseElector) Role() Role { return Role(e.role.Load()) }

// Campaign makes one attempt to take or renew the lease.
func (e *LeaseElector) Campaign(ctx context.Context) (bool, error) {
	ok, err := e.leases.TryAcquireLease(ctx, e.name, e.holder, e.ttl)
	if err != nil {
		e.become(Follower)
		return false, fmt.Errorf("acquire lease %s: %w", e.name, err)
	}
	if ok {
		e.become(Leader)
	} else {
		e.become(Follower)
	}
	return ok, nil
}

func (e *LeaseElector) become(r Role) {
	prev := Role(e.role.Swap(int32(r)))
	if prev == r {
		return
	}
	if r == Leader {
		e.logger.Info("elected as leader")
	} else {
		e.logger.Warn("lost leadership")
	}
}

// Run campaigns until ctx is cancelled, then releases the lease if held.
func (e *LeaseElector) Run(ctx context.Context) error {
	for {
		if _, err := e.Campaign(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("campaign failed", "error", err)
		}

		wait := e.renew
		if e.Role() == Follower {
			wait += rand.N(e.renew)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.resign()
		case <-timer.C:
		}
	}
}

func (e *LeaseElector) resign() error {
	if e.Role() != Leader {
		return nil
	}
	e.become(Follower)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.leases.ReleaseLease(ctx, e.name, e.holder); err != nil {
		return fmt.Errorf("release lease %s: %w", e.name, err)
	}
	return nil
}
