package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

type lease struct {
	holder  string
	expires time.Time
}

// Leases is a process-local persistence.LeaseStore. It only coordinates
// electors sharing the same instance, which is what tests and single-node
// deployments need.
type Leases struct {
	clock types.Clock

	mu     sync.Mutex
	leases map[string]lease
}

var _ persistence.LeaseStore = (*Leases)(nil)

func NewLeases(clock types.Clock) *Leases {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Leases{clock: clock, leases: make(map[string]lease)}
}

func (l *Leases) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	current, held := l.leases[name]
	if held && current.holder != holder && now.Before(current.expires) {
		return false, nil
	}
	l.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (l *Leases) ReleaseLease(ctx context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.leases[name]; ok && current.holder == holder {
		delete(l.leases, name)
	}
	return nil
}
