// ============================================================================
// Beaver-Iterator Cluster State
// ============================================================================
//
// Package: internal/cluster
// File: cluster.go
// Purpose: Tell iterators whether this node may poll.
//
// A node polls only while it is primary and not in maintenance:
//
//   LeaseElector ──IsPrimary──┐
//                             ├── State ──> iterator.ClusterState
//   MaintenanceWatcher ───────┘
//
// Static serves tests and single-node deployments where both answers are
// fixed by configuration.
//
// ============================================================================

package cluster

import "sync/atomic"

// Primary reports leadership.
type Primary interface {
	IsPrimary() bool
}

// Maintenance reports whether processing is paused.
type Maintenance interface {
	IsMaintenance() bool
}

// State composes a leadership source and a maintenance source. A nil
// source counts as primary and not in maintenance.
type State struct {
	Primary     Primary
	Maintenance Maintenance
}

func (s State) IsPrimary() bool {
	return s.Primary == nil || s.Primary.IsPrimary()
}

func (s State) IsMaintenance() bool {
	return s.Maintenance != nil && s.Maintenance.IsMaintenance()
}

// Static holds flags that are flipped by hand.
type Static struct {
	primary     atomic.Bool
	maintenance atomic.Bool
}

func NewStatic(primary, maintenance bool) *Static {
	s := &Static{}
	s.primary.Store(primary)
	s.maintenance.Store(maintenance)
	return s
}

func (s *Static) IsPrimary() bool     { return s.primary.Load() }
func (s *Static) IsMaintenance() bool { return s.maintenance.Load() }

func (s *Static) SetPrimary(v bool)     { s.primary.Store(v) }
func (s *Static) SetMaintenance(v bool) { s.maintenance.Store(v) }
