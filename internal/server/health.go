// ============================================================================
// Beaver-Iterator Health Server
// ============================================================================
//
// Package: internal/server
// File: health.go
// Purpose: Expose grpc.health.v1 so load balancers and operators can see
//          which node is actually processing.
//
// Services:
//   ""                      SERVING while the process is up
//   "iterator.<name>"       SERVING only while this node is primary and not
//                           in maintenance, i.e. while the iterator polls
//
// Statuses are recomputed every RefreshInterval and on Refresh.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ClusterState is the same view the iterators poll.
type ClusterState interface {
	IsPrimary() bool
	IsMaintenance() bool
}

const defaultRefreshInterval = time.Second

// ServiceName is the health service name reported for an iterator.
func ServiceName(iterator string) string { return "iterator." + iterator }

// HealthConfig configures a HealthServer.
type HealthConfig struct {
	Cluster         ClusterState
	Iterators       []string
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// HealthServer serves grpc.health.v1 on its own grpc.Server.
type HealthServer struct {
	grpc      *grpc.Server
	health    *health.Server
	cluster   ClusterState
	services  []string
	interval  time.Duration
	logger    *slog.Logger
	mu        sync.Mutex
	lastState healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthServer(cfg HealthConfig, opts ...grpc.ServerOption) *HealthServer {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	services := make([]string, 0, len(cfg.Iterators))
	for _, name := range cfg.Iterators {
		services = append(services, ServiceName(name))
	}

	s := &HealthServer{
		grpc:     grpc.NewServer(opts...),
		health:   health.NewServer(),
		cluster:  cfg.Cluster,
		services: services,
		interval: cfg.RefreshInterval,
		logger:   cfg.Logger.With("component", "health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.Refresh()
	return s
}

func (s *HealthServer) processing() bool {
	return s.cluster == nil || (s.cluster.IsPrimary() && !s.cluster.IsMaintenance())
}

// Refresh recomputes every iterator status.
func (s *HealthServer) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.processing() {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	changed := status != s.lastState
	s.lastState = status
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, svc := range s.services {
		s.health.SetServingStatus(svc, status)
	}
	if changed {
		s.logger.Info("iterator health changed", "status", status.String())
	}
}

// Serve blocks until Stop. It refreshes statuses in the background.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go s.watch(ctx)
	s.logger.Info("health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

func (s *HealthServer) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Stop marks everything NOT_SERVING and drains the server.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
