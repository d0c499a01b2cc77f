package cluster

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ResumeFunc runs when the node leaves maintenance, e.g. an iterator's
// RecoverAfterPause.
type ResumeFunc func(ctx context.Context) error

// MaintenanceWatcher puts the node in maintenance while a flag file exists.
// The file's directory is watched, so the flag may be created and removed
// freely.
type MaintenanceWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	on atomic.Bool

	mu     sync.Mutex
	resume []ResumeFunc
}

func NewMaintenanceWatcher(path string, logger *slog.Logger) (*MaintenanceWatcher, error) {
	if path == "" {
		return nil, errors.New("cluster: maintenance flag path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve maintenance flag %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create maintenance watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &MaintenanceWatcher{
		path:    abs,
		watcher: watcher,
		logger:  logger.With("component", "maintenance", "flag", abs),
	}
	w.on.Store(flagExists(abs))
	return w, nil
}

func (w *MaintenanceWatcher) IsMaintenance() bool { return w.on.Load() }

// OnResume registers fn to run every time maintenance ends.
func (w *MaintenanceWatcher) OnResume(fn ResumeFunc) {
	w.mu.Lock()
	w.resume = append(w.resume, fn)
	w.mu.Unlock()
}

// Run follows the flag file until ctx is cancelled.
func (w *MaintenanceWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == w.path {
				w.Refresh(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("maintenance watcher error", "error", err)
		}
	}
}

// Refresh re-reads the flag and fires resume callbacks on the way out of
// maintenance.
func (w *MaintenanceWatcher) Refresh(ctx context.Context) {
	now := flagExists(w.path)
	was := w.on.Swap(now)
	switch {
	case !was && now:
		w.logger.Warn("entering maintenance")
	case was && !now:
		w.logger.Info("leaving maintenance")
		w.mu.Lock()
		callbacks := append([]ResumeFunc(nil), w.resume...)
		w.mu.Unlock()
		for _, fn := range callbacks {
			if err := fn(ctx); err != nil {
				w.logger.Error("resume callback failed", "error", err)
			}
		}
	}
}

func flagExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
