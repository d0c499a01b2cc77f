package snapshot

// ============================================================================
// Snapshot Manager
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Purpose: Persist the in-memory store's documents to a single JSON file.
//
//   1. Serialize every document of one entity kind
//   2. Atomic write (temp file + rename) so a crash never leaves half a file
//   3. Verify the schema version on load
//
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrKindMismatch        = errors.New("snapshot holds a different entity kind")
)

// SchemaVersion is the only on-disk layout this package understands.
const SchemaVersion = 1

// ============================================================================
// Data layout
// ============================================================================

// Data is the on-disk image of one store.
type Data struct {
	SchemaVer int                        `json:"schemaVer"`
	Kind      string                     `json:"kind"`
	SavedAt   time.Time                  `json:"savedAt"`
	Order     []string                   `json:"order"`
	Docs      map[string]json.RawMessage `json:"docs"`
}

// NewData returns an empty image for kind.
func NewData(kind string) Data {
	return Data{
		SchemaVer: SchemaVersion,
		Kind:      kind,
		Docs:      make(map[string]json.RawMessage),
	}
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot file with data.
//
// Documents missing from data.Order are appended in id order so the file is
// stable across writes.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = time.Now().UTC()
	}
	data.Order = completeOrder(data.Order, data.Docs)

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for kind. A missing file yields an empty image
// (first boot).
func (m *Manager) Load(kind string) (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewData(kind), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Kind != kind {
		return Data{}, fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, data.Kind, kind)
	}
	if data.Docs == nil {
		data.Docs = make(map[string]json.RawMessage)
	}
	data.Order = completeOrder(data.Order, data.Docs)
	return data, nil
}

// Exists reports whether the snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}

// completeOrder drops ids without a document and appends unlisted ones.
func completeOrder(order []string, docs map[string]json.RawMessage) []string {
	seen := make(map[string]bool, len(docs))
	out := make([]string, 0, len(docs))
	for _, id := range order {
		if _, ok := docs[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	var rest []string
	for id := range docs {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
