package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"orders2sheet/internal/sheet"
)

// SnapshotMeta describes one stored destination snapshot
type SnapshotMeta struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	Timestamp   time.Time `json:"timestamp"`
	Path        string    `json:"path"`
	RowCount    int       `json:"row_count"`
}

// SnapshotStore persists full destination copies keyed by snapshot id
type SnapshotStore interface {
	Write(ctx context.Context, id string, rows []sheet.Row) (path string, err error)
	Read(ctx context.Context, id string) ([]sheet.Row, error)
	Delete(ctx context.Context, id string) error
}

// FSStore stores snapshots as JSON files under a directory
type FSStore struct {
	dir string
}

// NewFSStore creates the snapshot directory if needed
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FSStore) Write(ctx context.Context, id string, rows []sheet.Row) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return path, nil
}

func (s *FSStore) Read(ctx context.Context, id string) ([]sheet.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	var rows []sheet.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("snapshot %s is corrupted: %w", id, err)
	}
	return rows, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Registry is the persisted snapshot-id index, one JSON document mapping
// snapshot id to its metadata
type Registry struct {
	path string

	mu      sync.Mutex
	entries map[string]SnapshotMeta
}

// NewRegistry loads (or starts) the registry document at path
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]SnapshotMeta)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read snapshot registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		return nil, fmt.Errorf("snapshot registry is corrupted: %w", err)
	}
	return r, nil
}

// Add registers a snapshot and persists the registry
func (r *Registry) Add(meta SnapshotMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[meta.ID] = meta
	return r.save()
}

// Get returns the metadata for a snapshot id
func (r *Registry) Get(id string) (SnapshotMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.entries[id]
	return meta, ok
}

// List returns all snapshots, newest first
func (r *Registry) List() []SnapshotMeta {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SnapshotMeta, 0, len(r.entries))
	for _, meta := range r.entries {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Prune removes the oldest entries beyond the retention count and returns
// the removed metadata so the caller can delete the stored payloads
func (r *Registry) Prune(retention int) ([]SnapshotMeta, error) {
	if retention <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) <= retention {
		return nil, nil
	}

	all := make([]SnapshotMeta, 0, len(r.entries))
	for _, meta := range r.entries {
		all = append(all, meta)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	removed := all[:len(all)-retention]
	for _, meta := range removed {
		delete(r.entries, meta.ID)
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return removed, nil
}

// save persists the registry document. Caller holds the lock.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}
