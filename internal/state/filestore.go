package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no state exists for an operation id
var ErrNotFound = errors.New("no state for operation")

// ErrAlreadyInitialized is returned by Initialize when state exists and
// Reset was not requested
var ErrAlreadyInitialized = errors.New("operation state already exists")

// FileStoreOptions tunes persistence behavior
type FileStoreOptions struct {
	// AutoSave persists the snapshot after every mutation
	AutoSave bool
	// BackupRetention is the number of timestamped backups kept per
	// operation; 0 disables backups
	BackupRetention int
}

// FileStore persists one JSON document per operation id under a directory,
// with timestamped backups of the previous state before each save.
type FileStore struct {
	dir    string
	opts   FileStoreOptions
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*ProgressSnapshot
}

// NewFileStore creates the store directory (and its backups subdirectory)
// if needed
func NewFileStore(dir string, opts FileStoreOptions, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if opts.BackupRetention > 0 {
		if err := os.MkdirAll(filepath.Join(dir, "backups"), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backups directory: %w", err)
		}
	}
	return &FileStore{
		dir:    dir,
		opts:   opts,
		logger: logger,
		cache:  make(map[string]*ProgressSnapshot),
	}, nil
}

// Initialize creates and persists a fresh snapshot. It fails with
// ErrAlreadyInitialized when state exists unless init.Reset is set.
func (fs *FileStore) Initialize(operationID string, init InitData) (*ProgressSnapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !init.Reset {
		if _, err := os.Stat(fs.path(operationID)); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, operationID)
		}
	}

	snap := &ProgressSnapshot{
		OperationID:         operationID,
		Status:              StatusInitialized,
		StartedAt:           time.Now(),
		TotalRecords:        init.TotalRecords,
		BatchSize:           init.BatchSize,
		LastSuccessfulBatch: -1,
		LastSuccessfulRow:   0,
		Config:              init.Config,
	}
	snap.Checksum = snap.ComputeChecksum()

	if err := fs.save(snap); err != nil {
		return nil, err
	}
	fs.cache[operationID] = snap

	out := *snap
	return &out, nil
}

// Load reads persisted state, verifying the checksum and internal
// invariants. A missing file returns ErrNotFound.
func (fs *FileStore) Load(operationID string) (*ProgressSnapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snap, err := fs.load(operationID)
	if err != nil {
		return nil, err
	}
	out := *snap
	return &out, nil
}

// UpdateProgress advances the snapshot for one successful batch: processed
// count, last-successful coordinates, completed list, failed-list removal,
// status recomputation and checksum, persisting when auto-save is enabled.
func (fs *FileStore) UpdateProgress(operationID string, batchIndex int, update ProgressUpdate) (*ProgressSnapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snap, err := fs.load(operationID)
	if err != nil {
		return nil, err
	}

	for _, b := range snap.CompletedBatches {
		if b.Index == batchIndex {
			return nil, fmt.Errorf("batch %d already recorded as completed", batchIndex)
		}
	}

	snap.ProcessedRecords += update.RecordsProcessed
	if batchIndex > snap.LastSuccessfulBatch {
		snap.LastSuccessfulBatch = batchIndex
	}
	if update.RowPosition > snap.LastSuccessfulRow {
		snap.LastSuccessfulRow = update.RowPosition
	}
	snap.CompletedBatches = append(snap.CompletedBatches, CompletedBatch{
		Index:            batchIndex,
		RecordOffset:     update.RecordOffset,
		RecordsProcessed: update.RecordsProcessed,
		RowPosition:      update.RowPosition,
		CompletedAt:      time.Now(),
		Metadata:         update.Metadata,
	})

	// A successful retry clears the failure record
	for i, b := range snap.FailedBatches {
		if b.Index == batchIndex {
			snap.FailedBatches = append(snap.FailedBatches[:i], snap.FailedBatches[i+1:]...)
			break
		}
	}

	if snap.ProcessedRecords >= snap.TotalRecords {
		snap.Status = StatusCompleted
	} else {
		snap.Status = StatusInProgress
	}
	snap.Checksum = snap.ComputeChecksum()

	if fs.opts.AutoSave {
		if err := fs.save(snap); err != nil {
			return nil, err
		}
	}

	out := *snap
	return &out, nil
}

// RecordFailedBatch upserts a failed-batch record with accumulating error
// history and marks the operation errored
func (fs *FileStore) RecordFailedBatch(operationID string, batchIndex int, cause error, retryCount int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snap, err := fs.load(operationID)
	if err != nil {
		return err
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	found := false
	for i := range snap.FailedBatches {
		if snap.FailedBatches[i].Index == batchIndex {
			snap.FailedBatches[i].RetryCount = retryCount
			snap.FailedBatches[i].Errors = append(snap.FailedBatches[i].Errors, msg)
			snap.FailedBatches[i].LastFailedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		snap.FailedBatches = append(snap.FailedBatches, FailedBatch{
			Index:        batchIndex,
			RetryCount:   retryCount,
			Errors:       []string{msg},
			LastFailedAt: time.Now(),
		})
	}

	snap.Status = StatusError
	snap.Checksum = snap.ComputeChecksum()

	if fs.opts.AutoSave {
		return fs.save(snap)
	}
	return nil
}

// ClearFailedBatches drops all failure records for an operation. The resume
// path calls this before re-driving the failed batches' records under new
// batch indexes.
func (fs *FileStore) ClearFailedBatches(operationID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snap, err := fs.load(operationID)
	if err != nil {
		return err
	}
	if len(snap.FailedBatches) == 0 {
		return nil
	}

	snap.FailedBatches = nil
	if snap.Status == StatusError {
		snap.Status = StatusInProgress
	}
	snap.Checksum = snap.ComputeChecksum()

	if fs.opts.AutoSave {
		return fs.save(snap)
	}
	return nil
}

// RecoveryInfo projects resume coordinates for an operation
func (fs *FileStore) RecoveryInfo(operationID string) (RecoveryInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snap, err := fs.load(operationID)
	if err != nil {
		return RecoveryInfo{}, err
	}
	return snap.Recovery(), nil
}

// List returns the operation ids with persisted state
func (fs *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes persisted state for an operation
func (fs *FileStore) Delete(operationID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.cache, operationID)
	if err := os.Remove(fs.path(operationID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Save persists the cached snapshot explicitly; useful when auto-save is
// disabled
func (fs *FileStore) Save(operationID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snap, ok := fs.cache[operationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, operationID)
	}
	return fs.save(snap)
}

func (fs *FileStore) path(operationID string) string {
	return filepath.Join(fs.dir, operationID+".json")
}

// load returns the cached snapshot or reads and validates it from disk.
// Caller holds the lock.
func (fs *FileStore) load(operationID string) (*ProgressSnapshot, error) {
	if snap, ok := fs.cache[operationID]; ok {
		return snap, nil
	}

	data, err := os.ReadFile(fs.path(operationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, operationID)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snap ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state file for %s is not valid JSON: %w", operationID, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	fs.cache[operationID] = &snap
	return &snap, nil
}

// save backs up the previous file, then writes atomically via temp+rename.
// Caller holds the lock.
func (fs *FileStore) save(snap *ProgressSnapshot) error {
	path := fs.path(snap.OperationID)

	if fs.opts.BackupRetention > 0 {
		if err := fs.backup(snap.OperationID); err != nil {
			fs.logger.Warn("Failed to back up previous state",
				zap.String("operation_id", snap.OperationID),
				zap.Error(err),
			)
		}
	}

	snap.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// backup copies the current state file into backups/ with a timestamped name
// and prunes the oldest files beyond the retention count. Caller holds the
// lock.
func (fs *FileStore) backup(operationID string) error {
	data, err := os.ReadFile(fs.path(operationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	backupDir := filepath.Join(fs.dir, "backups")
	name := fmt.Sprintf("%s-%s.json", operationID, backupTimestamp(time.Now()))
	if err := os.WriteFile(filepath.Join(backupDir, name), data, 0o644); err != nil {
		return err
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	var mine []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), operationID+"-") {
			mine = append(mine, e.Name())
		}
	}
	sort.Strings(mine)
	for len(mine) > fs.opts.BackupRetention {
		if err := os.Remove(filepath.Join(backupDir, mine[0])); err != nil {
			return err
		}
		mine = mine[1:]
	}
	return nil
}
