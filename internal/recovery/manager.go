package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orders2sheet/internal/classify"
	"orders2sheet/internal/rows"
	"orders2sheet/internal/sheet"
	"orders2sheet/internal/state"
)

// ErrSnapshotNotFound is returned when a rollback names an unknown snapshot
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Config tunes the recovery manager
type Config struct {
	// SnapshotRetention is how many snapshots to keep; older ones are
	// pruned after each new snapshot. Zero keeps everything.
	SnapshotRetention int
	// ChunkSize bounds the row count of each rollback write
	ChunkSize int
	// RetryBudget marks a failed batch as needing manual intervention
	// once its retry count reaches this value
	RetryBudget int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	return c
}

// Manager owns snapshots, rollback and pre-resume validation for a
// destination. It also plugs into the batch processor as its corruption
// handler: a corrupted batch triggers a rollback to the latest snapshot.
type Manager struct {
	cfg      Config
	dst      sheet.Destination
	store    SnapshotStore
	registry *Registry
	states   state.Store
	audit    *AuditLog
	logger   *zap.Logger
}

// NewManager creates a recovery manager. audit may be nil to disable the
// audit trail.
func NewManager(
	cfg Config,
	dst sheet.Destination,
	store SnapshotStore,
	registry *Registry,
	states state.Store,
	audit *AuditLog,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		dst:      dst,
		store:    store,
		registry: registry,
		states:   states,
		audit:    audit,
		logger:   logger,
	}
}

// CreateSnapshot copies the full current destination content into the
// snapshot store and registers it, pruning snapshots beyond the retention
// count oldest first
func (m *Manager) CreateSnapshot(ctx context.Context, operationID string) (SnapshotMeta, error) {
	content, err := m.dst.ReadAll(ctx)
	if err != nil {
		m.record(operationID, "create_snapshot", "", "failed: "+err.Error())
		return SnapshotMeta{}, fmt.Errorf("failed to read destination: %w", err)
	}

	meta := SnapshotMeta{
		ID:          uuid.NewString(),
		OperationID: operationID,
		Timestamp:   time.Now(),
		RowCount:    len(content),
	}
	path, err := m.store.Write(ctx, meta.ID, content)
	if err != nil {
		m.record(operationID, "create_snapshot", meta.ID, "failed: "+err.Error())
		return SnapshotMeta{}, fmt.Errorf("failed to store snapshot: %w", err)
	}
	meta.Path = path

	if err := m.registry.Add(meta); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to register snapshot: %w", err)
	}
	m.record(operationID, "create_snapshot", meta.ID, "ok")
	m.logger.Info("snapshot created",
		zap.String("snapshot_id", meta.ID),
		zap.String("operation_id", operationID),
		zap.Int("rows", meta.RowCount),
	)

	pruned, err := m.registry.Prune(m.cfg.SnapshotRetention)
	if err != nil {
		return meta, fmt.Errorf("failed to prune snapshot registry: %w", err)
	}
	for _, old := range pruned {
		if err := m.store.Delete(ctx, old.ID); err != nil {
			m.logger.Warn("failed to delete pruned snapshot",
				zap.String("snapshot_id", old.ID), zap.Error(err))
		}
	}
	return meta, nil
}

// Snapshots lists registered snapshots, newest first
func (m *Manager) Snapshots() []SnapshotMeta {
	return m.registry.List()
}

// RollbackOptions controls a rollback
type RollbackOptions struct {
	// Force skips the pre-rollback safety snapshot
	Force bool
	// Partial restricts the rollback to the given destination row range;
	// nil restores the full destination
	Partial *rows.RowRange
}

// Rollback restores destination content from a snapshot. A full rollback
// first takes a safety snapshot of the current content (unless forced),
// clears the destination, then rewrites the snapshot rows in bounded chunks.
// A partial rollback rewrites only the rows inside the given range.
func (m *Manager) Rollback(ctx context.Context, snapshotID string, opts RollbackOptions) error {
	meta, ok := m.registry.Get(snapshotID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}

	content, err := m.store.Read(ctx, snapshotID)
	if err != nil {
		m.record(meta.OperationID, "rollback", snapshotID, "failed: "+err.Error())
		return err
	}

	if !opts.Force {
		if _, err := m.CreateSnapshot(ctx, meta.OperationID); err != nil {
			return fmt.Errorf("failed to take pre-rollback snapshot: %w", err)
		}
	}

	if opts.Partial != nil {
		err = m.restoreRange(ctx, content, *opts.Partial)
	} else {
		err = m.restoreFull(ctx, content)
	}
	if err != nil {
		m.record(meta.OperationID, "rollback", snapshotID, "failed: "+err.Error())
		return err
	}

	m.record(meta.OperationID, "rollback", snapshotID, "ok")
	m.logger.Info("rollback completed",
		zap.String("snapshot_id", snapshotID),
		zap.String("operation_id", meta.OperationID),
		zap.Int("rows", len(content)),
	)
	return nil
}

func (m *Manager) restoreFull(ctx context.Context, content []sheet.Row) error {
	if err := m.dst.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear destination: %w", err)
	}
	for start := 0; start < len(content); start += m.cfg.ChunkSize {
		end := start + m.cfg.ChunkSize
		if end > len(content) {
			end = len(content)
		}
		if err := m.dst.WriteRange(ctx, start+1, content[start:end]); err != nil {
			return fmt.Errorf("failed to restore rows %d-%d: %w", start+1, end, err)
		}
	}
	return nil
}

func (m *Manager) restoreRange(ctx context.Context, content []sheet.Row, r rows.RowRange) error {
	if r.StartRow < 1 || r.EndRow < r.StartRow {
		return fmt.Errorf("invalid rollback range %s", r)
	}
	if r.StartRow > len(content) {
		return fmt.Errorf("rollback range %s is beyond snapshot extent %d", r, len(content))
	}
	end := r.EndRow
	if end > len(content) {
		end = len(content)
	}
	for start := r.StartRow; start <= end; start += m.cfg.ChunkSize {
		chunkEnd := start + m.cfg.ChunkSize - 1
		if chunkEnd > end {
			chunkEnd = end
		}
		if err := m.dst.WriteRange(ctx, start, content[start-1:chunkEnd]); err != nil {
			return fmt.Errorf("failed to restore rows %d-%d: %w", start, chunkEnd, err)
		}
	}
	return nil
}

// Validation is the outcome of a pre-resume state check
type Validation struct {
	IsValid              bool
	CanResume            bool
	RequiresIntervention bool
	Message              string
	Info                 state.RecoveryInfo
}

// ValidateStateBeforeResume checks whether an operation's persisted state is
// safe to resume from. Corrupted state and exhausted retry budgets flag the
// operation for manual intervention rather than automatic resume.
func (m *Manager) ValidateStateBeforeResume(operationID string) (Validation, error) {
	snap, err := m.states.Load(operationID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Validation{Message: "no saved state for this operation"}, nil
		}
		var verr *state.ValidationError
		if errors.As(err, &verr) {
			m.record(operationID, "validate_state", "", "invalid: "+verr.Error())
			return Validation{
				RequiresIntervention: true,
				Message:              verr.Error(),
			}, nil
		}
		return Validation{}, err
	}

	v := Validation{IsValid: true, Info: snap.Recovery()}

	for _, fb := range snap.FailedBatches {
		if fb.RetryCount >= m.cfg.RetryBudget {
			v.RequiresIntervention = true
			v.Message = fmt.Sprintf(
				"batch %d exhausted its retry budget (%d attempts); resolve manually before resuming",
				fb.Index, fb.RetryCount)
			return v, nil
		}
		for _, msg := range fb.Errors {
			err := errors.New(msg)
			if !classify.IsCritical(err) {
				continue
			}
			v.RequiresIntervention = true
			if classify.Classify(err).Category == classify.CategoryCorruption {
				v.Message = fmt.Sprintf("batch %d failed with a corruption signal; roll back before resuming", fb.Index)
			} else {
				v.Message = fmt.Sprintf("batch %d hit a destination capacity limit; free up space before resuming", fb.Index)
			}
			return v, nil
		}
	}

	if snap.Status == state.StatusCompleted {
		v.Message = "operation already completed"
		return v, nil
	}

	v.CanResume = v.Info.CanResume || snap.Status == state.StatusInProgress || snap.Status == state.StatusError
	if v.CanResume {
		v.Message = fmt.Sprintf("resumable from batch %d, row %d (%d records remaining)",
			v.Info.NextBatchIndex, v.Info.NextRowPosition, v.Info.RemainingRecords)
	}
	return v, nil
}

// HandleCorruption rolls the destination back to the most recent snapshot
// for the operation. Wired into the batch processor.
func (m *Manager) HandleCorruption(ctx context.Context, operationID string, cause error) error {
	var latest *SnapshotMeta
	for _, meta := range m.registry.List() {
		if meta.OperationID == operationID {
			meta := meta
			latest = &meta
			break
		}
	}
	if latest == nil {
		m.record(operationID, "corruption", "", "no snapshot available")
		return fmt.Errorf("no snapshot available for operation %s", operationID)
	}

	m.logger.Warn("corruption detected, rolling back",
		zap.String("operation_id", operationID),
		zap.String("snapshot_id", latest.ID),
		zap.Error(cause),
	)
	// The corrupted content is not worth a safety snapshot
	return m.Rollback(ctx, latest.ID, RollbackOptions{Force: true})
}

func (m *Manager) record(operationID, action, detail, outcome string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(operationID, action, detail, outcome); err != nil {
		m.logger.Warn("failed to write audit entry",
			zap.String("action", action), zap.Error(err))
	}
}
