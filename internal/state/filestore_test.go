package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), FileStoreOptions{AutoSave: true, BackupRetention: 3}, zap.NewNop())
	require.NoError(t, err)
	return fs
}

func TestInitializeAndLoad(t *testing.T) {
	fs := newTestStore(t)

	snap, err := fs.Initialize("op-1", InitData{TotalRecords: 250, BatchSize: 50})
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, snap.Status)
	assert.Equal(t, -1, snap.LastSuccessfulBatch)
	assert.NotEmpty(t, snap.Checksum)

	// Re-initializing without reset fails
	_, err = fs.Initialize("op-1", InitData{TotalRecords: 10})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	// With reset it starts over
	snap, err = fs.Initialize("op-1", InitData{TotalRecords: 10, Reset: true})
	require.NoError(t, err)
	assert.Equal(t, 10, snap.TotalRecords)
}

func TestLoadMissing(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProgressLifecycle(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 100, BatchSize: 50})
	require.NoError(t, err)

	snap, err := fs.UpdateProgress("op-1", 0, ProgressUpdate{RecordsProcessed: 50, RowPosition: 51})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, snap.Status)
	assert.Equal(t, 50, snap.ProcessedRecords)
	assert.Equal(t, 0, snap.LastSuccessfulBatch)
	assert.Equal(t, 51, snap.LastSuccessfulRow)

	// Recording the same batch twice would double-count records
	_, err = fs.UpdateProgress("op-1", 0, ProgressUpdate{RecordsProcessed: 50, RowPosition: 51})
	assert.Error(t, err)

	snap, err = fs.UpdateProgress("op-1", 1, ProgressUpdate{RecordsProcessed: 50, RowPosition: 101})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.ProcessedRecords)

	total := 0
	for _, b := range snap.CompletedBatches {
		total += b.RecordsProcessed
	}
	assert.Equal(t, snap.ProcessedRecords, total)
}

func TestRecordFailedBatchAccumulatesErrors(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 100, BatchSize: 50})
	require.NoError(t, err)

	require.NoError(t, fs.RecordFailedBatch("op-1", 2, errors.New("timeout"), 1))
	require.NoError(t, fs.RecordFailedBatch("op-1", 2, errors.New("connection reset"), 2))

	snap, err := fs.Load("op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, snap.Status)
	require.Len(t, snap.FailedBatches, 1)
	assert.Equal(t, 2, snap.FailedBatches[0].RetryCount)
	assert.Equal(t, []string{"timeout", "connection reset"}, snap.FailedBatches[0].Errors)

	// A later success removes the failure record
	_, err = fs.UpdateProgress("op-1", 2, ProgressUpdate{RecordsProcessed: 50, RowPosition: 151})
	require.NoError(t, err)
	snap, err = fs.Load("op-1")
	require.NoError(t, err)
	assert.Empty(t, snap.FailedBatches)
}

func TestLoadIsStableWithoutMutation(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 100})
	require.NoError(t, err)

	a, err := fs.Load("op-1")
	require.NoError(t, err)
	b, err := fs.Load("op-1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChecksumRoundTrip(t *testing.T) {
	snap := &ProgressSnapshot{
		OperationID:         "op-1",
		Status:              StatusInProgress,
		TotalRecords:        100,
		ProcessedRecords:    50,
		LastSuccessfulBatch: 0,
		LastSuccessfulRow:   51,
		CompletedBatches: []CompletedBatch{
			{Index: 0, RecordsProcessed: 50, RowPosition: 51},
		},
	}
	snap.Checksum = snap.ComputeChecksum()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var restored ProgressSnapshot
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, snap.ComputeChecksum(), restored.ComputeChecksum())
	require.NoError(t, restored.Validate())
}

func TestLoadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, FileStoreOptions{AutoSave: true}, zap.NewNop())
	require.NoError(t, err)

	snap, err := fs.Initialize("op-1", InitData{TotalRecords: 100})
	require.NoError(t, err)

	// Corrupt the persisted document: processed beyond total, checksum stale
	snap.ProcessedRecords = 150
	data, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op-1.json"), data, 0o644))

	// Fresh store so the cache does not mask the file
	fs2, err := NewFileStore(dir, FileStoreOptions{}, zap.NewNop())
	require.NoError(t, err)
	_, err = fs2.Load("op-1")
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "processed records exceed total")
	assert.Contains(t, verr.Error(), "stale checksum")
}

func TestBackupRetention(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, FileStoreOptions{AutoSave: true, BackupRetention: 2}, zap.NewNop())
	require.NoError(t, err)

	_, err = fs.Initialize("op-1", InitData{TotalRecords: 500, BatchSize: 50})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = fs.UpdateProgress("op-1", i, ProgressUpdate{RecordsProcessed: 50, RowPosition: (i + 1) * 50})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRecoveryInfo(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 200, BatchSize: 50})
	require.NoError(t, err)
	_, err = fs.UpdateProgress("op-1", 0, ProgressUpdate{RecordsProcessed: 50, RowPosition: 51})
	require.NoError(t, err)

	info, err := fs.RecoveryInfo("op-1")
	require.NoError(t, err)
	assert.True(t, info.CanResume)
	assert.Equal(t, 1, info.NextBatchIndex)
	assert.Equal(t, 52, info.NextRowPosition)
	assert.Equal(t, 150, info.RemainingRecords)
	assert.InDelta(t, 25.0, info.ProgressPercentage, 0.01)
}

func TestPendingSpansCoverHoleFromFailedBatch(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 120, BatchSize: 50})
	require.NoError(t, err)

	// batches zero and two landed, batch one did not
	_, err = fs.UpdateProgress("op-1", 0, ProgressUpdate{RecordsProcessed: 50, RowPosition: 51, RecordOffset: 0})
	require.NoError(t, err)
	require.NoError(t, fs.RecordFailedBatch("op-1", 1, errors.New("permission denied"), 0))
	_, err = fs.UpdateProgress("op-1", 2, ProgressUpdate{RecordsProcessed: 20, RowPosition: 121, RecordOffset: 100})
	require.NoError(t, err)

	snap, err := fs.Load("op-1")
	require.NoError(t, err)

	spans := snap.PendingSpans(120)
	require.Len(t, spans, 1)
	assert.Equal(t, RecordSpan{Start: 50, End: 100}, spans[0])
}

func TestPendingSpansPrefixAndExhausted(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 100, BatchSize: 50})
	require.NoError(t, err)
	_, err = fs.UpdateProgress("op-1", 0, ProgressUpdate{RecordsProcessed: 50, RowPosition: 51, RecordOffset: 0})
	require.NoError(t, err)

	snap, err := fs.Load("op-1")
	require.NoError(t, err)

	// contiguous prefix leaves a single trailing span
	spans := snap.PendingSpans(100)
	require.Len(t, spans, 1)
	assert.Equal(t, RecordSpan{Start: 50, End: 100}, spans[0])

	// a shorter fetch than the covered prefix leaves nothing pending
	assert.Empty(t, snap.PendingSpans(50))
	assert.Empty(t, snap.PendingSpans(0))
}

func TestClearFailedBatches(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Initialize("op-1", InitData{TotalRecords: 100, BatchSize: 50})
	require.NoError(t, err)
	require.NoError(t, fs.RecordFailedBatch("op-1", 1, errors.New("server error"), 2))

	snap, err := fs.Load("op-1")
	require.NoError(t, err)
	require.Len(t, snap.FailedBatches, 1)

	require.NoError(t, fs.ClearFailedBatches("op-1"))

	snap, err = fs.Load("op-1")
	require.NoError(t, err)
	assert.Empty(t, snap.FailedBatches)
	assert.Equal(t, StatusInProgress, snap.Status)
}
