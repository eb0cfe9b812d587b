package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"orders2sheet/internal/classify"
	"orders2sheet/internal/progress"
	"orders2sheet/internal/rows"
	"orders2sheet/internal/source"
	"orders2sheet/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testRig struct {
	processor *Processor
	tracker   *rows.Tracker
	store     *state.FileStore
}

func newTestRig(t *testing.T, totalRecords int, sizing SizingConfig) *testRig {
	t.Helper()
	logger := zap.NewNop()

	store, err := state.NewFileStore(t.TempDir(), state.FileStoreOptions{AutoSave: true}, logger)
	require.NoError(t, err)
	_, err = store.Initialize("op-1", state.InitData{TotalRecords: totalRecords, BatchSize: sizing.InitialBatchSize})
	require.NoError(t, err)

	tracker := rows.NewTracker(2, true, logger)
	retrier := classify.NewRetrier(classify.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}, logger)
	breaker := classify.NewBreaker(100, time.Minute)

	p := NewProcessor(NewSizer(sizing), tracker, store, retrier, breaker, progress.NopObserver{}, nil, logger)
	return &testRig{processor: p, tracker: tracker, store: store}
}

func makeRecords(n int) []source.Record {
	out := make([]source.Record, n)
	for i := 0; i < n; i++ {
		out[i] = source.Record{"id": fmt.Sprintf("ord-%04d", i)}
	}
	return out
}

func sizing(initial int) SizingConfig {
	return SizingConfig{InitialBatchSize: initial, MinBatchSize: 5, MaxBatchSize: 500, StabilityWindow: 100}
}

func TestProcessAllSuccess(t *testing.T) {
	rig := newTestRig(t, 120, sizing(50))

	var writes []rows.RowRange
	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(120),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			writes = append(writes, rng)
			return nil
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalBatches)
	assert.Equal(t, 3, summary.CompletedBatches)
	assert.Equal(t, 120, summary.ProcessedRecords)
	assert.Equal(t, 1.0, summary.SuccessRate)

	// Ranges are contiguous: 2-51, 52-101, 102-121
	require.Len(t, writes, 3)
	assert.Equal(t, 2, writes[0].StartRow)
	assert.Equal(t, 51, writes[0].EndRow)
	assert.Equal(t, 102, writes[2].StartRow)
	assert.Equal(t, 121, writes[2].EndRow)

	// Persisted progress matches the summary exactly
	snap, err := rig.store.Load("op-1")
	require.NoError(t, err)
	assert.Equal(t, 120, snap.ProcessedRecords)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	total := 0
	for _, b := range snap.CompletedBatches {
		total += b.RecordsProcessed
	}
	assert.Equal(t, snap.ProcessedRecords, total)
}

func TestProcessAllRetryThenSucceed(t *testing.T) {
	rig := newTestRig(t, 50, sizing(50))

	attempts := 0
	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(50),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			attempts++
			if attempts <= 2 {
				return errors.New("write timed out")
			}
			return nil
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	result := summary.Results[0]
	assert.True(t, result.Succeeded())
	assert.Equal(t, 2, result.RetryCount)

	alloc, ok := rig.tracker.Allocation(0)
	require.True(t, ok)
	assert.Equal(t, rows.StatusCompleted, alloc.Status)
}

func TestProcessAllContinuesPastFailures(t *testing.T) {
	rig := newTestRig(t, 100, sizing(25))

	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(100),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			if rng.BatchIndex == 1 {
				return errors.New("permission denied")
			}
			return nil
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalBatches)
	assert.Equal(t, 3, summary.CompletedBatches)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 75, summary.ProcessedRecords)
	assert.Equal(t, classify.CategoryPermission, summary.Results[1].Category)

	snap, err := rig.store.Load("op-1")
	require.NoError(t, err)
	require.Len(t, snap.FailedBatches, 1)
	assert.Equal(t, 1, snap.FailedBatches[0].Index)
}

func TestProcessAllStopOnFirstFailure(t *testing.T) {
	rig := newTestRig(t, 100, sizing(25))

	calls := 0
	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(100),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			calls++
			return errors.New("permission denied")
		}, Options{OperationID: "op-1", StopOnFirstFailure: true})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, summary.TotalBatches)
	assert.Equal(t, 1, summary.FailedBatches)
}

func TestProcessAllExhaustionFallback(t *testing.T) {
	rig := newTestRig(t, 50, sizing(50))

	// The destination rejects any write larger than 10 rows
	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(50),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			if len(recs) > 10 {
				return errors.New("payload too large: grid limit exceeded")
			}
			return nil
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	result := summary.Results[0]
	assert.True(t, result.Succeeded())

	// 50 records fell back to chunks of 6 (25 and 12 still rejected)
	require.NotEmpty(t, result.SubBatches)
	assert.Equal(t, SubBatchID{Parent: 0, Sub: 0}, result.SubBatches[0])
	assert.Len(t, result.SubBatches, 9)

	assert.Equal(t, 50, summary.ProcessedRecords)
}

func TestProcessAllResumeOffsets(t *testing.T) {
	rig := newTestRig(t, 200, sizing(50))

	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(100),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			return nil
		}, Options{OperationID: "op-1", StartBatchIndex: 2, ResumeFromRow: 102})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Results[0].BatchIndex)
	assert.Equal(t, 102, summary.Results[0].Range.StartRow)
	assert.Equal(t, 3, summary.Results[1].BatchIndex)
	assert.Equal(t, 152, summary.Results[1].Range.StartRow)
}

type recordingHandler struct {
	calls []string
	err   error
}

func (h *recordingHandler) HandleCorruption(ctx context.Context, operationID string, cause error) error {
	h.calls = append(h.calls, operationID)
	return h.err
}

func TestProcessAllCorruptionEscalates(t *testing.T) {
	rig := newTestRig(t, 50, sizing(50))
	handler := &recordingHandler{}
	rig.processor.corruption = handler

	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(50),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			return errors.New("destination data corrupted")
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	assert.Equal(t, []string{"op-1"}, handler.calls)
	assert.Equal(t, classify.CategoryCorruption, summary.Results[0].Category)
}

func TestProcessAllCorruptionRollbackFailureSurfacesBoth(t *testing.T) {
	rig := newTestRig(t, 50, sizing(50))
	handler := &recordingHandler{err: errors.New("snapshot missing")}
	rig.processor.corruption = handler

	summary, err := rig.processor.ProcessAll(context.Background(), makeRecords(50),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			return errors.New("destination data corrupted")
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	require.Error(t, summary.Results[0].Err)
	assert.Contains(t, summary.Results[0].Err.Error(), "corrupted")
	assert.Contains(t, summary.Results[0].Err.Error(), "rollback also failed")
}

func TestProcessAllCancellationBetweenBatches(t *testing.T) {
	rig := newTestRig(t, 200, sizing(50))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	summary, err := rig.processor.ProcessAll(ctx, makeRecords(200),
		func(ctx context.Context, rng rows.RowRange, recs []source.Record) error {
			calls++
			if calls == 1 {
				cancel()
			}
			return nil
		}, Options{OperationID: "op-1"})

	require.NoError(t, err)
	// The in-flight batch finished; no further batch started
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, summary.CompletedBatches)
}
