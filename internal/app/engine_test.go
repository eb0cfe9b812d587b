package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orders2sheet/internal/config"
	"orders2sheet/internal/sheet"
	"orders2sheet/internal/source"
	"orders2sheet/internal/state"
)

// fakeClient serves a fixed record set page by page
type fakeClient struct {
	records []source.Record
}

func (f *fakeClient) FetchPage(ctx context.Context, page, pageSize int, filters source.Filters) ([]source.Record, error) {
	start := (page - 1) * pageSize
	if start >= len(f.records) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(f.records) {
		end = len(f.records)
	}
	return f.records[start:end], nil
}

func (f *fakeClient) EstimateCount(ctx context.Context, filters source.Filters) (int, error) {
	return len(f.records), nil
}

func makeOrders(n int) []source.Record {
	out := make([]source.Record, n)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = source.Record{
			"order_id":   fmt.Sprintf("ORD-%03d", i+1),
			"amount":     float64(10 + i),
			"updated_at": base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Source: config.Source{
			BaseURL:        "http://orders.test",
			Timeout:        time.Second,
			KeyField:       "order_id",
			TimestampField: "updated_at",
		},
		Sync: config.Sync{
			PageSize:         100,
			BatchSize:        50,
			MinBatchSize:     10,
			MaxBatchSize:     200,
			Retries:          2,
			RetryBackoff:     time.Millisecond,
			StateDir:         filepath.Join(dir, "state"),
			Columns:          []string{"order_id", "amount", "updated_at"},
			ReplaceExisting:  true,
			ConflictStrategy: "source_wins",
		},
		Recovery: config.Recovery{
			SnapshotDir:       filepath.Join(dir, "snapshots"),
			SnapshotRetention: 3,
			SnapshotBackend:   "fs",
			PreSyncSnapshot:   true,
		},
		LogLevel: "info",
	}
}

func TestEngineRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	dst := sheet.NewMemory(0)
	eng, err := New(cfg, &fakeClient{records: makeOrders(120)}, dst, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	summary, err := eng.Run(context.Background(), "op-e2e")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalBatches)
	assert.Equal(t, 3, summary.CompletedBatches)
	assert.Equal(t, 120, summary.ProcessedRecords)
	assert.Equal(t, 1.0, summary.SuccessRate)

	header, ok := dst.Row(1)
	require.True(t, ok)
	assert.Equal(t, sheet.Row{"order_id", "amount", "updated_at"}, header)

	first, _ := dst.Row(2)
	assert.Equal(t, "ORD-001", first[0])
	assert.Equal(t, "10", first[1])
	last, _ := dst.Row(121)
	assert.Equal(t, "ORD-120", last[0])

	snap, err := eng.Status("op-e2e")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, 120, snap.ProcessedRecords)
}

func TestEngineRunEmptySource(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, &fakeClient{}, sheet.NewMemory(0), zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	summary, err := eng.Run(context.Background(), "op-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalBatches)
}

// cancelingDest cancels the run after the first data batch lands
type cancelingDest struct {
	*sheet.Memory
	cancel context.CancelFunc
	fired  bool
}

func (c *cancelingDest) WriteRange(ctx context.Context, startRow int, rows []sheet.Row) error {
	err := c.Memory.WriteRange(ctx, startRow, rows)
	if err == nil && startRow >= firstDataRow && !c.fired {
		c.fired = true
		c.cancel()
	}
	return err
}

func TestEngineInterruptAndResume(t *testing.T) {
	cfg := testConfig(t)
	mem := sheet.NewMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	dst := &cancelingDest{Memory: mem, cancel: cancel}

	eng, err := New(cfg, &fakeClient{records: makeOrders(120)}, dst, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	// the first batch completes, then the run is interrupted
	summary, err := eng.Run(ctx, "op-resume")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CompletedBatches)
	assert.Equal(t, 50, summary.ProcessedRecords)

	snap, err := eng.Status("op-resume")
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, snap.Status)
	assert.Equal(t, 50, snap.ProcessedRecords)
	assert.Equal(t, 51, snap.LastSuccessfulRow)

	// resume picks up from the checkpoint without rewriting batch one
	summary, err = eng.Resume(context.Background(), "op-resume")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CompletedBatches)
	assert.Equal(t, 70, summary.ProcessedRecords)

	snap, err = eng.Status("op-resume")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, 120, snap.ProcessedRecords)

	row, _ := mem.Row(52)
	assert.Equal(t, "ORD-051", row[0])
	row, _ = mem.Row(121)
	assert.Equal(t, "ORD-120", row[0])
}

// failingDest rejects the first write at the given start row
type failingDest struct {
	*sheet.Memory
	failRow int
	fired   bool
}

func (d *failingDest) WriteRange(ctx context.Context, startRow int, rows []sheet.Row) error {
	if startRow == d.failRow && !d.fired {
		d.fired = true
		return errors.New("permission denied")
	}
	return d.Memory.WriteRange(ctx, startRow, rows)
}

// A batch that fails mid-run leaves a hole between completed batches.
// Resume must fill exactly that hole instead of skipping a positional
// prefix, which would drop the failed batch's records and rewrite the
// tail ones.
func TestEngineResumeRetriesFailedBatchRecords(t *testing.T) {
	cfg := testConfig(t)
	mem := sheet.NewMemory(0)
	dst := &failingDest{Memory: mem, failRow: 52}

	eng, err := New(cfg, &fakeClient{records: makeOrders(120)}, dst, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	// batch two (rows 52-101) fails, batches one and three land
	summary, err := eng.Run(context.Background(), "op-hole")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CompletedBatches)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 70, summary.ProcessedRecords)

	summary, err = eng.Resume(context.Background(), "op-hole")
	require.NoError(t, err)
	assert.Equal(t, 50, summary.ProcessedRecords)
	assert.Equal(t, 0, summary.FailedBatches)

	snap, err := eng.Status("op-hole")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, 120, snap.ProcessedRecords)
	assert.Empty(t, snap.FailedBatches)

	content, err := mem.ReadAll(context.Background())
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, row := range content[1:] {
		if len(row) > 0 && row[0] != "" {
			seen[row[0]]++
		}
	}
	assert.Len(t, seen, 120, "every fetched order appears exactly once")
	for id, n := range seen {
		assert.Equalf(t, 1, n, "order %s written %d times", id, n)
	}
}

func TestEngineResumeRejectsCompletedOperation(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, &fakeClient{records: makeOrders(20)}, sheet.NewMemory(0), zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Run(context.Background(), "op-done")
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), "op-done")
	assert.ErrorContains(t, err, "cannot be resumed")
}

func TestEngineAppendModeReconciles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.ReplaceExisting = false
	cfg.Sync.ConflictStrategy = "destination_wins"

	dst := sheet.NewMemory(0)
	ctx := context.Background()
	require.NoError(t, dst.WriteRange(ctx, 1, []sheet.Row{
		{"order_id", "amount", "updated_at"},
		{"ORD-001", "999", "2026-08-01T00:00:00Z"},
	}))

	eng, err := New(cfg, &fakeClient{records: makeOrders(3)}, dst, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Run(ctx, "op-append")
	require.NoError(t, err)

	// the destination copy of ORD-001 wins the conflict
	row, ok := dst.Row(2)
	require.True(t, ok)
	assert.Equal(t, "ORD-001", row[0])
	assert.Equal(t, "999", row[1])

	row, _ = dst.Row(4)
	assert.Equal(t, "ORD-003", row[0])
}

func TestEngineReplaceModeTakesPreSyncSnapshot(t *testing.T) {
	cfg := testConfig(t)
	dst := sheet.NewMemory(0)
	ctx := context.Background()
	require.NoError(t, dst.WriteRange(ctx, 1, []sheet.Row{
		{"order_id", "amount", "updated_at"},
		{"OLD-001", "1", "2026-07-01T00:00:00Z"},
	}))

	eng, err := New(cfg, &fakeClient{records: makeOrders(5)}, dst, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Run(ctx, "op-replace")
	require.NoError(t, err)

	snaps := eng.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "op-replace", snaps[0].OperationID)
	assert.Equal(t, 2, snaps[0].RowCount)

	// rolling back brings the old content back
	require.NoError(t, eng.Rollback(ctx, snaps[0].ID, true))
	row, _ := dst.Row(2)
	assert.Equal(t, "OLD-001", row[0])
}

func TestEngineDryRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.DryRun = true
	dst := sheet.NewMemory(0)

	eng, err := New(cfg, &fakeClient{records: makeOrders(10)}, dst, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Run(context.Background(), "op-dry")
	require.NoError(t, err)

	extent, err := dst.UsedExtent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, extent, "dry run must not touch the destination")
}
