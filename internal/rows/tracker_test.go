package rows

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker() *Tracker {
	return NewTracker(2, true, zap.NewNop())
}

func TestAllocateSequential(t *testing.T) {
	tr := newTestTracker()

	r0, err := tr.Allocate(0, 50, AllocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, RowRange{StartRow: 2, EndRow: 51, BatchIndex: 0}, r0)

	r1, err := tr.Allocate(1, 25, AllocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, RowRange{StartRow: 52, EndRow: 76, BatchIndex: 1}, r1)

	assert.Equal(t, 77, tr.NextRow())
}

func TestAllocateConflictAndResolve(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Allocate(0, 50, AllocateOptions{})
	require.NoError(t, err)

	// Explicit resume into batch 0's range without force is rejected
	_, err = tr.Allocate(1, 50, AllocateOptions{ResumeFromRow: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRangeConflict)

	// Forced, the overlap is stored; ResolveConflicts moves the higher batch
	// past the current maximum end row
	_, err = tr.Allocate(1, 50, AllocateOptions{ResumeFromRow: 2, Force: true})
	require.NoError(t, err)

	moved := tr.ResolveConflicts()
	require.Len(t, moved, 1)
	assert.Equal(t, 1, moved[0].BatchIndex)
	assert.Equal(t, RowRange{StartRow: 52, EndRow: 101, BatchIndex: 1}, moved[0].To)

	report := tr.ValidateConsistency()
	assert.True(t, report.IsValid)
	assert.Len(t, tr.Reallocations(), 1)
}

func TestAllocateIgnoresCompletedRanges(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Allocate(0, 10, AllocateOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.MarkCompleted(0, 0))

	// Completed ranges are historical record, not claims
	r, err := tr.Allocate(1, 5, AllocateOptions{ResumeFromRow: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, r.StartRow)
}

func TestMarkCompleted(t *testing.T) {
	tr := newTestTracker()

	require.Error(t, tr.MarkCompleted(0, 0), "no allocation yet")

	_, err := tr.Allocate(0, 10, AllocateOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.MarkCompleted(0, 8))

	alloc, ok := tr.Allocation(0)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, alloc.Status)
	assert.Equal(t, 8, alloc.RowsWritten)

	// Second completion is rejected
	assert.Error(t, tr.MarkCompleted(0, 0))
}

func TestMarkFailedRetainsRange(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Allocate(0, 10, AllocateOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.MarkFailed(0, errors.New("write timed out")))

	alloc, _ := tr.Allocation(0)
	assert.Equal(t, StatusFailed, alloc.Status)
	assert.Equal(t, "write timed out", alloc.LastError)

	// The range stays claimed: a conflicting allocation is still rejected
	_, err = tr.Allocate(1, 10, AllocateOptions{ResumeFromRow: 5})
	assert.ErrorIs(t, err, ErrRangeConflict)

	// A failed batch may be reallocated under the same index
	r, err := tr.Allocate(0, 10, AllocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 12, r.StartRow)
}

func TestValidateConsistencyGapWarning(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Allocate(0, 10, AllocateOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.MarkCompleted(0, 0))

	_, err = tr.Allocate(1, 10, AllocateOptions{ResumeFromRow: 20})
	require.NoError(t, err)
	require.NoError(t, tr.MarkCompleted(1, 0))

	report := tr.ValidateConsistency()
	assert.True(t, report.IsValid)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "gap of 8 rows")
}

func TestCompactRanges(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Allocate(0, 10, AllocateOptions{}) // rows 2-11
	require.NoError(t, err)
	require.NoError(t, tr.MarkCompleted(0, 0))

	_, err = tr.Allocate(1, 10, AllocateOptions{ResumeFromRow: 30}) // gap before this one
	require.NoError(t, err)
	_, err = tr.Allocate(2, 5, AllocateOptions{ResumeFromRow: 50})
	require.NoError(t, err)

	moved := tr.CompactRanges()
	require.Len(t, moved, 2)

	a1, _ := tr.Allocation(1)
	a2, _ := tr.Allocation(2)
	assert.Equal(t, RowRange{StartRow: 12, EndRow: 21, BatchIndex: 1}, a1.Range)
	assert.Equal(t, RowRange{StartRow: 22, EndRow: 26, BatchIndex: 2}, a2.Range)
	assert.Equal(t, 27, tr.NextRow())
}

// Random allocation sequences never leave an overlap after ResolveConflicts,
// and completed ranges never overlap each other.
func TestResolveConflictsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		tr := newTestTracker()

		for batch := 0; batch < 20; batch++ {
			count := 1 + rng.Intn(40)
			opts := AllocateOptions{}
			if rng.Intn(3) == 0 {
				opts.ResumeFromRow = 2 + rng.Intn(200)
				opts.Force = true
			}
			if _, err := tr.Allocate(batch, count, opts); err != nil {
				continue
			}
		}

		tr.ResolveConflicts()

		report := tr.ValidateConsistency()
		assert.True(t, report.IsValid, "trial %d: %v", trial, report.Errors)
	}
}
