package rows

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRangeConflict is returned when a candidate range overlaps an existing
// non-completed allocation
var ErrRangeConflict = errors.New("row range conflict")

// Status represents the lifecycle of an allocation
type Status string

const (
	StatusAllocated Status = "allocated"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RowRange is an inclusive interval in the destination's row space
type RowRange struct {
	StartRow   int `json:"start_row"`
	EndRow     int `json:"end_row"`
	BatchIndex int `json:"batch_index"`
}

// Rows returns the number of rows covered by the range
func (r RowRange) Rows() int {
	return r.EndRow - r.StartRow + 1
}

// Overlaps reports whether two ranges share any row
func (r RowRange) Overlaps(other RowRange) bool {
	return r.StartRow <= other.EndRow && other.StartRow <= r.EndRow
}

func (r RowRange) String() string {
	return fmt.Sprintf("rows %d-%d (batch %d)", r.StartRow, r.EndRow, r.BatchIndex)
}

// Allocation is one batch's claim on a row range
type Allocation struct {
	Range       RowRange
	Status      Status
	RowsWritten int
	LastError   string
	AllocatedAt time.Time
	FinalizedAt time.Time
}

// Reallocation records a conflict remediation for audit
type Reallocation struct {
	BatchIndex int
	From       RowRange
	To         RowRange
	Reason     string
	At         time.Time
}

// AllocateOptions tunes a single allocation
type AllocateOptions struct {
	// ResumeFromRow places the range at an explicit row instead of the cursor
	ResumeFromRow int
	// Force skips conflict detection for this allocation
	Force bool
}

// ConsistencyReport is the result of ValidateConsistency
type ConsistencyReport struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

// Tracker owns the authoritative next-free-row cursor and all range
// allocations for one operation. Destination writes are range-addressed, so
// retried or concurrent batches must never target overlapping ranges.
type Tracker struct {
	mu              sync.Mutex
	firstDataRow    int
	cursor          int
	detectConflicts bool
	allocations     map[int]*Allocation
	reallocations   []Reallocation
	logger          *zap.Logger
}

// NewTracker creates a tracker whose cursor starts at firstDataRow (row 1 is
// conventionally the header)
func NewTracker(firstDataRow int, detectConflicts bool, logger *zap.Logger) *Tracker {
	if firstDataRow < 1 {
		firstDataRow = 1
	}
	return &Tracker{
		firstDataRow:    firstDataRow,
		cursor:          firstDataRow,
		detectConflicts: detectConflicts,
		allocations:     make(map[int]*Allocation),
		logger:          logger,
	}
}

// Allocate claims a row range for a batch, either sequentially from the
// cursor or at an explicit resume offset. Unless forced, a candidate that
// overlaps any non-completed allocation is rejected with ErrRangeConflict.
func (t *Tracker) Allocate(batchIndex, recordCount int, opts AllocateOptions) (RowRange, error) {
	if recordCount <= 0 {
		return RowRange{}, fmt.Errorf("record count must be positive, got %d", recordCount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.allocations[batchIndex]; ok && existing.Status != StatusFailed {
		return RowRange{}, fmt.Errorf("batch %d already has an allocation (%s)", batchIndex, existing.Status)
	}

	start := t.cursor
	if opts.ResumeFromRow > 0 {
		start = opts.ResumeFromRow
	}

	candidate := RowRange{
		StartRow:   start,
		EndRow:     start + recordCount - 1,
		BatchIndex: batchIndex,
	}

	if t.detectConflicts && !opts.Force {
		for _, alloc := range t.allocations {
			if alloc.Status == StatusCompleted {
				continue
			}
			if alloc.Range.BatchIndex == batchIndex {
				continue
			}
			if candidate.Overlaps(alloc.Range) {
				return RowRange{}, fmt.Errorf("%w: candidate %s overlaps %s",
					ErrRangeConflict, candidate, alloc.Range)
			}
		}
	}

	t.allocations[batchIndex] = &Allocation{
		Range:       candidate,
		Status:      StatusAllocated,
		AllocatedAt: time.Now(),
	}

	if candidate.EndRow+1 > t.cursor {
		t.cursor = candidate.EndRow + 1
	}

	t.logger.Debug("Allocated row range",
		zap.Int("batch", batchIndex),
		zap.Int("start_row", candidate.StartRow),
		zap.Int("end_row", candidate.EndRow),
	)

	return candidate, nil
}

// MarkCompleted finalizes an allocation as written. Calling it without a
// prior allocation, or a second time, is an error.
func (t *Tracker) MarkCompleted(batchIndex, actualRowsWritten int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	alloc, ok := t.allocations[batchIndex]
	if !ok {
		return fmt.Errorf("no allocation for batch %d", batchIndex)
	}
	if alloc.Status == StatusCompleted {
		return fmt.Errorf("batch %d is already completed", batchIndex)
	}

	alloc.Status = StatusCompleted
	alloc.FinalizedAt = time.Now()
	if actualRowsWritten > 0 {
		alloc.RowsWritten = actualRowsWritten
	} else {
		alloc.RowsWritten = alloc.Range.Rows()
	}
	return nil
}

// MarkFailed finalizes an allocation as failed, retaining the error for
// diagnostics. The row range stays claimed so a retry must reuse or
// explicitly reallocate it.
func (t *Tracker) MarkFailed(batchIndex int, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	alloc, ok := t.allocations[batchIndex]
	if !ok {
		return fmt.Errorf("no allocation for batch %d", batchIndex)
	}
	if alloc.Status == StatusCompleted {
		return fmt.Errorf("batch %d is already completed", batchIndex)
	}

	alloc.Status = StatusFailed
	alloc.FinalizedAt = time.Now()
	if cause != nil {
		alloc.LastError = cause.Error()
	}
	return nil
}

// ValidateConsistency reports overlapping ranges as errors and gaps between
// consecutive completed ranges as warnings. Gaps are not corruption, but the
// destination will have blank rows there.
func (t *Tracker) ValidateConsistency() ConsistencyReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := ConsistencyReport{IsValid: true}

	all := t.sortedAllocations()
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[i].Range.Overlaps(all[j].Range) {
				report.IsValid = false
				report.Errors = append(report.Errors, fmt.Sprintf(
					"overlapping ranges: %s and %s", all[i].Range, all[j].Range))
			}
		}
	}

	var completed []*Allocation
	for _, a := range all {
		if a.Status == StatusCompleted {
			completed = append(completed, a)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].Range.StartRow < completed[j].Range.StartRow
	})
	for i := 1; i < len(completed); i++ {
		prev, cur := completed[i-1].Range, completed[i].Range
		if cur.StartRow > prev.EndRow+1 {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"gap of %d rows between %s and %s", cur.StartRow-prev.EndRow-1, prev, cur))
		}
	}

	return report
}

// ResolveConflicts reallocates the higher-indexed batch of each overlapping
// non-completed pair to start after the current maximum end row. Each move is
// recorded for audit.
func (t *Tracker) ResolveConflicts() []Reallocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var moved []Reallocation

	for {
		a, b := t.findOverlap()
		if a == nil {
			break
		}

		// Move the higher-indexed batch
		victim := b
		if a.Range.BatchIndex > b.Range.BatchIndex {
			victim = a
		}

		maxEnd := t.maxEndRow()
		from := victim.Range
		victim.Range.StartRow = maxEnd + 1
		victim.Range.EndRow = maxEnd + from.Rows()

		if victim.Range.EndRow+1 > t.cursor {
			t.cursor = victim.Range.EndRow + 1
		}

		realloc := Reallocation{
			BatchIndex: victim.Range.BatchIndex,
			From:       from,
			To:         victim.Range,
			Reason:     "overlap with lower-indexed batch",
			At:         time.Now(),
		}
		t.reallocations = append(t.reallocations, realloc)
		moved = append(moved, realloc)

		t.logger.Info("Reallocated conflicting batch",
			zap.Int("batch", realloc.BatchIndex),
			zap.Int("from_start", from.StartRow),
			zap.Int("to_start", victim.Range.StartRow),
		)
	}

	return moved
}

// CompactRanges reassigns non-completed allocations contiguously starting
// just after the last completed row, eliminating gaps left by partial
// failures so resumed writes do not waste destination rows.
func (t *Tracker) CompactRanges() []Reallocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.firstDataRow
	for _, a := range t.allocations {
		if a.Status == StatusCompleted && a.Range.EndRow+1 > next {
			next = a.Range.EndRow + 1
		}
	}

	var pending []*Allocation
	for _, a := range t.allocations {
		if a.Status != StatusCompleted {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Range.BatchIndex < pending[j].Range.BatchIndex
	})

	var moved []Reallocation
	for _, a := range pending {
		if a.Range.StartRow != next {
			from := a.Range
			a.Range.StartRow = next
			a.Range.EndRow = next + from.Rows() - 1
			realloc := Reallocation{
				BatchIndex: a.Range.BatchIndex,
				From:       from,
				To:         a.Range,
				Reason:     "compaction",
				At:         time.Now(),
			}
			t.reallocations = append(t.reallocations, realloc)
			moved = append(moved, realloc)
		}
		next = a.Range.EndRow + 1
	}

	t.cursor = next
	return moved
}

// NextRow returns the current cursor position
func (t *Tracker) NextRow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Allocation returns a copy of the allocation for a batch, if any
func (t *Tracker) Allocation(batchIndex int) (Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.allocations[batchIndex]
	if !ok {
		return Allocation{}, false
	}
	return *a, true
}

// Reallocations returns the audit trail of conflict remediations
func (t *Tracker) Reallocations() []Reallocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reallocation, len(t.reallocations))
	copy(out, t.reallocations)
	return out
}

func (t *Tracker) sortedAllocations() []*Allocation {
	out := make([]*Allocation, 0, len(t.allocations))
	for _, a := range t.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Range.BatchIndex < out[j].Range.BatchIndex
	})
	return out
}

// findOverlap returns the first overlapping pair of non-completed
// allocations, or nils. Caller holds the lock.
func (t *Tracker) findOverlap() (*Allocation, *Allocation) {
	all := t.sortedAllocations()
	for i := 0; i < len(all); i++ {
		if all[i].Status == StatusCompleted {
			continue
		}
		for j := i + 1; j < len(all); j++ {
			if all[j].Status == StatusCompleted {
				continue
			}
			if all[i].Range.Overlaps(all[j].Range) {
				return all[i], all[j]
			}
		}
	}
	return nil, nil
}

// maxEndRow returns the maximum end row across all allocations. Caller holds
// the lock.
func (t *Tracker) maxEndRow() int {
	max := t.firstDataRow - 1
	for _, a := range t.allocations {
		if a.Range.EndRow > max {
			max = a.Range.EndRow
		}
	}
	return max
}
