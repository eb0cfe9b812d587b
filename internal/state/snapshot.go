package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// OperationStatus represents the overall status of a sync operation
type OperationStatus string

const (
	StatusInitialized OperationStatus = "initialized"
	StatusInProgress  OperationStatus = "in_progress"
	StatusCompleted   OperationStatus = "completed"
	StatusError       OperationStatus = "error"
)

// CompletedBatch records one successfully written batch. RecordOffset is the
// batch's position in the fetched record sequence, so resume can tell exactly
// which records are covered even when a failed batch left a hole.
type CompletedBatch struct {
	Index            int               `json:"index"`
	RecordOffset     int               `json:"record_offset"`
	RecordsProcessed int               `json:"records_processed"`
	RowPosition      int               `json:"row_position"`
	CompletedAt      time.Time         `json:"completed_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// FailedBatch records a batch that exhausted its attempt, with accumulating
// error history across retries
type FailedBatch struct {
	Index        int       `json:"index"`
	RetryCount   int       `json:"retry_count"`
	Errors       []string  `json:"errors"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// ProgressSnapshot is the persisted checkpoint document for one operation
type ProgressSnapshot struct {
	OperationID         string            `json:"operation_id"`
	Status              OperationStatus   `json:"status"`
	StartedAt           time.Time         `json:"started_at"`
	TotalRecords        int               `json:"total_records"`
	ProcessedRecords    int               `json:"processed_records"`
	BatchSize           int               `json:"batch_size"`
	LastSuccessfulBatch int               `json:"last_successful_batch"`
	LastSuccessfulRow   int               `json:"last_successful_row"`
	CompletedBatches    []CompletedBatch  `json:"completed_batches"`
	FailedBatches       []FailedBatch     `json:"failed_batches"`
	Config              map[string]string `json:"config,omitempty"`
	Checksum            string            `json:"checksum"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// ComputeChecksum returns a deterministic hash over the snapshot, excluding
// the checksum itself and the update timestamp
func (s *ProgressSnapshot) ComputeChecksum() string {
	clone := *s
	clone.Checksum = ""
	clone.UpdatedAt = time.Time{}

	data, err := json.Marshal(&clone)
	if err != nil {
		// Marshaling a plain struct of maps, slices and scalars cannot fail
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks internal invariants and the stored checksum, returning one
// error listing every inconsistency found
func (s *ProgressSnapshot) Validate() error {
	var problems []string

	if s.OperationID == "" {
		problems = append(problems, "missing operation id")
	}
	if s.ProcessedRecords > s.TotalRecords {
		problems = append(problems, fmt.Sprintf(
			"processed records exceed total (%d > %d)", s.ProcessedRecords, s.TotalRecords))
	}
	if s.ProcessedRecords < 0 {
		problems = append(problems, "negative processed records")
	}

	completed := make(map[int]bool, len(s.CompletedBatches))
	for _, b := range s.CompletedBatches {
		if completed[b.Index] {
			problems = append(problems, fmt.Sprintf("batch %d completed twice", b.Index))
		}
		completed[b.Index] = true
	}
	for _, b := range s.FailedBatches {
		if completed[b.Index] {
			problems = append(problems, fmt.Sprintf(
				"batch %d is both completed and failed", b.Index))
		}
	}

	if s.Checksum != "" && s.Checksum != s.ComputeChecksum() {
		problems = append(problems, "stale checksum")
	}

	if len(problems) > 0 {
		return &ValidationError{OperationID: s.OperationID, Problems: problems}
	}
	return nil
}

// ValidationError reports the specific inconsistencies found in a snapshot
type ValidationError struct {
	OperationID string
	Problems    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("state for operation %s is invalid: %v", e.OperationID, e.Problems)
}

// RecordSpan is a half-open interval [Start, End) of record indexes
type RecordSpan struct {
	Start int
	End   int
}

// PendingSpans returns the maximal runs of record indexes not covered by any
// completed batch, given the total record count. Failed batches never cover
// their records, so their holes come back as pending spans alongside the
// unprocessed tail.
func (s *ProgressSnapshot) PendingSpans(total int) []RecordSpan {
	if total <= 0 {
		return nil
	}
	covered := make([]bool, total)
	for _, b := range s.CompletedBatches {
		start, end := b.RecordOffset, b.RecordOffset+b.RecordsProcessed
		if start < 0 {
			start = 0
		}
		if end > total {
			end = total
		}
		for i := start; i < end; i++ {
			covered[i] = true
		}
	}

	var spans []RecordSpan
	for i := 0; i < total; {
		if covered[i] {
			i++
			continue
		}
		j := i
		for j < total && !covered[j] {
			j++
		}
		spans = append(spans, RecordSpan{Start: i, End: j})
		i = j
	}
	return spans
}

// RecoveryInfo is a pure projection of a snapshot used by resume logic
type RecoveryInfo struct {
	CanResume          bool    `json:"can_resume"`
	NextBatchIndex     int     `json:"next_batch_index"`
	NextRowPosition    int     `json:"next_row_position"`
	RemainingRecords   int     `json:"remaining_records"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// Recovery computes resume coordinates from the snapshot
func (s *ProgressSnapshot) Recovery() RecoveryInfo {
	info := RecoveryInfo{
		NextBatchIndex:   s.LastSuccessfulBatch + 1,
		NextRowPosition:  s.LastSuccessfulRow + 1,
		RemainingRecords: s.TotalRecords - s.ProcessedRecords,
	}
	if s.TotalRecords > 0 {
		info.ProgressPercentage = float64(s.ProcessedRecords) / float64(s.TotalRecords) * 100
	}
	info.CanResume = s.Status != StatusCompleted && info.RemainingRecords > 0
	return info
}
