package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orders2sheet/internal/classify"
	"orders2sheet/internal/progress"
	"orders2sheet/internal/rows"
	"orders2sheet/internal/source"
	"orders2sheet/internal/state"

	"go.uber.org/zap"
)

// WriteFunc writes a record slice into the given destination row range
type WriteFunc func(ctx context.Context, rng rows.RowRange, records []source.Record) error

// SubBatchID identifies a fallback chunk within a parent batch. Sub-steps
// get explicit hierarchical ids instead of fractional batch indices.
type SubBatchID struct {
	Parent int `json:"parent"`
	Sub    int `json:"sub"`
}

func (id SubBatchID) String() string {
	return fmt.Sprintf("%d.%d", id.Parent, id.Sub)
}

// Result is the outcome of one batch
type Result struct {
	BatchIndex int
	Range      rows.RowRange
	Records    int
	RetryCount int
	Duration   time.Duration
	Category   classify.Category
	SubBatches []SubBatchID
	Err        error
}

// Succeeded reports whether the batch completed
func (r Result) Succeeded() bool { return r.Err == nil }

// Summary is the trailing report of a processing run
type Summary struct {
	Results          []Result
	TotalBatches     int
	CompletedBatches int
	FailedBatches    int
	ProcessedRecords int
	SuccessRate      float64
	Duration         time.Duration
	Recommendations  []string
}

// Options tunes one processing run
type Options struct {
	OperationID string
	// StartBatchIndex offsets batch numbering on resume
	StartBatchIndex int
	// StartRecordOffset is the position of records[0] within the full
	// fetched sequence; completed batches persist global offsets so resume
	// can reconstruct exactly which records are covered
	StartRecordOffset int
	// ResumeFromRow places the first batch at an explicit destination row
	ResumeFromRow int
	// StopOnFirstFailure aborts the run at the first failed batch instead
	// of continuing
	StopOnFirstFailure bool
}

// CorruptionHandler is invoked when a batch fails with a data-corruption
// signal; the recovery manager plugs in here
type CorruptionHandler interface {
	HandleCorruption(ctx context.Context, operationID string, cause error) error
}

// Processor runs batches through allocation, write, retry and checkpoint
// recording. One processor instance per operation; batches run sequentially.
type Processor struct {
	sizer      *Sizer
	tracker    *rows.Tracker
	store      state.Store
	retrier    *classify.Retrier
	breaker    *classify.Breaker
	observer   progress.Observer
	corruption CorruptionHandler
	logger     *zap.Logger
}

// NewProcessor creates a processor. corruption may be nil.
func NewProcessor(
	sizer *Sizer,
	tracker *rows.Tracker,
	store state.Store,
	retrier *classify.Retrier,
	breaker *classify.Breaker,
	observer progress.Observer,
	corruption CorruptionHandler,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		sizer:      sizer,
		tracker:    tracker,
		store:      store,
		retrier:    retrier,
		breaker:    breaker,
		observer:   observer,
		corruption: corruption,
		logger:     logger,
	}
}

// ProcessAll splits records into adaptively sized batches and writes each
// through writeFn. Every record belongs to exactly one batch, so completed
// batches never double-count toward processed records.
func (p *Processor) ProcessAll(ctx context.Context, records []source.Record, writeFn WriteFunc, opts Options) (Summary, error) {
	start := time.Now()
	summary := Summary{}

	batchIndex := opts.StartBatchIndex
	offset := 0
	firstBatch := true

	for offset < len(records) {
		// Cancellation is honored between batches only; a running batch
		// always finishes
		if err := ctx.Err(); err != nil {
			p.logger.Info("Processing stopped before next batch", zap.Error(err))
			break
		}

		size := p.sizer.Current()
		end := offset + size
		if end > len(records) {
			end = len(records)
		}
		chunk := records[offset:end]

		allocOpts := rows.AllocateOptions{}
		if firstBatch && opts.ResumeFromRow > 0 {
			allocOpts.ResumeFromRow = opts.ResumeFromRow
		}
		firstBatch = false

		rng, err := p.tracker.Allocate(batchIndex, len(chunk), allocOpts)
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("failed to allocate range for batch %d: %w", batchIndex, err)
		}

		result := p.runBatch(ctx, opts.OperationID, batchIndex, opts.StartRecordOffset+offset, rng, chunk, writeFn)
		summary.Results = append(summary.Results, result)
		summary.TotalBatches++

		if result.Succeeded() {
			summary.CompletedBatches++
			summary.ProcessedRecords += result.Records
		} else {
			summary.FailedBatches++
			if opts.StopOnFirstFailure {
				p.logger.Warn("Stopping on first failure", zap.Int("batch", batchIndex))
				offset = end
				break
			}
		}

		if next, reason := p.sizer.Resize(); reason != "" {
			p.observer.BatchSizeAdjusted(next, reason)
			p.logger.Info("Adjusted batch size",
				zap.Int("batch_size", next),
				zap.String("reason", reason),
			)
		}

		offset = end
		batchIndex++
	}

	summary.Duration = time.Since(start)
	if summary.TotalBatches > 0 {
		summary.SuccessRate = float64(summary.CompletedBatches) / float64(summary.TotalBatches)
	}
	summary.Recommendations = p.recommendations(summary)
	return summary, nil
}

func (p *Processor) runBatch(ctx context.Context, operationID string, batchIndex, recordOffset int, rng rows.RowRange, chunk []source.Record, writeFn WriteFunc) Result {
	result := Result{
		BatchIndex: batchIndex,
		Range:      rng,
		Records:    len(chunk),
	}

	start := time.Now()
	retries, err := p.retrier.Do(ctx, fmt.Sprintf("write batch %d", batchIndex), func(ctx context.Context) error {
		return p.breaker.Execute(func() error {
			return writeFn(ctx, rng, chunk)
		})
	})
	result.Duration = time.Since(start)
	result.RetryCount = retries

	if err != nil && classify.Classify(err).Category == classify.CategoryResourceExhausted {
		// Destination pushed back on the batch as a whole; fall back to
		// progressively smaller chunks within the same allocated range
		subs, subErr := p.writeChunked(ctx, batchIndex, rng, chunk, writeFn)
		if subErr == nil {
			result.SubBatches = subs
			err = nil
		} else {
			err = subErr
		}
		result.Duration = time.Since(start)
	}

	if err == nil {
		p.sizer.Record(result.Duration, len(chunk), nil)
		if markErr := p.tracker.MarkCompleted(batchIndex, len(chunk)); markErr != nil {
			p.logger.Error("Failed to mark allocation completed",
				zap.Int("batch", batchIndex), zap.Error(markErr))
		}
		if _, upErr := p.store.UpdateProgress(operationID, batchIndex, state.ProgressUpdate{
			RecordsProcessed: len(chunk),
			RecordOffset:     recordOffset,
			RowPosition:      rng.EndRow,
			Metadata:         map[string]string{"retries": fmt.Sprint(retries)},
		}); upErr != nil {
			p.logger.Error("Failed to record progress",
				zap.Int("batch", batchIndex), zap.Error(upErr))
		}
		p.observer.BatchCompleted(batchIndex, len(chunk), rng.StartRow, retries, result.Duration)
		p.logger.Info("Batch completed",
			zap.Int("batch", batchIndex),
			zap.Int("records", len(chunk)),
			zap.Int("retries", retries),
			zap.Duration("duration", result.Duration),
		)
		return result
	}

	// Failure path
	c := classify.Classify(err)
	result.Category = c.Category
	result.Err = err

	p.sizer.Record(result.Duration, len(chunk), err)
	if markErr := p.tracker.MarkFailed(batchIndex, err); markErr != nil {
		p.logger.Error("Failed to mark allocation failed",
			zap.Int("batch", batchIndex), zap.Error(markErr))
	}
	if recErr := p.store.RecordFailedBatch(operationID, batchIndex, err, retries); recErr != nil {
		p.logger.Error("Failed to record batch failure",
			zap.Int("batch", batchIndex), zap.Error(recErr))
	}
	p.observer.BatchFailed(batchIndex, len(chunk), retries, result.Duration, err)
	p.logger.Error("Batch failed",
		zap.String("operation_id", operationID),
		zap.Int("batch", batchIndex),
		zap.Int("attempts", retries+1),
		zap.String("category", string(c.Category)),
		zap.Error(err),
	)

	if c.Category == classify.CategoryCorruption && p.corruption != nil {
		if rbErr := p.corruption.HandleCorruption(ctx, operationID, err); rbErr != nil {
			result.Err = errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
	}

	return result
}

// writeChunked retries the batch as sub-batches of progressively smaller
// size until the destination accepts them or the chunk size reaches one
func (p *Processor) writeChunked(ctx context.Context, parent int, rng rows.RowRange, chunk []source.Record, writeFn WriteFunc) ([]SubBatchID, error) {
	var lastErr error

	for size := len(chunk) / 2; size >= 1; size /= 2 {
		subs, err := p.tryChunkSize(ctx, parent, rng, chunk, size, writeFn)
		if err == nil {
			p.logger.Info("Exhaustion fallback succeeded",
				zap.Int("batch", parent),
				zap.Int("chunk_size", size),
				zap.Int("sub_batches", len(subs)),
			)
			return subs, nil
		}
		lastErr = err
		if classify.Classify(err).Category != classify.CategoryResourceExhausted {
			return nil, err
		}
		p.logger.Warn("Chunk size still too large, halving",
			zap.Int("batch", parent),
			zap.Int("chunk_size", size),
		)
	}

	return nil, fmt.Errorf("exhaustion fallback gave up: %w", lastErr)
}

func (p *Processor) tryChunkSize(ctx context.Context, parent int, rng rows.RowRange, chunk []source.Record, size int, writeFn WriteFunc) ([]SubBatchID, error) {
	var subs []SubBatchID

	for i, off := 0, 0; off < len(chunk); i, off = i+1, off+size {
		end := off + size
		if end > len(chunk) {
			end = len(chunk)
		}
		sub := SubBatchID{Parent: parent, Sub: i}
		subRange := rows.RowRange{
			StartRow:   rng.StartRow + off,
			EndRow:     rng.StartRow + end - 1,
			BatchIndex: parent,
		}

		_, err := p.retrier.Do(ctx, fmt.Sprintf("write sub-batch %s", sub), func(ctx context.Context) error {
			return p.breaker.Execute(func() error {
				return writeFn(ctx, subRange, chunk[off:end])
			})
		})
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// recommendations derives operator guidance from the run outcome
func (p *Processor) recommendations(summary Summary) []string {
	var recs []string

	if summary.TotalBatches == 0 {
		return recs
	}

	if summary.SuccessRate < 0.9 {
		recs = append(recs, "error rate high - investigate network and destination health before resuming")
	}

	categories := make(map[classify.Category]int)
	for _, r := range summary.Results {
		if r.Err != nil {
			categories[r.Category]++
		}
	}
	if categories[classify.CategoryRateLimit] > 0 {
		recs = append(recs, "rate limiting observed - reduce batch size or schedule the sync off-peak")
	}
	if categories[classify.CategoryTimeout] > 0 {
		recs = append(recs, "timeouts observed - consider a smaller max batch size")
	}
	if categories[classify.CategoryCorruption] > 0 {
		recs = append(recs, "data corruption detected - verify the destination against the latest snapshot before resuming")
	}
	if categories[classify.CategoryResourceExhausted] > 0 {
		recs = append(recs, "destination resource limits hit - consider archiving old rows or splitting the destination")
	}

	ins := p.sizer.Insights()
	if ins.Samples > 0 && ins.AvgDuration > 20*time.Second {
		recs = append(recs, fmt.Sprintf("average batch duration is %s - a smaller batch size may improve stability", ins.AvgDuration.Round(time.Second)))
	}

	return recs
}
