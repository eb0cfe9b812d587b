package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"orders2sheet/internal/batch"
	"orders2sheet/internal/classify"
	"orders2sheet/internal/config"
	"orders2sheet/internal/fetch"
	"orders2sheet/internal/metrics"
	"orders2sheet/internal/progress"
	"orders2sheet/internal/recovery"
	"orders2sheet/internal/rows"
	"orders2sheet/internal/sheet"
	"orders2sheet/internal/source"
	"orders2sheet/internal/state"
)

// Row 1 holds the column headers; data starts below it
const firstDataRow = 2

// Engine wires the fetcher, batch processor, state store and recovery
// manager into one synchronization pipeline. All collaborators are injected
// so tests can swap the source and destination for fakes.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  source.Client
	dst     sheet.Destination
	mapper  *RowMapper
	fetcher *fetch.Fetcher
	states  *state.FileStore
	recov   *recovery.Manager
	audit   *recovery.AuditLog
	metrics *metrics.Collector
	tracker *progress.Tracker
	retrier *classify.Retrier
	breaker *classify.Breaker
}

// New creates an engine from configuration plus the injected source client
// and destination
func New(cfg *config.Config, client source.Client, dst sheet.Destination, logger *zap.Logger) (*Engine, error) {
	states, err := state.NewFileStore(cfg.Sync.StateDir, state.FileStoreOptions{AutoSave: true}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	retrier := classify.NewRetrier(classify.RetryConfig{
		MaxAttempts: cfg.Sync.Retries + 1,
		BaseDelay:   cfg.Sync.RetryBackoff,
	}, logger)
	breaker := classify.NewBreaker(5, 30*time.Second)

	collector := metrics.New()
	tracker := progress.NewTracker()
	observer := progress.MultiObserver{
		progress.LogObserver{Logger: logger},
		progress.TrackerObserver{Tracker: tracker},
		metrics.Observer{Collector: collector},
	}

	fetcher := fetch.New(fetch.Config{
		PageSize:       cfg.Sync.PageSize,
		MaxRecords:     cfg.Sync.MaxRecords,
		KeyField:       cfg.Source.KeyField,
		TimestampField: cfg.Source.TimestampField,
	}, client, retrier, breaker, observer, logger)

	var snapStore recovery.SnapshotStore
	switch cfg.Recovery.SnapshotBackend {
	case "s3":
		snapStore, err = recovery.NewS3Store(context.Background(), cfg.Recovery.S3)
	default:
		snapStore, err = recovery.NewFSStore(cfg.Recovery.SnapshotDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	registry, err := recovery.NewRegistry(filepath.Join(cfg.Recovery.SnapshotDir, "registry.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot registry: %w", err)
	}

	var audit *recovery.AuditLog
	if cfg.Recovery.AuditDB != "" {
		audit, err = recovery.NewAuditLog(cfg.Recovery.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	recov := recovery.NewManager(recovery.Config{
		SnapshotRetention: cfg.Recovery.SnapshotRetention,
		RetryBudget:       cfg.Sync.Retries,
	}, dst, snapStore, registry, states, audit, logger)

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		dst:     dst,
		mapper:  NewRowMapper(cfg.Sync.Columns),
		fetcher: fetcher,
		states:  states,
		recov:   recov,
		audit:   audit,
		metrics: collector,
		tracker: tracker,
		retrier: retrier,
		breaker: breaker,
	}, nil
}

// Run executes a fresh synchronization under the given operation id
func (e *Engine) Run(ctx context.Context, operationID string) (batch.Summary, error) {
	e.logger.Info("Starting synchronization",
		zap.String("operation_id", operationID),
		zap.Int("page_size", e.cfg.Sync.PageSize),
		zap.Int("batch_size", e.cfg.Sync.BatchSize),
		zap.Bool("replace", e.cfg.Sync.ReplaceExisting),
		zap.Bool("dry_run", e.cfg.Sync.DryRun),
	)

	e.startMetricsServer()

	records, err := e.fetchRecords(ctx)
	if err != nil {
		return batch.Summary{}, err
	}
	if len(records) == 0 {
		e.logger.Info("Source returned no records, nothing to do")
		return batch.Summary{}, nil
	}

	records, err = e.reconcile(ctx, records)
	if err != nil {
		return batch.Summary{}, err
	}

	if e.cfg.Sync.DryRun {
		e.logger.Info("Dry run complete",
			zap.Int("records", len(records)),
		)
		return batch.Summary{TotalBatches: 0, ProcessedRecords: 0}, nil
	}

	if err := e.prepareDestination(ctx, operationID); err != nil {
		return batch.Summary{}, err
	}

	if _, err := e.states.Initialize(operationID, state.InitData{
		TotalRecords: len(records),
		BatchSize:    e.cfg.Sync.BatchSize,
		Config: map[string]string{
			"source":   e.cfg.Source.BaseURL,
			"replace":  fmt.Sprint(e.cfg.Sync.ReplaceExisting),
			"strategy": e.cfg.Sync.ConflictStrategy,
		},
		Reset: e.cfg.Sync.ReplaceExisting,
	}); err != nil {
		return batch.Summary{}, fmt.Errorf("failed to initialize state: %w", err)
	}

	return e.process(ctx, operationID, records, batch.Options{OperationID: operationID})
}

// Resume continues a previously interrupted operation from its checkpoint
func (e *Engine) Resume(ctx context.Context, operationID string) (batch.Summary, error) {
	v, err := e.recov.ValidateStateBeforeResume(operationID)
	if err != nil {
		return batch.Summary{}, err
	}
	if v.RequiresIntervention {
		return batch.Summary{}, fmt.Errorf("operation %s needs manual intervention: %s", operationID, v.Message)
	}
	if !v.CanResume {
		return batch.Summary{}, fmt.Errorf("operation %s cannot be resumed: %s", operationID, v.Message)
	}

	e.logger.Info("Resuming synchronization",
		zap.String("operation_id", operationID),
		zap.Int("next_batch", v.Info.NextBatchIndex),
		zap.Int("next_row", v.Info.NextRowPosition),
		zap.Int("remaining", v.Info.RemainingRecords),
	)

	e.startMetricsServer()

	records, err := e.fetchRecords(ctx)
	if err != nil {
		return batch.Summary{}, err
	}

	snap, err := e.states.Load(operationID)
	if err != nil {
		return batch.Summary{}, err
	}

	// Completed batches carry their global record offsets, so coverage is
	// derived from them rather than from a positional count. A failed batch
	// in the middle of an earlier run leaves a hole that a plain prefix
	// skip would silently drop.
	spans := snap.PendingSpans(len(records))
	if len(spans) == 0 {
		e.logger.Info("All fetched records already processed")
		return batch.Summary{}, nil
	}
	if err := e.states.ClearFailedBatches(operationID); err != nil {
		return batch.Summary{}, err
	}

	nextBatch := v.Info.NextBatchIndex
	nextRow := v.Info.NextRowPosition
	var total batch.Summary
	start := time.Now()
	for _, span := range spans {
		summary, err := e.process(ctx, operationID, records[span.Start:span.End], batch.Options{
			OperationID:       operationID,
			StartBatchIndex:   nextBatch,
			ResumeFromRow:     nextRow,
			StartRecordOffset: span.Start,
		})
		total.Results = append(total.Results, summary.Results...)
		total.TotalBatches += summary.TotalBatches
		total.CompletedBatches += summary.CompletedBatches
		total.FailedBatches += summary.FailedBatches
		total.ProcessedRecords += summary.ProcessedRecords
		total.Recommendations = append(total.Recommendations, summary.Recommendations...)
		if err != nil {
			total.Duration = time.Since(start)
			return total, err
		}
		nextBatch += summary.TotalBatches
		for _, r := range summary.Results {
			if r.Range.EndRow+1 > nextRow {
				nextRow = r.Range.EndRow + 1
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	total.Duration = time.Since(start)
	if total.TotalBatches > 0 {
		total.SuccessRate = float64(total.CompletedBatches) / float64(total.TotalBatches)
	}
	return total, nil
}

// Status reports the stored progress of an operation
func (e *Engine) Status(operationID string) (*state.ProgressSnapshot, error) {
	return e.states.Load(operationID)
}

// Operations lists all operation ids with stored state
func (e *Engine) Operations() ([]string, error) {
	return e.states.List()
}

// Snapshots lists registered destination snapshots, newest first
func (e *Engine) Snapshots() []recovery.SnapshotMeta {
	return e.recov.Snapshots()
}

// Rollback restores the destination from a snapshot
func (e *Engine) Rollback(ctx context.Context, snapshotID string, force bool) error {
	return e.recov.Rollback(ctx, snapshotID, recovery.RollbackOptions{Force: force})
}

// Close releases engine resources
func (e *Engine) Close() error {
	if e.audit != nil {
		return e.audit.Close()
	}
	return nil
}

func (e *Engine) fetchRecords(ctx context.Context) ([]source.Record, error) {
	filters := source.Filters{
		Status:       e.cfg.Sync.Status,
		UpdatedSince: e.cfg.Sync.DateFrom,
	}
	if e.cfg.Sync.DateTo != "" {
		filters.Extra = map[string]string{"date_to": e.cfg.Sync.DateTo}
	}

	if total, err := e.client.EstimateCount(ctx, filters); err == nil && total > 0 {
		e.metrics.SetTotalRecords(int64(total))
		e.tracker.SetTotal(int64(total))
	}

	records, stats, err := e.fetcher.FetchAll(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	e.metrics.SetTotalRecords(int64(len(records)))
	e.tracker.SetTotal(int64(len(records)))
	e.logger.Info("Fetch complete",
		zap.Int("records", len(records)),
		zap.Int("pages", stats.Pages),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("skipped_pages", stats.SkippedPages),
		zap.Int("failed_pages", stats.FailedPages),
		zap.Duration("duration", stats.Duration),
	)
	return records, nil
}

// reconcile merges fetched records with content the destination already
// holds, per the configured conflict strategy. Replace mode overwrites
// everything, so there is nothing to reconcile.
func (e *Engine) reconcile(ctx context.Context, records []source.Record) ([]source.Record, error) {
	if e.cfg.Sync.ReplaceExisting {
		return records, nil
	}
	extent, err := e.dst.UsedExtent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect destination: %w", err)
	}
	if extent < firstDataRow {
		return records, nil
	}

	content, err := e.dst.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read destination: %w", err)
	}
	existing := make([]source.Record, 0, len(content)-1)
	for _, row := range content[1:] {
		if rec := e.mapper.ToRecord(row); len(rec) > 0 {
			existing = append(existing, rec)
		}
	}

	res, err := recovery.ResolveConflicts(records, existing, recovery.ConflictOptions{
		Strategy:       recovery.ConflictStrategy(e.cfg.Sync.ConflictStrategy),
		KeyField:       e.cfg.Source.KeyField,
		TimestampField: e.cfg.Source.TimestampField,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Reconciled against destination content",
		zap.Int("conflicts", res.Conflicts),
		zap.Int("only_in_source", res.OnlyInSource),
		zap.Int("only_in_destination", res.OnlyInDestination),
	)
	for _, pair := range res.ManualReview {
		e.logger.Warn("Record held for manual review",
			zap.String("key", pair.Key),
		)
	}
	return res.Merged, nil
}

// prepareDestination snapshots and clears the destination in replace mode
// and makes sure the header row is in place
func (e *Engine) prepareDestination(ctx context.Context, operationID string) error {
	if e.cfg.Sync.ReplaceExisting {
		if e.cfg.Recovery.PreSyncSnapshot {
			extent, err := e.dst.UsedExtent(ctx)
			if err != nil {
				return err
			}
			if extent > 0 {
				if _, err := e.recov.CreateSnapshot(ctx, operationID); err != nil {
					return fmt.Errorf("pre-sync snapshot failed: %w", err)
				}
			}
		}
		if err := e.dst.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear destination: %w", err)
		}
	}

	return e.dst.WriteRange(ctx, 1, []sheet.Row{e.mapper.Header()})
}

func (e *Engine) process(ctx context.Context, operationID string, records []source.Record, opts batch.Options) (batch.Summary, error) {
	sizer := batch.NewSizer(batch.SizingConfig{
		InitialBatchSize: e.cfg.Sync.BatchSize,
		MinBatchSize:     e.cfg.Sync.MinBatchSize,
		MaxBatchSize:     e.cfg.Sync.MaxBatchSize,
	})
	tracker := rows.NewTracker(firstDataRow, true, e.logger)
	observer := progress.MultiObserver{
		progress.LogObserver{Logger: e.logger},
		progress.TrackerObserver{Tracker: e.tracker},
		metrics.Observer{Collector: e.metrics},
	}
	processor := batch.NewProcessor(sizer, tracker, e.states, e.retrier, e.breaker, observer, e.recov, e.logger)
	e.metrics.SetBatchSize(sizer.Current())

	var display *progress.Display
	if e.cfg.Sync.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(e.tracker, 2*time.Second)
		display.Start()
		defer display.Stop()
	}

	summary, err := processor.ProcessAll(ctx, records, e.mapper.WriteFunc(e.dst), opts)

	e.metrics.SetCircuitState(string(e.breaker.State()))
	e.logger.Info("Synchronization finished",
		zap.Int("total_batches", summary.TotalBatches),
		zap.Int("completed", summary.CompletedBatches),
		zap.Int("failed", summary.FailedBatches),
		zap.Int("records", summary.ProcessedRecords),
		zap.Float64("success_rate", summary.SuccessRate),
		zap.Duration("duration", summary.Duration),
	)
	for _, rec := range summary.Recommendations {
		e.logger.Info("Recommendation", zap.String("hint", rec))
	}
	return summary, err
}

// startMetricsServer exposes /metrics when enabled
func (e *Engine) startMetricsServer() {
	if !e.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := e.metrics.StartServer(e.cfg.Metrics.Addr); err != nil {
			e.logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}
