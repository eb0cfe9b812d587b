package progress

import (
	"time"

	"go.uber.org/zap"
)

// Observer receives engine events at defined points. Implementations must be
// cheap and must not block.
type Observer interface {
	PageFetched(page, recordsSoFar int)
	BatchCompleted(batchIndex, records, startRow, retries int, duration time.Duration)
	BatchFailed(batchIndex, records, retries int, duration time.Duration, err error)
	BatchSizeAdjusted(size int, reason string)
	PhaseChanged(phase string)
	WarningRaised(message string)
}

// NopObserver ignores all events
type NopObserver struct{}

func (NopObserver) PageFetched(int, int)                                {}
func (NopObserver) BatchCompleted(int, int, int, int, time.Duration)    {}
func (NopObserver) BatchFailed(int, int, int, time.Duration, error)     {}
func (NopObserver) BatchSizeAdjusted(int, string)                       {}
func (NopObserver) PhaseChanged(string)                                 {}
func (NopObserver) WarningRaised(string)                                {}

// LogObserver writes events to a zap logger
type LogObserver struct {
	Logger *zap.Logger
}

func (o LogObserver) PageFetched(page, recordsSoFar int) {
	o.Logger.Debug("Page fetched", zap.Int("page", page), zap.Int("records_so_far", recordsSoFar))
}

func (o LogObserver) BatchCompleted(batchIndex, records, startRow, retries int, duration time.Duration) {
	o.Logger.Info("Batch completed",
		zap.Int("batch", batchIndex),
		zap.Int("records", records),
		zap.Int("start_row", startRow),
		zap.Int("retries", retries),
		zap.Duration("duration", duration),
	)
}

func (o LogObserver) BatchFailed(batchIndex, records, retries int, duration time.Duration, err error) {
	o.Logger.Warn("Batch failed",
		zap.Int("batch", batchIndex),
		zap.Int("records", records),
		zap.Int("retries", retries),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
}

func (o LogObserver) BatchSizeAdjusted(size int, reason string) {
	o.Logger.Info("Batch size adjusted",
		zap.Int("batch_size", size),
		zap.String("reason", reason),
	)
}

func (o LogObserver) PhaseChanged(phase string) {
	o.Logger.Info("Phase changed", zap.String("phase", phase))
}

func (o LogObserver) WarningRaised(message string) {
	o.Logger.Warn(message)
}

// TrackerObserver forwards events into a Tracker
type TrackerObserver struct {
	Tracker *Tracker
}

func (o TrackerObserver) PageFetched(page, recordsSoFar int) { o.Tracker.AddPage() }

func (o TrackerObserver) BatchCompleted(batchIndex, records, startRow, retries int, duration time.Duration) {
	o.Tracker.AddBatchSuccess(int64(records))
}

func (o TrackerObserver) BatchFailed(batchIndex, records, retries int, duration time.Duration, err error) {
	o.Tracker.AddBatchFailure(int64(records))
}

func (o TrackerObserver) BatchSizeAdjusted(int, string) {}
func (o TrackerObserver) PhaseChanged(string)           {}
func (o TrackerObserver) WarningRaised(string)          {}

// MultiObserver fans events out to several observers
type MultiObserver []Observer

func (m MultiObserver) PageFetched(page, recordsSoFar int) {
	for _, o := range m {
		o.PageFetched(page, recordsSoFar)
	}
}

func (m MultiObserver) BatchCompleted(batchIndex, records, startRow, retries int, duration time.Duration) {
	for _, o := range m {
		o.BatchCompleted(batchIndex, records, startRow, retries, duration)
	}
}

func (m MultiObserver) BatchFailed(batchIndex, records, retries int, duration time.Duration, err error) {
	for _, o := range m {
		o.BatchFailed(batchIndex, records, retries, duration, err)
	}
}

func (m MultiObserver) BatchSizeAdjusted(size int, reason string) {
	for _, o := range m {
		o.BatchSizeAdjusted(size, reason)
	}
}

func (m MultiObserver) PhaseChanged(phase string) {
	for _, o := range m {
		o.PhaseChanged(phase)
	}
}

func (m MultiObserver) WarningRaised(message string) {
	for _, o := range m {
		o.WarningRaised(message)
	}
}
