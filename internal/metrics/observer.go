package metrics

import "time"

// Observer adapts the collector to the progress observer interface so the
// engine can fan batch events out to metrics alongside logging and the
// terminal display
type Observer struct {
	Collector *Collector
}

func (o Observer) PageFetched(page, recordsSoFar int) {
	o.Collector.IncPage()
}

func (o Observer) BatchCompleted(batchIndex, records, startRow, retries int, duration time.Duration) {
	o.Collector.IncBatchSuccess(records)
	o.Collector.AddRetries(retries)
	o.Collector.ObserveBatchDuration(duration)
}

func (o Observer) BatchFailed(batchIndex, records, retries int, duration time.Duration, err error) {
	o.Collector.IncBatchFailed(records)
	o.Collector.AddRetries(retries)
	o.Collector.ObserveBatchDuration(duration)
}

func (o Observer) BatchSizeAdjusted(size int, reason string) {
	o.Collector.SetBatchSize(size)
}

func (o Observer) PhaseChanged(string)  {}
func (o Observer) WarningRaised(string) {}
