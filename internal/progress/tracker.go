package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current sync status
type Status struct {
	TotalRecords     int64
	ProcessedRecords int64
	SucceededRecords int64
	FailedRecords    int64
	SkippedRecords   int64
	CompletedBatches int64
	FailedBatches    int64
	PagesFetched     int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	CurrentSpeed     float64 // records/second over the recent window
	AverageSpeed     float64 // records/second since start
	ETA              time.Duration
}

// Tracker tracks sync progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
}

type speedSample struct {
	timestamp time.Time
	records   int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{
		status: Status{
			StartTime:      time.Now(),
			LastUpdateTime: time.Now(),
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
	}
}

// SetTotal sets the expected total record count
func (t *Tracker) SetTotal(records int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalRecords = records
}

// AddPage records one fetched page
func (t *Tracker) AddPage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.PagesFetched++
}

// AddBatchSuccess records a completed batch of the given record count
func (t *Tracker) AddBatchSuccess(records int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CompletedBatches++
	t.status.SucceededRecords += records
	t.status.ProcessedRecords += records
	t.updateSpeed(records)
}

// AddBatchFailure records a failed batch of the given record count
func (t *Tracker) AddBatchFailure(records int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedBatches++
	t.status.FailedRecords += records
	t.status.ProcessedRecords += records
}

// AddSkipped records deduplicated or permanently skipped records
func (t *Tracker) AddSkipped(records int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedRecords += records
}

// updateSpeed updates the speed calculation (must be called with lock held)
func (t *Tracker) updateSpeed(records int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{
		timestamp: now,
		records:   records,
	})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed computes speed over the most recent few seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentRecords int64
	var firstSample *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentRecords += sample.records
		firstSample = sample
	}

	if firstSample != nil {
		recentDuration := now.Sub(firstSample.timestamp)
		if recentDuration > 0 {
			t.status.CurrentSpeed = float64(recentRecords) / recentDuration.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedRecords) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	if t.status.TotalRecords == 0 || t.status.AverageSpeed == 0 {
		t.status.ETA = 0
		return
	}

	remaining := t.status.TotalRecords - t.status.ProcessedRecords
	if remaining <= 0 {
		t.status.ETA = 0
		return
	}

	etaSeconds := float64(remaining) / t.status.AverageSpeed
	t.status.ETA = time.Duration(etaSeconds) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// GetProgressPercent returns the progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalRecords == 0 {
		return 0
	}
	return float64(t.status.ProcessedRecords) / float64(t.status.TotalRecords) * 100
}

// FormatSpeed formats speed in human readable form
func FormatSpeed(recordsPerSecond float64) string {
	if recordsPerSecond < 1000 {
		return fmt.Sprintf("%.1f rec/s", recordsPerSecond)
	}
	return fmt.Sprintf("%.1fk rec/s", recordsPerSecond/1000)
}

// FormatDuration formats duration in human readable form
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
