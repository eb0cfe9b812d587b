package batch

import (
	"time"

	"orders2sheet/internal/classify"
)

// SizingConfig tunes adaptive batch sizing
type SizingConfig struct {
	InitialBatchSize int
	MinBatchSize     int
	MaxBatchSize     int
	// WindowSize is the number of recent batch samples insights are
	// computed over
	WindowSize int
	// StabilityWindow is the number of consecutive batches at an unchanged
	// size required before another adjustment is applied
	StabilityWindow int
	DecreaseFactor  float64
	IncreaseFactor  float64

	HighTimeoutRate float64
	HighErrorRate   float64
	LowErrorRate    float64
	SlowResponse    time.Duration
	FastResponse    time.Duration
}

// DefaultSizingConfig mirrors the documented thresholds: shrink on >30%
// timeouts, >20% errors or >30s batches; grow on <5% errors and <10s batches
// with a stable trend
var DefaultSizingConfig = SizingConfig{
	InitialBatchSize: 50,
	MinBatchSize:     10,
	MaxBatchSize:     500,
	WindowSize:       10,
	StabilityWindow:  3,
	DecreaseFactor:   0.5,
	IncreaseFactor:   1.25,
	HighTimeoutRate:  0.30,
	HighErrorRate:    0.20,
	LowErrorRate:     0.05,
	SlowResponse:     30 * time.Second,
	FastResponse:     10 * time.Second,
}

func (c SizingConfig) withDefaults() SizingConfig {
	d := DefaultSizingConfig
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = d.InitialBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = d.StabilityWindow
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.IncreaseFactor <= 1 {
		c.IncreaseFactor = d.IncreaseFactor
	}
	if c.HighTimeoutRate <= 0 {
		c.HighTimeoutRate = d.HighTimeoutRate
	}
	if c.HighErrorRate <= 0 {
		c.HighErrorRate = d.HighErrorRate
	}
	if c.LowErrorRate <= 0 {
		c.LowErrorRate = d.LowErrorRate
	}
	if c.SlowResponse <= 0 {
		c.SlowResponse = d.SlowResponse
	}
	if c.FastResponse <= 0 {
		c.FastResponse = d.FastResponse
	}
	return c
}

type perfSample struct {
	duration time.Duration
	size     int
	timeout  bool
	failed   bool
}

// Insights summarizes the recent performance window
type Insights struct {
	Samples     int
	AvgDuration time.Duration
	TimeoutRate float64
	ErrorRate   float64
	Stable      bool
}

// Sizer derives batch-size recommendations from a moving window of recent
// batch outcomes. Not safe for concurrent use; one processor owns one sizer.
type Sizer struct {
	cfg          SizingConfig
	samples      []perfSample
	current      int
	unchangedRun int
}

// NewSizer creates a sizer starting at the configured initial size
func NewSizer(cfg SizingConfig) *Sizer {
	cfg = cfg.withDefaults()
	current := cfg.InitialBatchSize
	if current < cfg.MinBatchSize {
		current = cfg.MinBatchSize
	}
	if current > cfg.MaxBatchSize {
		current = cfg.MaxBatchSize
	}
	return &Sizer{cfg: cfg, current: current}
}

// Current returns the batch size to use for the next batch
func (s *Sizer) Current() int {
	return s.current
}

// Record adds one batch outcome to the window
func (s *Sizer) Record(duration time.Duration, size int, err error) {
	sample := perfSample{duration: duration, size: size}
	if err != nil {
		sample.failed = true
		if classify.Classify(err).Category == classify.CategoryTimeout {
			sample.timeout = true
		}
	}
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.cfg.WindowSize {
		s.samples = s.samples[1:]
	}
	s.unchangedRun++
}

// Insights computes moving averages over the window
func (s *Sizer) Insights() Insights {
	ins := Insights{Samples: len(s.samples)}
	if ins.Samples == 0 {
		return ins
	}

	var total time.Duration
	timeouts, failures := 0, 0
	for _, sample := range s.samples {
		total += sample.duration
		if sample.timeout {
			timeouts++
		}
		if sample.failed {
			failures++
		}
	}
	ins.AvgDuration = total / time.Duration(ins.Samples)
	ins.TimeoutRate = float64(timeouts) / float64(ins.Samples)
	ins.ErrorRate = float64(failures) / float64(ins.Samples)
	ins.Stable = s.stableTrend()
	return ins
}

// stableTrend reports whether the last few batches succeeded with durations
// close to their mean
func (s *Sizer) stableTrend() bool {
	const trendLen = 3
	if len(s.samples) < trendLen {
		return false
	}

	recent := s.samples[len(s.samples)-trendLen:]
	var total time.Duration
	for _, sample := range recent {
		if sample.failed {
			return false
		}
		total += sample.duration
	}
	mean := total / trendLen
	if mean == 0 {
		return true
	}
	for _, sample := range recent {
		diff := sample.duration - mean
		if diff < 0 {
			diff = -diff
		}
		if float64(diff) > 0.25*float64(mean) {
			return false
		}
	}
	return true
}

// Resize applies the current recommendation once the stability window has
// elapsed, clamping to [min, max]. It returns the new size and a reason
// string for logging ("" when the size is unchanged).
func (s *Sizer) Resize() (int, string) {
	if s.unchangedRun < s.cfg.StabilityWindow {
		return s.current, ""
	}

	ins := s.Insights()
	if ins.Samples == 0 {
		return s.current, ""
	}

	next := s.current
	reason := ""
	switch {
	case ins.TimeoutRate > s.cfg.HighTimeoutRate:
		next = int(float64(s.current) * s.cfg.DecreaseFactor)
		reason = "high timeout rate"
	case ins.ErrorRate > s.cfg.HighErrorRate:
		next = int(float64(s.current) * s.cfg.DecreaseFactor)
		reason = "high error rate"
	case ins.AvgDuration > s.cfg.SlowResponse:
		next = int(float64(s.current) * s.cfg.DecreaseFactor)
		reason = "slow average response"
	case ins.ErrorRate < s.cfg.LowErrorRate && ins.AvgDuration < s.cfg.FastResponse && ins.Stable:
		next = int(float64(s.current) * s.cfg.IncreaseFactor)
		reason = "healthy and stable"
	}

	if next < s.cfg.MinBatchSize {
		next = s.cfg.MinBatchSize
	}
	if next > s.cfg.MaxBatchSize {
		next = s.cfg.MaxBatchSize
	}

	if next == s.current {
		return s.current, ""
	}
	s.current = next
	s.unchangedRun = 0
	return s.current, reason
}
