package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics. Each collector owns its registry
// so independent engine instances do not collide on metric names.
type Collector struct {
	registry        *prometheus.Registry
	recordsTotal    *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
	pagesTotal      prometheus.Counter
	retriesTotal    prometheus.Counter
	recordsExpected prometheus.Gauge
	batchSize       prometheus.Gauge
	circuitState    prometheus.Gauge
	batchDuration   prometheus.Histogram
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_records_total",
				Help: "Total number of records processed",
			},
			[]string{"status"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_batches_total",
				Help: "Total number of batches processed",
			},
			[]string{"status"},
		),
		pagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_pages_fetched_total",
				Help: "Total number of source pages fetched",
			},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_retry_attempts_total",
				Help: "Total retry attempts across all batches",
			},
		),
		recordsExpected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_records_expected",
				Help: "Number of records fetched and queued for the current operation",
			},
		),
		batchSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_batch_size",
				Help: "Current adaptive batch size",
			},
		),
		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_circuit_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_batch_duration_seconds",
				Help:    "Time taken to write one batch",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	// Register metrics
	c.registry.MustRegister(c.recordsTotal)
	c.registry.MustRegister(c.batchesTotal)
	c.registry.MustRegister(c.pagesTotal)
	c.registry.MustRegister(c.retriesTotal)
	c.registry.MustRegister(c.recordsExpected)
	c.registry.MustRegister(c.batchSize)
	c.registry.MustRegister(c.circuitState)
	c.registry.MustRegister(c.batchDuration)

	return c
}

// IncBatchSuccess records a successful batch of n records
func (c *Collector) IncBatchSuccess(records int) {
	c.batchesTotal.WithLabelValues("success").Inc()
	c.recordsTotal.WithLabelValues("success").Add(float64(records))
}

// IncBatchFailed records a failed batch of n records
func (c *Collector) IncBatchFailed(records int) {
	c.batchesTotal.WithLabelValues("failed").Inc()
	c.recordsTotal.WithLabelValues("failed").Add(float64(records))
}

// IncSkipped records source records skipped over upstream data anomalies
func (c *Collector) IncSkipped(records int) {
	c.recordsTotal.WithLabelValues("skipped").Add(float64(records))
}

// IncPage records one fetched source page
func (c *Collector) IncPage() {
	c.pagesTotal.Inc()
}

// AddRetries adds to the retry attempt counter
func (c *Collector) AddRetries(count int) {
	c.retriesTotal.Add(float64(count))
}

// SetBatchSize reports the current adaptive batch size
func (c *Collector) SetBatchSize(size int) {
	c.batchSize.Set(float64(size))
}

// SetCircuitState reports the breaker state as a numeric gauge
func (c *Collector) SetCircuitState(state string) {
	switch state {
	case "closed":
		c.circuitState.Set(0)
	case "half_open":
		c.circuitState.Set(1)
	case "open":
		c.circuitState.Set(2)
	}
}

// ObserveBatchDuration observes one batch write duration
func (c *Collector) ObserveBatchDuration(duration time.Duration) {
	c.batchDuration.Observe(duration.Seconds())
}

// SetTotalRecords sets the expected record count for the current operation
func (c *Collector) SetTotalRecords(records int64) {
	c.recordsExpected.Set(float64(records))
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
