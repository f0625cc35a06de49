package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the dispatch loop.
type Metrics struct {
	// Loop health
	Ticks        prometheus.Counter
	TickFailures prometheus.Counter
	TickDuration prometheus.Histogram

	// Record processing
	Dispatched     prometheus.Counter
	RecordFailures prometheus.Counter
	MarkFailures   prometheus.Counter
	BatchSize      prometheus.Histogram

	// Outbox health
	Backlog prometheus.Gauge
}

// New registers all relay metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_ticks_total",
			Help: "Total number of dispatch ticks run",
		}),
		TickFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_tick_failures_total",
			Help: "Total number of ticks that ended early because of a store or configuration error",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smsrelay_tick_duration_seconds",
			Help:    "Time taken for each dispatch tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_records_dispatched_total",
			Help: "Total number of outbox records dispatched and marked transmitted",
		}),
		RecordFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_record_failures_total",
			Help: "Total number of outbox records skipped because they could not be processed",
		}),
		MarkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_mark_failures_total",
			Help: "Total number of mark-as-transmitted calls that failed",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smsrelay_batch_size",
			Help:    "Number of records fetched per tick",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		Backlog: f.NewGauge(prometheus.GaugeOpts{
			Name: "smsrelay_backlog",
			Help: "Outbox rows not yet claimed by the fetch procedure",
		}),
	}
}

func (m *Metrics) IncTicks() {
	m.Ticks.Inc()
}

func (m *Metrics) IncTickFailures() {
	m.TickFailures.Inc()
}

func (m *Metrics) ObserveTickDuration(seconds float64) {
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) IncDispatched() {
	m.Dispatched.Inc()
}

func (m *Metrics) IncRecordFailures() {
	m.RecordFailures.Inc()
}

func (m *Metrics) IncMarkFailures() {
	m.MarkFailures.Inc()
}

func (m *Metrics) ObserveBatchSize(n int) {
	m.BatchSize.Observe(float64(n))
}

func (m *Metrics) SetBacklog(n int64) {
	m.Backlog.Set(float64(n))
}
