// Package metrics exports sutra engine events to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements sutra.MetricsObserver.
type PrometheusObserver struct {
	cycles         *prometheus.CounterVec
	entries        *prometheus.CounterVec
	cycleLatency   *prometheus.HistogramVec
	flushes        *prometheus.CounterVec
	flushLatency   *prometheus.HistogramVec
	flushedRecords *prometheus.CounterVec
	compactions    *prometheus.CounterVec
	drops          *prometheus.CounterVec
	walErrors      *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	txLatency      prometheus.Histogram
}

// NewPrometheusObserver creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_reconciler_cycles_total",
			Help: "Reconciler cycles that applied entries",
		}, []string{"shard"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_reconciler_entries_total",
			Help: "Write log entries applied to snapshots",
		}, []string{"shard"}),
		cycleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sutra_reconciler_cycle_seconds",
			Help:    "Duration of reconciler cycles",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"shard"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_flushes_total",
			Help: "Segment flushes",
		}, []string{"shard", "status"}),
		flushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sutra_flush_seconds",
			Help:    "Duration of segment flushes",
			Buckets: prometheus.DefBuckets,
		}, []string{"shard"}),
		flushedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_flushed_records_total",
			Help: "Records written to sealed segments by flushes",
		}, []string{"shard"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_compactions_total",
			Help: "Segment compactions",
		}, []string{"shard", "status"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_write_log_drops_total",
			Help: "Pending writes evicted from a full write log",
		}, []string{"shard"}),
		walErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_wal_errors_total",
			Help: "Failed WAL appends",
		}, []string{"shard"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sutra_transactions_total",
			Help: "Cross-shard transactions by terminal state",
		}, []string{"state"}),
		txLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sutra_transaction_seconds",
			Help:    "Duration of cross-shard transactions",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		o.cycles,
		o.entries,
		o.cycleLatency,
		o.flushes,
		o.flushLatency,
		o.flushedRecords,
		o.compactions,
		o.drops,
		o.walErrors,
		o.transactions,
		o.txLatency,
	)
	return o
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func label(shard int) string { return strconv.Itoa(shard) }

func (o *PrometheusObserver) OnCycle(shard int, entries int, d time.Duration) {
	s := label(shard)
	o.cycles.WithLabelValues(s).Inc()
	o.entries.WithLabelValues(s).Add(float64(entries))
	o.cycleLatency.WithLabelValues(s).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnFlush(shard int, d time.Duration, records int, err error) {
	s := label(shard)
	o.flushes.WithLabelValues(s, status(err)).Inc()
	if err == nil {
		o.flushLatency.WithLabelValues(s).Observe(d.Seconds())
		o.flushedRecords.WithLabelValues(s).Add(float64(records))
	}
}

func (o *PrometheusObserver) OnCompaction(shard int, _ time.Duration, _, _ int, err error) {
	o.compactions.WithLabelValues(label(shard), status(err)).Inc()
}

func (o *PrometheusObserver) OnDrop(shard int) {
	o.drops.WithLabelValues(label(shard)).Inc()
}

func (o *PrometheusObserver) OnWALError(shard int, _ error) {
	o.walErrors.WithLabelValues(label(shard)).Inc()
}

func (o *PrometheusObserver) OnTransaction(state string, d time.Duration) {
	o.transactions.WithLabelValues(state).Inc()
	o.txLatency.Observe(d.Seconds())
}
