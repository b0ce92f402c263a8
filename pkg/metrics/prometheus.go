package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cycles      prometheus.Counter
	cycleTime   prometheus.Histogram
	skipped     prometheus.Counter
	signals     *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	orders      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	lastPrice   *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
}

// New creates a recorder registered on reg (the default registry when nil).
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_cycles_total",
			Help: "Completed poll cycles",
		}),
		cycleTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signaldesk_cycle_duration_seconds",
			Help:    "Wall time of a poll cycle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_skipped_ticks_total",
			Help: "Ticks skipped because the previous cycle was still running",
		}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_signals_emitted_total",
			Help: "Stabilized signals emitted",
		}, []string{"instrument", "direction"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_rejections_total",
			Help: "Candidates filtered out, by stage and reason",
		}, []string{"stage", "reason"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_orders_total",
			Help: "Dispatched orders by type and result",
		}, []string{"type", "result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_execution_retries_total",
			Help: "Connector calls retried after a transient failure",
		}, []string{"op"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_alerts_total",
			Help: "Alerts raised by level",
		}, []string{"level"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_errors_total",
			Help: "Total number of errors encountered",
		}, []string{"kind"}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signaldesk_last_price",
			Help: "Last observed price for an instrument",
		}, []string{"symbol"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signaldesk_operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (r *Recorder) RecordCycle(seconds float64) {
	r.cycles.Inc()
	r.cycleTime.Observe(seconds)
}

func (r *Recorder) RecordSkippedTick() { r.skipped.Inc() }

func (r *Recorder) RecordSignal(instrument, direction string) {
	r.signals.WithLabelValues(instrument, direction).Inc()
}

func (r *Recorder) RecordRejection(stage, reason string) {
	r.rejections.WithLabelValues(stage, reason).Inc()
}

func (r *Recorder) RecordOrder(orderType, result string) {
	r.orders.WithLabelValues(orderType, result).Inc()
}

func (r *Recorder) RecordRetry(op string) { r.retries.WithLabelValues(op).Inc() }

func (r *Recorder) RecordAlert(level string) { r.alerts.WithLabelValues(level).Inc() }

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordCycle(float64)             {}
func (Nop) RecordSkippedTick()              {}
func (Nop) RecordSignal(string, string)     {}
func (Nop) RecordRejection(string, string)  {}
func (Nop) RecordOrder(string, string)      {}
func (Nop) RecordRetry(string)              {}
func (Nop) RecordAlert(string)              {}
func (Nop) RecordError(string)              {}
func (Nop) RecordLastPrice(string, float64) {}
func (Nop) RecordLatency(string, float64)   {}
