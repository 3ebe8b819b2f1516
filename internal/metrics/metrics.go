package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the exchange's Prometheus collectors.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	ordersPlaced   *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	tradesExecuted *prometheus.CounterVec
	tradedVolume   *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotexchange",
			Name:      "orders_placed_total",
			Help:      "Orders accepted and reserved.",
		}, []string{"symbol", "side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotexchange",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before any state change.",
		}, []string{"side", "reason"}),
		ordersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotexchange",
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled by their owner.",
		}, []string{"symbol", "side"}),
		tradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotexchange",
			Name:      "trades_executed_total",
			Help:      "Trades settled.",
		}, []string{"symbol"}),
		tradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotexchange",
			Name:      "traded_amount_total",
			Help:      "Sum of settled trade amounts in the traded asset.",
		}, []string{"symbol"}),
		actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spotexchange",
			Name:      "action_duration_seconds",
			Help:      "Duration of lifecycle actions including their transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms ~ 4s
		}, []string{"action", "status"}),
	}
	if reg != nil {
		reg.MustRegister(r.ordersPlaced, r.ordersRejected, r.ordersCanceled, r.tradesExecuted, r.tradedVolume, r.actionLatency)
	}
	return r
}

func (r *Recorder) OrderPlaced(symbol, side string) {
	if r == nil {
		return
	}
	r.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (r *Recorder) OrderRejected(side, reason string) {
	if r == nil {
		return
	}
	r.ordersRejected.WithLabelValues(side, reason).Inc()
}

func (r *Recorder) OrderCancelled(symbol, side string) {
	if r == nil {
		return
	}
	r.ordersCanceled.WithLabelValues(symbol, side).Inc()
}

// TradeExecuted counts a settlement; amount is the traded quantity
func (r *Recorder) TradeExecuted(symbol string, amount float64) {
	if r == nil {
		return
	}
	r.tradesExecuted.WithLabelValues(symbol).Inc()
	r.tradedVolume.WithLabelValues(symbol).Add(amount)
}

// ObserveAction records how long a lifecycle action took since start
func (r *Recorder) ObserveAction(action string, start time.Time, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.actionLatency.WithLabelValues(action, status).Observe(time.Since(start).Seconds())
}
