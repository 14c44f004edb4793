package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine and dispatcher collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	SubmitTotal  *prometheus.CounterVec // result=created|already-locked|duplicate|invalid|unavailable
	RespondTotal *prometheus.CounterVec // result=accepted|rejected|<rejection reason>|invalid|unavailable

	OpLatencyMS *prometheus.HistogramVec // op=submit|respond|lock_view|expire_sweep

	StoreUnavailableTotal *prometheus.CounterVec // op, kind=busy|error
	PendingRequests       prometheus.Gauge
	ExpiredTotal          prometheus.Counter

	NotifyDeliveryTotal *prometheus.CounterVec // result=delivered|retry|dead
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchlock_submit_total",
				Help: "Total submit attempts by result",
			},
			[]string{"result"},
		),
		RespondTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchlock_respond_total",
				Help: "Total provider responses by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchlock_op_latency_ms",
				Help:    "Latency of engine operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		StoreUnavailableTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchlock_store_unavailable_total",
				Help: "Store round-trips that failed and surfaced as unavailable",
			},
			[]string{"op", "kind"},
		),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchlock_pending_requests",
			Help: "Number of pending requests inside their TTL window",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchlock_expired_total",
			Help: "Total number of requests transitioned to expired",
		}),
		NotifyDeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchlock_notify_delivery_total",
				Help: "Push delivery attempts by result",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SubmitTotal,
			m.RespondTotal,
			m.OpLatencyMS,
			m.StoreUnavailableTotal,
			m.PendingRequests,
			m.ExpiredTotal,
			m.NotifyDeliveryTotal,
		)
	}
	return m
}

func (m *Metrics) ObserveLatency(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) IncSubmit(result string) {
	if m == nil {
		return
	}
	m.SubmitTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRespond(result string) {
	if m == nil {
		return
	}
	m.RespondTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncUnavailable(op string, busy bool) {
	if m == nil {
		return
	}
	kind := "error"
	if busy {
		kind = "busy"
	}
	m.StoreUnavailableTotal.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredTotal.Add(float64(n))
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

func (m *Metrics) IncDelivery(result string) {
	if m == nil {
		return
	}
	m.NotifyDeliveryTotal.WithLabelValues(result).Inc()
}
