package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records channel traffic. A nil *Metrics is a no-op.
type Metrics struct {
	callsSent        *prometheus.CounterVec
	repliesMatched   prometheus.Counter
	timeouts         prometheus.Counter
	unmatched        prometheus.Counter
	eventsDispatched *prometheus.CounterVec
	pending          prometheus.Gauge
}

// NewMetrics registers the channel collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "channel",
			Name:      "calls_sent_total",
			Help:      "Requests posted to the host, by call mode",
		}, []string{"mode"}),
		repliesMatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "channel",
			Name:      "replies_matched_total",
			Help:      "Responses matched to a pending call",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "channel",
			Name:      "timeouts_total",
			Help:      "Calls that expired without a response",
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "channel",
			Name:      "unmatched_responses_total",
			Help:      "Responses dropped because no call was pending",
		}),
		eventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "channel",
			Name:      "events_dispatched_total",
			Help:      "Host events delivered to local handlers",
		}, []string{"event"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Subsystem: "channel",
			Name:      "pending_calls",
			Help:      "Calls currently awaiting a response",
		}),
	}
}

func (m *Metrics) sent(mode string) {
	if m == nil {
		return
	}
	m.callsSent.WithLabelValues(mode).Inc()
	m.pending.Inc()
}

func (m *Metrics) matched(final bool) {
	if m == nil {
		return
	}
	m.repliesMatched.Inc()
	if final {
		m.pending.Dec()
	}
}

func (m *Metrics) timedOut() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
	m.pending.Dec()
}

func (m *Metrics) abandoned() {
	if m == nil {
		return
	}
	m.pending.Dec()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) dispatched(event string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(event).Inc()
}
