package devhost

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections   prometheus.Gauge
	hostCalls     *prometheus.CounterVec
	eventsPushed  *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	functionCalls *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Subsystem: "devhost",
			Name:      "bridge_connections",
			Help:      "Applications currently connected to the bridge",
		}),
		hostCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "devhost",
			Name:      "host_calls_total",
			Help:      "Host function calls served, by function and outcome",
		}, []string{"func", "outcome"}),
		eventsPushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "devhost",
			Name:      "events_pushed_total",
			Help:      "Host events delivered to connections",
		}, []string{"event"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "devhost",
			Name:      "token_requests_total",
			Help:      "Token requests, by kind",
		}, []string{"kind"}),
		functionCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "devhost",
			Name:      "function_calls_total",
			Help:      "Function backend calls, by outcome",
		}, []string{"outcome"}),
	}
}
