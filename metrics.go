package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// relayMetrics holds the relay's collectors on their own registry so tests
// can build as many as they like.
type relayMetrics struct {
	registry        *prometheus.Registry
	Commands        *prometheus.CounterVec
	Forwards        *prometheus.CounterVec
	ForwardDuration prometheus.Histogram
	HostActions     *prometheus.CounterVec
} // type relayMetrics struct

func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{registry: prometheus.NewRegistry()}

	m.Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vlcrelay_commands_total",
		Help: "Inbound command lines by transport and classification",
	}, []string{"transport", "kind"})

	m.Forwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vlcrelay_forwards_total",
		Help: "Forward attempts to the control target by result",
	}, []string{"result"})

	m.ForwardDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vlcrelay_forward_duration_seconds",
		Help:    "Duration of forward attempts",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	m.HostActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vlcrelay_host_actions_total",
		Help: "Local host actions by action and result",
	}, []string{"action", "result"})

	m.registry.MustRegister(
		m.Commands,
		m.Forwards,
		m.ForwardDuration,
		m.HostActions,
		collectors.NewGoCollector(),
	)

	return m
} // func newRelayMetrics()
