// SPDX-License-Identifier: MIT

// Package metrics exposes the gateway's fleet-monitoring surface as
// Prometheus metrics, the direct replacement for the hand-rolled
// text-format /metrics endpoint the teacher daemon wrote by hand: this
// package uses github.com/prometheus/client_golang instead, since the
// gateway tracks a fleet of many devices (per-unit_id label cardinality)
// rather than a handful of named streams.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the narrow interface the rest of the gateway depends on, so
// the poller, Device Client, and orchestrator never import Prometheus
// directly (spec.md §1 treats metrics as a "sink interface", an
// external collaborator with a contract only).
type Sink interface {
	SetReachable(unitID string, reachable bool)
	SetConsecutiveFailures(unitID string, n int)
	IncPollCycle()
	ObserveCommand(unitID, command string, seconds float64, ok bool)
	SetStreamActive(unitID string, active bool)
}

// Registry owns every metric the gateway exports and the HTTP handler
// that serves them. It implements Sink.
type Registry struct {
	reg *prometheus.Registry

	reachable    *prometheus.GaugeVec
	failures     *prometheus.GaugeVec
	pollCycles   prometheus.Counter
	commandDur   *prometheus.HistogramVec
	streamActive *prometheus.GaugeVec
}

// NewRegistry constructs a Registry with every gateway metric registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		reachable: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slmgateway",
			Name:      "device_reachable",
			Help:      "Is the device currently reachable (1=reachable, 0=unreachable).",
		}, []string{"unit_id"}),
		failures: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slmgateway",
			Name:      "device_consecutive_failures",
			Help:      "Consecutive poll failures for the device since it was last reachable.",
		}, []string{"unit_id"}),
		pollCycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "slmgateway",
			Name:      "poll_cycles_total",
			Help:      "Total poll cycles run by the background poller.",
		}),
		commandDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slmgateway",
			Name:      "device_command_duration_seconds",
			Help:      "Latency of a single Device Client command exchange.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"unit_id", "command", "outcome"}),
		streamActive: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slmgateway",
			Name:      "device_stream_active",
			Help:      "Is a DRD live stream currently open for the device (1=active, 0=idle).",
		}, []string{"unit_id"}),
	}
	return r
}

// SetReachable records a device's reachability transition (spec C7/C9).
func (r *Registry) SetReachable(unitID string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	r.reachable.WithLabelValues(unitID).Set(v)
}

// SetConsecutiveFailures records the running failure count (spec C7 P4).
func (r *Registry) SetConsecutiveFailures(unitID string, n int) {
	r.failures.WithLabelValues(unitID).Set(float64(n))
}

// IncPollCycle records one completed poller iteration (spec C9).
func (r *Registry) IncPollCycle() {
	r.pollCycles.Inc()
}

// ObserveCommand records the duration of a single command exchange
// (spec C6), labeled by outcome ("ok" or "error") for latency-by-outcome
// dashboards.
func (r *Registry) ObserveCommand(unitID, command string, seconds float64, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.commandDur.WithLabelValues(unitID, command, outcome).Observe(seconds)
}

// SetStreamActive records whether a DRD stream is open for a device
// (spec C6 streaming path / §9's poll-vs-stream contention note).
func (r *Registry) SetStreamActive(unitID string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	r.streamActive.WithLabelValues(unitID).Set(v)
}

// Handler returns the http.Handler serving the Prometheus exposition
// format for every metric in r.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
