/*
Copyright 2026 The Netenforcer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the enforcer's own Prometheus registry, separate
// from the global default registry, keeping internal and externally
// exported metric registries apart.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this daemon exports.
type Registry struct {
	registry *prometheus.Registry

	clients          prometheus.Gauge
	occupancy        prometheus.Histogram
	tcFailures       *prometheus.CounterVec
	tcCommandSeconds *prometheus.HistogramVec
}

// NewRegistry builds a fresh registry with every metric registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netenforcer_clients",
			Help: "Current number of clients tracked in the Client Table.",
		}),
		occupancy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netenforcer_occupancy_ratio",
			Help:    "Observed occupancy ratios returned by GetOccupancy.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		tcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netenforcer_tc_command_failures_total",
			Help: "Count of failed tc(8) subprocess invocations, by verb.",
		}, []string{"verb"}),
		tcCommandSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netenforcer_tc_command_duration_seconds",
			Help:    "Latency of tc(8) subprocess invocations, by verb.",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
	}
	r.registry.MustRegister(r.clients, r.occupancy, r.tcFailures, r.tcCommandSeconds)
	return r
}

// Gatherer exposes the underlying registry for a promhttp.Handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// SetClientCount records the current size of the Client Table.
func (r *Registry) SetClientCount(n int) {
	r.clients.Set(float64(n))
}

// ObserveOccupancy records one GetOccupancy result.
func (r *Registry) ObserveOccupancy(ratio float64) {
	r.occupancy.Observe(ratio)
}

// ObserveTCCommand records the outcome and latency of one tc(8)
// subprocess invocation for verb (e.g. "qdisc", "class", "filter").
func (r *Registry) ObserveTCCommand(verb string, seconds float64, err error) {
	r.tcCommandSeconds.WithLabelValues(verb).Observe(seconds)
	if err != nil {
		r.tcFailures.WithLabelValues(verb).Inc()
	}
}
