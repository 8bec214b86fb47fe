// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package watchdog

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one manager.  Each manager
// has its own registry, so that several can live in one process (tests do
// this).  A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	starts            *prometheus.CounterVec
	exits             *prometheus.CounterVec
	handshakeTimeouts *prometheus.CounterVec
	spawnFailures     *prometheus.CounterVec
	requests          *prometheus.CounterVec
	state             *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_instance_starts_total",
				Help: "Number of times a child process was launched.",
			},
			[]string{"instance"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_instance_exits_total",
				Help: "Child process exits, by classified reason.",
			},
			[]string{"instance", "reason"},
		),
		handshakeTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_handshake_timeouts_total",
				Help: "Children that never connected back.",
			},
			[]string{"instance"},
		),
		spawnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_spawn_failures_total",
				Help: "Failures to create a child process.",
			},
			[]string{"instance"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_control_requests_total",
				Help: "Control channel requests, by type and outcome.",
			},
			[]string{"type", "result"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "watchdog_instance_state",
				Help: "Current lifecycle state of each instance (1 for the active state).",
			},
			[]string{"instance", "state"},
		),
	}
	m.registry.MustRegister(m.starts, m.exits, m.handshakeTimeouts,
		m.spawnFailures, m.requests, m.state)
	return m
}

func (m *Metrics) Start(id string) {
	if m != nil {
		m.starts.WithLabelValues(id).Inc()
	}
}

func (m *Metrics) Exit(id string, reason string) {
	if m != nil {
		m.exits.WithLabelValues(id, reason).Inc()
	}
}

func (m *Metrics) HandshakeTimeout(id string) {
	if m != nil {
		m.handshakeTimeouts.WithLabelValues(id).Inc()
	}
}

func (m *Metrics) SpawnFailure(id string) {
	if m != nil {
		m.spawnFailures.WithLabelValues(id).Inc()
	}
}

// Request counts a control request.
func (m *Metrics) Request(typ string, result string) {
	if m != nil {
		m.requests.WithLabelValues(typ, result).Inc()
	}
}

// State records the current state of an instance.
func (m *Metrics) State(id string, st State) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == st {
			v = 1
		}
		m.state.WithLabelValues(id, s.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
