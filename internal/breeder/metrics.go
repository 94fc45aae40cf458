/*
Copyright 2020 GramLabs, Inc.

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

package breeder

import (
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics publishes per-worker progress to a Prometheus Pushgateway so
// the optimization itself can be watched alongside the targets it tunes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	pusher *push.Pusher
	log    logr.Logger

	iterations    *prometheus.CounterVec
	objectiveBest prometheus.Gauge
	objectiveLast prometheus.Gauge
	state         *prometheus.GaugeVec
}

// NewMetrics creates a pushgateway publisher grouped by worker. The
// gateway address may be empty, disabling publication.
func NewMetrics(gateway, workerID string, log logr.Logger) *Metrics {
	if gateway == "" {
		return nil
	}

	m := &Metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breeder_iterations_total",
			Help: "Breeding iterations by outcome.",
		}, []string{"outcome"}),
		objectiveBest: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "breeder_objective_best",
			Help: "Best objective score reported so far.",
		}),
		objectiveLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "breeder_objective_last",
			Help: "Objective score of the most recent completed trial.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breeder_worker_state",
			Help: "Current worker state (1 for the active state).",
		}, []string{"state"}),
		log: log,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(m.iterations, m.objectiveBest, m.objectiveLast, m.state)

	m.pusher = push.New(gateway, "breeder").
		Grouping("worker", workerID).
		Gatherer(registry)

	return m
}

func (m *Metrics) SetState(s State) {
	if m == nil {
		return
	}
	m.state.Reset()
	m.state.WithLabelValues(string(s)).Set(1)
}

func (m *Metrics) ObserveIteration(outcome string) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveScore(last float64, best float64) {
	if m == nil {
		return
	}
	m.objectiveLast.Set(last)
	m.objectiveBest.Set(best)
}

// Push publishes the current snapshot. Push failures are logged and
// swallowed; telemetry must never stall the breeding loop.
func (m *Metrics) Push() {
	if m == nil {
		return
	}
	if err := m.pusher.Push(); err != nil {
		m.log.V(1).Info("Failed to push worker metrics", "error", err.Error())
	}
}
