// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Prometheus instrumentation shared by the
// cache, differencing engine and reconciliation controller. Each component
// takes a *Metrics (or nil, in which case recording is a no-op) rather than
// reaching for a package-global registry, so tests can run with isolated
// registries.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges recorded across the engine.
type Metrics struct {
	CacheEntries   prometheus.Gauge
	FetchesStarted prometheus.Counter
	FetchesFailed  prometheus.Counter
	FetchesRetried prometheus.Counter
	SessionsActive prometheus.Gauge
	SessionsStalled prometheus.Counter
	SessionsAborted prometheus.Counter
	NamesEmitted   prometheus.Counter
	NodesSplit     prometheus.Counter
}

// NewMetrics registers a fresh set of collectors on reg and returns the
// bundle. Passing a nil Registerer registers on the default global
// registry, matching the trillian server binaries' convention.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccnxsync",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of hash cache entries currently held.",
		}),
		FetchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "fetch",
			Name:      "started_total",
			Help:      "Node fetches started.",
		}),
		FetchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "fetch",
			Name:      "failed_total",
			Help:      "Node fetches that failed (timeout or verification failure).",
		}),
		FetchesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "fetch",
			Name:      "retried_total",
			Help:      "Node fetches retried after an initial failure.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccnxsync",
			Subsystem: "session",
			Name:      "active",
			Help:      "Differencing sessions currently running.",
		}),
		SessionsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "session",
			Name:      "stalled_total",
			Help:      "Sessions that logged a stall warning.",
		}),
		SessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "session",
			Name:      "aborted_total",
			Help:      "Sessions that aborted past the stall deadline.",
		}),
		NamesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "diff",
			Name:      "names_emitted_total",
			Help:      "Names emitted by the differencing engine.",
		}),
		NodesSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccnxsync",
			Subsystem: "builder",
			Name:      "node_splits_total",
			Help:      "Leaf/internal node splits performed by the tree builder.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.CacheEntries, m.FetchesStarted, m.FetchesFailed, m.FetchesRetried,
		m.SessionsActive, m.SessionsStalled, m.SessionsAborted, m.NamesEmitted,
		m.NodesSplit,
	} {
		// Registration errors, including re-registration (e.g. in repeated
		// tests against the default registry), are ignored: the registry
		// keeps the collector registered first, and the fresh one in m
		// stays unregistered.
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
			}
		}
	}
	return m
}
