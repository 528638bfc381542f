// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package metrics owns the Prometheus registry and the instrument set shared
// by the poller, rule engine and importer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics is the instrument set. Constructed once at startup and passed into
// each component.
type Metrics struct {
	registry *prometheus.Registry

	PollCycles        *prometheus.CounterVec
	PollDuration      prometheus.Histogram
	ActiveSessions    *prometheus.GaugeVec
	SessionsStarted   *prometheus.CounterVec
	SessionsStopped   *prometheus.CounterVec
	ServerFetchErrors *prometheus.CounterVec

	RuleChecks      *prometheus.CounterVec
	RuleErrors      *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	RuleEvalSeconds prometheus.Histogram

	ImportJobs        *prometheus.CounterVec
	ImportRecords     *prometheus.CounterVec
	ImportJobDuration prometheus.Histogram

	CacheWriteErrors prometheus.Counter
}

// New builds the registry and registers every instrument plus the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "poller",
			Name: "cycles_total", Help: "Poll cycles per server, by outcome.",
		}, []string{"server", "outcome"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamsentry", Subsystem: "poller",
			Name: "cycle_seconds", Help: "Full poll cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamsentry", Subsystem: "sessions",
			Name: "active", Help: "Active sessions per server.",
		}, []string{"server"}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "sessions",
			Name: "started_total", Help: "Sessions started per server.",
		}, []string{"server"}),
		SessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "sessions",
			Name: "stopped_total", Help: "Sessions finalized per server.",
		}, []string{"server"}),
		ServerFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "poller",
			Name: "fetch_errors_total", Help: "Failed session fetches per server.",
		}, []string{"server"}),

		RuleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "rules",
			Name: "checks_total", Help: "Rule checks by rule type.",
		}, []string{"rule_type"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "rules",
			Name: "errors_total", Help: "Rule check failures by rule type.",
		}, []string{"rule_type"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "rules",
			Name: "violations_total", Help: "Violations created by rule type and severity.",
		}, []string{"rule_type", "severity"}),
		RuleEvalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamsentry", Subsystem: "rules",
			Name: "batch_seconds", Help: "Rule evaluation duration per new-session batch.",
			Buckets: prometheus.DefBuckets,
		}),

		ImportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "import",
			Name: "jobs_total", Help: "Import jobs by terminal state.",
		}, []string{"source", "state"}),
		ImportRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "import",
			Name: "records_total", Help: "Import records by disposition.",
		}, []string{"source", "disposition"}),
		ImportJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamsentry", Subsystem: "import",
			Name: "job_seconds", Help: "Import job execution duration.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 7200, 14400},
		}),

		CacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamsentry", Subsystem: "cache",
			Name: "write_errors_total", Help: "Non-fatal cache write failures.",
		}),
	}

	reg.MustRegister(
		m.PollCycles, m.PollDuration, m.ActiveSessions,
		m.SessionsStarted, m.SessionsStopped, m.ServerFetchErrors,
		m.RuleChecks, m.RuleErrors, m.Violations, m.RuleEvalSeconds,
		m.ImportJobs, m.ImportRecords, m.ImportJobDuration,
		m.CacheWriteErrors,
	)
	return m
}

// Registry exposes the registry for the ops HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
