package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Number of sessions started, by manager kind.",
		}, []string{"kind"},
	)
	sessionsStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "session",
			Name:      "stopped_total",
			Help:      "Number of sessions stopped, by manager kind.",
		}, []string{"kind"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simvisor",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions per manager kind.",
		}, []string{"kind"},
	)
	lockDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "lock",
			Name:      "denied_total",
			Help:      "Acquire attempts rejected because the key was held.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "One-shot commands by outcome (ok, nonzero, timeout, canceled, launch_error).",
		}, []string{"outcome"},
	)
	commandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "simvisor",
			Subsystem: "exec",
			Name:      "command_duration_seconds",
			Help:      "Wall time of one-shot commands.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	logEntriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "logcapture",
			Name:      "entries_dropped_total",
			Help:      "Log entries overwritten in capture ring buffers.",
		},
	)
	artifactsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "artifacts",
			Name:      "evicted_total",
			Help:      "Artifacts removed by reason (cap, ttl, stale).",
		}, []string{"reason"},
	)
	artifactBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simvisor",
			Subsystem: "artifacts",
			Name:      "stored_bytes",
			Help:      "Total bytes held by live artifact entries.",
		},
	)
	subprocessRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simvisor",
			Subsystem: "session",
			Name:      "subprocess_rss_bytes",
			Help:      "Resident memory of a session's subprocess.",
		}, []string{"kind", "id"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionsStarted, sessionsStopped, activeSessions, lockDenied, commands,
		commandDuration, logEntriesDropped, artifactsEvicted, artifactBytes, subprocessRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SessionStarted(kind string) {
	if regOK.Load() {
		sessionsStarted.WithLabelValues(kind).Inc()
		activeSessions.WithLabelValues(kind).Inc()
	}
}

func SessionStopped(kind string) {
	if regOK.Load() {
		sessionsStopped.WithLabelValues(kind).Inc()
		activeSessions.WithLabelValues(kind).Dec()
	}
}

func IncLockDenied() {
	if regOK.Load() {
		lockDenied.Inc()
	}
}

func ObserveCommand(outcome string, seconds float64) {
	if regOK.Load() {
		commands.WithLabelValues(outcome).Inc()
		commandDuration.Observe(seconds)
	}
}

func AddLogEntriesDropped(n uint64) {
	if regOK.Load() && n > 0 {
		logEntriesDropped.Add(float64(n))
	}
}

func IncArtifactEvicted(reason string) {
	if regOK.Load() {
		artifactsEvicted.WithLabelValues(reason).Inc()
	}
}

func SetArtifactBytes(n int64) {
	if regOK.Load() {
		artifactBytes.Set(float64(n))
	}
}

func SetSubprocessRSS(kind, id string, bytes uint64) {
	if regOK.Load() {
		subprocessRSS.WithLabelValues(kind, id).Set(float64(bytes))
	}
}

func DeleteSubprocessRSS(kind, id string) {
	if regOK.Load() {
		subprocessRSS.DeleteLabelValues(kind, id)
	}
}
