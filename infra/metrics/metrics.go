// Package metrics holds the prometheus collectors of the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matching"

type Metrics struct {
	WALAppends       *prometheus.CounterVec
	WALAppendSeconds prometheus.Histogram
	Commands         *prometheus.CounterVec
	LoaderEntries    *prometheus.CounterVec
	LoaderCursor     *prometheus.GaugeVec
	Snapshots        *prometheus.CounterVec
	RelayMessages    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WALAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Entries durably appended to the WAL.",
		}, []string{"instrument"}),
		WALAppendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "append_seconds",
			Help:      "Latency of a synced WAL append.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands by result.",
		}, []string{"instrument", "result"}),
		LoaderEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "entries_total",
			Help:      "WAL entries drained into the store, by outcome.",
		}, []string{"instrument", "outcome"}),
		LoaderCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "last_processed_seq",
			Help:      "Last WAL seq committed to the store.",
		}, []string{"instrument"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Snapshot writes by result.",
		}, []string{"instrument", "result"}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Outbox events handed to the bus, by result.",
		}, []string{"topic", "result"}),
	}

	reg.MustRegister(
		m.WALAppends,
		m.WALAppendSeconds,
		m.Commands,
		m.LoaderEntries,
		m.LoaderCursor,
		m.Snapshots,
		m.RelayMessages,
	)
	return m
}

// NewUnregistered is for tests and tools that do not expose metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
