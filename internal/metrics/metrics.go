// Package metrics holds the prometheus collectors of the sync layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alatele"

var (
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from optimistic append to server confirmation or rollback.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic cache mutations that were rolled back.",
		},
		[]string{"scope_kind"},
	)

	RefetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refetch_failures_total",
			Help:      "Failed refetches; the cache keeps its last good contents.",
		},
		[]string{"scope_kind"},
	)

	UploadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Attachment bytes uploaded to the backend.",
		},
	)

	ActiveScopes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scopes",
			Help:      "Scopes currently polled.",
		},
	)
)

// ScopeKind collapses a scope key into a low-cardinality label.
func ScopeKind(scope string) string {
	if scope == "public" {
		return "public"
	}
	return "private"
}

func Handler() http.Handler {
	return promhttp.Handler()
}
