// Package metrics declares the process's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts provider list pages fetched, per object kind.
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stripesync_pages_fetched_total",
		Help: "Count of provider list pages fetched.",
	}, []string{"object"})

	// RowsUpserted counts entity writes by outcome
	// (inserted, updated, skipped, errored, ignored).
	RowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stripesync_rows_upserted_total",
		Help: "Count of entity rows written, by outcome.",
	}, []string{"object", "outcome"})

	// Events counts ingested events by outcome
	// (applied, deleted, skipped, ignored, errored, rejected).
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stripesync_events_total",
		Help: "Count of ingested events, by outcome.",
	}, []string{"outcome"})

	// TaskClaims counts claim attempts by result
	// (claimed, empty, rate_limited).
	TaskClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stripesync_task_claims_total",
		Help: "Count of object-run claim attempts, by result.",
	}, []string{"result"})

	// RunsClosed counts sync runs closed by final status.
	RunsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stripesync_runs_closed_total",
		Help: "Count of sync runs closed, by final status.",
	}, []string{"status"})

	// ProviderRequests counts provider API round trips.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stripesync_provider_requests_total",
		Help: "Count of provider API requests, by method and status class.",
	}, []string{"method", "status"})
)
