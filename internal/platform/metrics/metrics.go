// Package metrics holds the Prometheus collectors for the sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holovitals_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	HTTPInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "holovitals_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	// SyncJobsCreated counts accepted jobs by type and origin (api, webhook, scheduler).
	SyncJobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_sync_jobs_created_total",
		Help: "Sync jobs created by type and origin.",
	}, []string{"type", "origin"})

	// SyncJobsFinished counts terminal outcomes; requeues are counted in SyncJobRetries.
	SyncJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_sync_jobs_finished_total",
		Help: "Sync jobs reaching a terminal status, by status and provider.",
	}, []string{"status", "provider"})

	SyncJobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_sync_job_retries_total",
		Help: "Automatic requeues by error kind.",
	}, []string{"kind"})

	SyncJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holovitals_sync_job_duration_seconds",
		Help:    "Wall time of a single job attempt by type.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"type"})

	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "holovitals_sync_queue_depth",
		Help: "Jobs currently QUEUED.",
	})

	ResourcesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_resources_synced_total",
		Help: "Resource records written, by resource type and result (created, updated, unchanged, failed).",
	}, []string{"resource_type", "result"})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_conflicts_resolved_total",
		Help: "Field conflicts recorded, by resolution strategy.",
	}, []string{"strategy"})

	ConnectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_connector_errors_total",
		Help: "Connector failures by provider and error kind.",
	}, []string{"provider", "kind"})

	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holovitals_connector_rate_limit_wait_seconds",
		Help:    "Time spent waiting on the vendor token bucket.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	BulkExportResources = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_bulk_export_resources_total",
		Help: "Resources downloaded from vendor bulk exports.",
	}, []string{"provider"})

	BulkExportsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_bulk_exports_finished_total",
		Help: "Bulk exports reaching a terminal status.",
	}, []string{"provider", "status"})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holovitals_webhooks_received_total",
		Help: "Inbound vendor webhooks by provider and outcome.",
	}, []string{"provider", "outcome"})

	AuditPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holovitals_audit_publish_failures_total",
		Help: "Audit events that could not be published to the event stream.",
	})

	DBConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "holovitals_db_pool_conns",
		Help: "Postgres pool connections by state.",
	}, []string{"state"})
)
