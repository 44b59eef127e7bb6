// Package metrics defines the Prometheus collectors for the ingestion and
// enrichment pipeline. Collectors are registered at import time via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_ingested_total",
			Help: "Total number of normalized events delivered to the sink",
		},
		[]string{"engine"},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_parse_failures_total",
			Help: "Total number of raw messages dropped due to parse failures",
		},
		[]string{"protocol"},
	)

	DLQEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_dlq_events_total",
			Help: "Total number of malformed events written to the dead letter queue",
		},
		[]string{"protocol", "reason"},
	)

	AgentStreamsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_agent_streams_rejected_total",
			Help: "Total number of agent streams rejected for failed authentication",
		},
	)

	BufferedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_agent_buffered_events",
			Help: "Number of events currently held in the agent durability buffer",
		},
	)

	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_poll_ticks_total",
			Help: "Total polling ticks by connector and outcome",
		},
		[]string{"connector", "outcome"},
	)

	TokenExchanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_token_exchanges_total",
			Help: "Total OAuth2 client-credentials token exchanges performed",
		},
	)

	EnrichmentJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_enrichment_jobs_total",
			Help: "Total enrichment jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	IntelCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_intel_cache_hits_total",
			Help: "Total enrichment jobs short-circuited by a valid cache entry",
		},
	)

	ProviderLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_provider_lookups_total",
			Help: "Total provider lookups by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_provider_lookup_duration_seconds",
			Help:    "Time taken for provider lookups",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)
