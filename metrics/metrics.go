package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drugnet_cache_lookups_total",
			Help: "Cache lookups by namespace and result (hit, miss, shared).",
		},
		[]string{"namespace", "result"},
	)
	SourceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drugnet_source_fetches_total",
			Help: "Upstream fetches by source and outcome (ok, not_found, transient, client_fault).",
		},
		[]string{"source", "outcome"},
	)
	SourceRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drugnet_source_retries_total",
			Help: "Retry attempts against upstream sources.",
		},
		[]string{"source"},
	)
	DrugUpserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drugnet_drug_upserts_total",
			Help: "Canonical drug writes by result (inserted, updated, skipped, failed).",
		},
		[]string{"result"},
	)
	IngestionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drugnet_ingestion_runs_total",
			Help: "Completed ingestion runs by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(CacheLookups, SourceFetches, SourceRetries, DrugUpserts, IngestionRuns)
}
