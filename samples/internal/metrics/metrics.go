package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// Ingestion outcomes recorded on IngestRunsTotal.
const (
	OutcomeSuccess    = "success"
	OutcomeFetchError = "fetch_error"
	OutcomeFailed     = "failed"
)

var (
	// Ingestion run metrics
	IngestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wwm_samples_ingest_runs_total",
			Help: "Total number of ingestion runs",
		},
		[]string{"actor", "outcome"},
	)

	IngestRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wwm_samples_ingest_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LastSuccessfulRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wwm_samples_ingest_last_success_timestamp_seconds",
			Help: "Unix time of the last ingestion run that committed",
		},
	)

	// Per-submission outcomes
	SamplesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wwm_samples_ingest_samples_total",
			Help: "Total number of samples created by ingestion",
		},
	)

	SamplesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wwm_samples_ingest_duplicates_total",
			Help: "Total number of submissions skipped as already ingested",
		},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wwm_samples_ingest_errors_total",
			Help: "Total number of submissions that could not be ingested",
		},
		[]string{"kind"},
	)

	// Source metrics
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wwm_samples_kobo_fetch_duration_seconds",
			Help:    "Duration of Kobo submission fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchedSubmissions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wwm_samples_kobo_last_batch_size",
			Help: "Number of submissions returned by the last Kobo fetch",
		},
	)

	// Curation metrics
	CurationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wwm_samples_curation_actions_total",
			Help: "Total number of curation actions by type",
		},
		[]string{"action"},
	)

	AccessionLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wwm_samples_accession_lookups_total",
			Help: "Total number of accession validations by result",
		},
		[]string{"result"},
	)

	// Side-channel failures (events, search index)
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wwm_samples_publish_errors_total",
			Help: "Total number of event publish failures",
		},
		[]string{"subject"},
	)

	IndexErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wwm_samples_index_errors_total",
			Help: "Total number of sample search index failures",
		},
	)
)

// RecordIngestResult adds the per-submission counts of a committed run.
func RecordIngestResult(r *models.IngestResult) {
	if r == nil {
		return
	}
	SamplesIngested.Add(float64(r.Ingested))
	SamplesDuplicate.Add(float64(r.Duplicates))
	IngestErrors.WithLabelValues(models.ErrorKindMissingIdentifier).Add(float64(r.ErrorKinds.MissingIdentifier))
	IngestErrors.WithLabelValues(models.ErrorKindMissingLocation).Add(float64(r.ErrorKinds.MissingLocation))
	IngestErrors.WithLabelValues(models.ErrorKindPersistence).Add(float64(r.ErrorKinds.Persistence))
	if !r.FinishedAt.IsZero() {
		LastSuccessfulRun.Set(float64(r.FinishedAt.Unix()))
	}
}
