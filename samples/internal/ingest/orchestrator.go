// Package ingest runs one pass of the source-to-database pipeline: fetch the
// full submission set, normalize each submission, and persist the new ones
// in a single transaction with a savepoint per submission.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/common/messaging"
	"github.com/worldwormmap/wwm-stack/samples/internal/affiliation"
	"github.com/worldwormmap/wwm-stack/samples/internal/auditlog"
	"github.com/worldwormmap/wwm-stack/samples/internal/events"
	"github.com/worldwormmap/wwm-stack/samples/internal/metrics"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/normalizer"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
	"github.com/worldwormmap/wwm-stack/samples/internal/searchindex"
)

// ErrFetchFailed wraps any error from the submission source. Nothing is
// persisted when it is returned.
var ErrFetchFailed = errors.New("fetch submissions")

// debugRecordLimit is how many mapped records a development run logs.
const debugRecordLimit = 3

// Fetcher returns the current full submission set. kobo.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context) ([]normalizer.Submission, error)
}

// Indexer mirrors ingested samples into the search index.
type Indexer interface {
	IndexSamples(ctx context.Context, docs []searchindex.Document) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes per-sample and per-run events after each commit.
func WithEvents(p *events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithIndexer indexes ingested samples after each commit.
func WithIndexer(ix Indexer) Option {
	return func(o *Orchestrator) { o.indexer = ix }
}

// WithDevelopment enables logging of the first mapped records of each run.
func WithDevelopment(dev bool) Option {
	return func(o *Orchestrator) { o.development = dev }
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator coordinates ingestion runs. It is safe to call Run from
// several goroutines: the unique external id keeps concurrent runs from
// creating the same sample twice.
type Orchestrator struct {
	fetcher    Fetcher
	repo       repository.Repository
	normalizer *normalizer.Normalizer
	resolver   *affiliation.Resolver
	audit      *auditlog.Writer
	events     *events.Publisher
	indexer    Indexer
	logger     *slog.Logger

	development bool
	now         func() time.Time
}

// New creates an Orchestrator.
func New(fetcher Fetcher, repo repository.Repository, norm *normalizer.Normalizer, resolver *affiliation.Resolver, audit *auditlog.Writer, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		fetcher:    fetcher,
		repo:       repo,
		normalizer: norm,
		resolver:   resolver,
		audit:      audit,
		events:     events.NewPublisher(nil),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type outcome int

const (
	outcomeIngested outcome = iota
	outcomeDuplicate
)

// ingested is what a committed run hands to the post-commit side channels.
type ingested struct {
	sample *models.Sample
	norm   *normalizer.NormalizedSample
	linked []string
}

// Run fetches, normalizes and persists one batch on behalf of actor.
// A fetch failure returns an error wrapping ErrFetchFailed before anything
// is written. Per-submission failures are counted in the result, never
// returned.
func (o *Orchestrator) Run(ctx context.Context, actor string) (*models.IngestResult, error) {
	result := &models.IngestResult{
		RunID:     uuid.NewString(),
		Actor:     actor,
		StartedAt: o.now().UTC(),
	}
	logger := o.logger.With(logging.RunID(result.RunID), logging.Actor(actor))
	started := time.Now()

	subs, err := o.fetch(ctx)
	if err != nil {
		metrics.IngestRunsTotal.WithLabelValues(actor, metrics.OutcomeFetchError).Inc()
		logger.Error("ingestion aborted: fetch failed", logging.Error(err))
		o.publishRun(ctx, logger, result, err)
		return nil, err
	}
	logger.Info("ingestion started", slog.Int("submissions", len(subs)))

	created, err := o.persist(ctx, logger, actor, subs, result)
	if err != nil {
		metrics.IngestRunsTotal.WithLabelValues(actor, metrics.OutcomeFailed).Inc()
		logger.Error("ingestion failed", logging.Error(err))
		o.publishRun(ctx, logger, result, err)
		return nil, err
	}
	result.FinishedAt = o.now().UTC()

	metrics.IngestRunsTotal.WithLabelValues(actor, metrics.OutcomeSuccess).Inc()
	metrics.IngestRunDuration.Observe(time.Since(started).Seconds())
	metrics.RecordIngestResult(result)

	logger.Info("ingestion finished",
		slog.Int("ingested", result.Ingested),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("errors", result.Errors),
		logging.Duration(time.Since(started).Milliseconds()),
	)

	o.publishSamples(ctx, logger, result, created)
	o.index(ctx, logger, created)
	o.publishRun(ctx, logger, result, nil)

	return result, nil
}

func (o *Orchestrator) fetch(ctx context.Context) ([]normalizer.Submission, error) {
	start := time.Now()
	subs, err := o.fetcher.Fetch(ctx)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	metrics.FetchedSubmissions.Set(float64(len(subs)))
	return subs, nil
}

// persist writes the batch inside one transaction and commits it once.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, actor string, subs []normalizer.Submission, result *models.IngestResult) ([]ingested, error) {
	tx, err := o.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ingestion transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var created []ingested
	debugLogged := 0

	for i, sub := range subs {
		norm, err := o.normalizer.Normalize(sub)
		if err != nil {
			kind := models.ErrorKindPersistence
			var rej *normalizer.RejectionError
			if errors.As(err, &rej) {
				kind = rej.Kind
			}
			logger.Warn("submission rejected", slog.Int("index", i), slog.String("reason", kind))
			result.AddError(kind)
			continue
		}

		if o.development && debugLogged < debugRecordLimit {
			logger.Info("mapped record",
				logging.SampleID(norm.SampleID),
				slog.String("site_name", norm.SiteName),
				slog.Any("gps", norm.GPSRaw),
				slog.Any("affiliation_raw", norm.AffiliationRaw),
			)
			debugLogged++
		}

		out, item, err := o.ingestOne(ctx, tx, actor, norm)
		if err != nil {
			logger.Error("failed to ingest submission", logging.SampleID(norm.SampleID), logging.Error(err))
			result.AddError(models.ErrorKindPersistence)
			continue
		}
		switch out {
		case outcomeDuplicate:
			result.Duplicates++
		case outcomeIngested:
			result.Ingested++
			result.SampleIDs = append(result.SampleIDs, item.sample.ID)
			created = append(created, item)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ingestion batch: %w", err)
	}
	committed = true
	return created, nil
}

// ingestOne persists one normalized submission inside its own savepoint.
// Any error rolls the savepoint back and leaves tx usable.
func (o *Orchestrator) ingestOne(ctx context.Context, tx repository.Tx, actor string, norm *normalizer.NormalizedSample) (outcome, ingested, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return 0, ingested{}, fmt.Errorf("open savepoint: %w", err)
	}
	released := false
	defer func() {
		if !released {
			_ = sp.Rollback(ctx)
		}
	}()

	exists, err := sp.SampleExists(ctx, norm.SampleID)
	if err != nil {
		return 0, ingested{}, fmt.Errorf("check existing sample: %w", err)
	}
	if exists {
		return outcomeDuplicate, ingested{}, nil
	}

	payload, err := norm.RawPayload()
	if err != nil {
		return 0, ingested{}, fmt.Errorf("build raw payload: %w", err)
	}
	siteName := norm.SiteName
	samplingDate := norm.SamplingDate
	sample := &models.Sample{
		ExternalSampleID: norm.SampleID,
		SubmittedBy:      norm.CollectorName,
		Country:          norm.Country,
		SiteName:         &siteName,
		SamplingDate:     &samplingDate,
		Status:           models.StatusPending,
		Notes:            norm.Details.Notes,
		RawPayload:       payload,
		Latitude:         norm.Location.Lat,
		Longitude:        norm.Location.Lon,
		DataSource:       models.DataSourceKobo,
	}
	if err := sp.CreateSample(ctx, sample); err != nil {
		// a concurrent run inserted it after the existence check
		if errors.Is(err, repository.ErrSampleExists) {
			return outcomeDuplicate, ingested{}, nil
		}
		return 0, ingested{}, fmt.Errorf("create sample: %w", err)
	}

	linked, err := o.resolver.Attach(ctx, sp, sample.ID, norm.AffiliationSlugs, norm.AffiliationOther)
	if err != nil {
		return 0, ingested{}, err
	}

	if err := sp.CreateSpeciesEntry(ctx, &models.SpeciesEntry{
		SampleID:      sample.ID,
		SpeciesName:   models.UnidentifiedSpecies,
		IsProvisional: true,
	}); err != nil {
		return 0, ingested{}, fmt.Errorf("create placeholder species: %w", err)
	}

	detail := map[string]string{"external_sample_id": norm.SampleID, "source": models.DataSourceKobo}
	if _, err := o.audit.Write(ctx, sp, actor, auditlog.ActionIngestSample, auditlog.EntitySample, sample.ID, detail); err != nil {
		return 0, ingested{}, fmt.Errorf("write audit entry: %w", err)
	}

	if err := sp.Commit(ctx); err != nil {
		return 0, ingested{}, fmt.Errorf("release savepoint: %w", err)
	}
	released = true
	return outcomeIngested, ingested{sample: sample, norm: norm, linked: linked}, nil
}

// FieldsDebug fetches the batch and maps its first submission the way a run
// would, for checking the survey field mapping.
func (o *Orchestrator) FieldsDebug(ctx context.Context) (*models.FieldsDebug, error) {
	subs, err := o.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return &models.FieldsDebug{Count: 0, Keys: []string{}, Mapped: map[string]interface{}{}}, nil
	}

	latest := subs[0]
	keys := append([]string(nil), latest.Keys()...)
	sort.Strings(keys)

	// a rejected submission still gets the mapping skeleton
	norm, _ := o.normalizer.Normalize(latest)
	return &models.FieldsDebug{
		Count:  len(subs),
		Keys:   keys,
		Mapped: normalizer.Preview(norm),
	}, nil
}

func (o *Orchestrator) publishSamples(ctx context.Context, logger *slog.Logger, result *models.IngestResult, created []ingested) {
	for _, item := range created {
		ev := &events.SampleIngestedEvent{
			ID:               item.sample.ID,
			ExternalSampleID: item.sample.ExternalSampleID,
			RunID:            result.RunID,
			Actor:            result.Actor,
			SiteName:         item.norm.SiteName,
			Country:          item.norm.Country,
			SamplingDate:     item.norm.SamplingDate.Format(time.DateOnly),
			Latitude:         item.sample.Latitude,
			Longitude:        item.sample.Longitude,
			Affiliations:     item.linked,
			IngestedAt:       item.sample.SubmittedAt,
		}
		if err := o.events.PublishSampleIngested(ctx, ev); err != nil {
			metrics.PublishErrors.WithLabelValues(messaging.SubjectSamplesIngested).Inc()
			logger.Warn("failed to publish sample event", logging.SampleID(ev.ExternalSampleID), logging.Error(err))
		}
	}
}

func (o *Orchestrator) publishRun(ctx context.Context, logger *slog.Logger, result *models.IngestResult, runErr error) {
	ev := &events.IngestRunEvent{
		RunID:      result.RunID,
		Actor:      result.Actor,
		Success:    runErr == nil,
		Ingested:   result.Ingested,
		Duplicates: result.Duplicates,
		Errors:     result.Errors,
		StartedAt:  result.StartedAt,
		FinishedAt: o.now().UTC(),
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if err := o.events.PublishIngestRun(ctx, ev); err != nil {
		metrics.PublishErrors.WithLabelValues(messaging.SubjectIngestRuns).Inc()
		logger.Warn("failed to publish run event", logging.Error(err))
	}
}

func (o *Orchestrator) index(ctx context.Context, logger *slog.Logger, created []ingested) {
	if o.indexer == nil || len(created) == 0 {
		return
	}
	now := o.now().UTC()
	docs := make([]searchindex.Document, 0, len(created))
	for _, item := range created {
		docs = append(docs, searchindex.Document{
			ID:               item.sample.ID,
			SampleID:         item.sample.ExternalSampleID,
			Status:           item.sample.Status,
			SiteName:         item.norm.SiteName,
			Country:          item.norm.Country,
			CollectorName:    item.norm.CollectorName,
			SamplingDate:     item.norm.SamplingDate.Format(time.DateOnly),
			Location:         searchindex.Location{Lat: item.sample.Latitude, Lon: item.sample.Longitude},
			Affiliations:     item.linked,
			AffiliationOther: item.norm.AffiliationOther,
			Species:          []string{models.UnidentifiedSpecies},
			DataSource:       item.sample.DataSource,
			IndexedAt:        now,
		})
	}
	if err := o.indexer.IndexSamples(ctx, docs); err != nil {
		metrics.IndexErrors.Inc()
		logger.Warn("failed to index samples", slog.Int("samples", len(docs)), logging.Error(err))
	}
}
