package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/common/messaging"
	"github.com/worldwormmap/wwm-stack/samples/internal/accession"
	"github.com/worldwormmap/wwm-stack/samples/internal/auditlog"
	"github.com/worldwormmap/wwm-stack/samples/internal/events"
	"github.com/worldwormmap/wwm-stack/samples/internal/metrics"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AccessionValidator checks accessions. accession.Validator satisfies it.
type AccessionValidator interface {
	Validate(ctx context.Context, accession string) accession.Result
}

// StatusIndexer propagates status changes to the search index.
type StatusIndexer interface {
	UpdateStatus(ctx context.Context, id int64, status string) error
}

// SchedulerState is the scheduler view reported by Health.
type SchedulerState interface {
	Running() bool
	NextRun() time.Time
	LastResult() *models.IngestResult
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes a curated event after each curation commit.
func WithEvents(p *events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithIndexer mirrors status changes into the search index.
func WithIndexer(ix StatusIndexer) Option {
	return func(s *Service) { s.indexer = ix }
}

// Service provides the curation and listing operations.
type Service struct {
	repo      repository.Repository
	audit     *auditlog.Writer
	accession AccessionValidator
	events    *events.Publisher
	indexer   StatusIndexer
	logger    *slog.Logger
}

// NewService creates a new Service instance
func NewService(repo repository.Repository, audit *auditlog.Writer, validator AccessionValidator, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		audit:     audit,
		accession: validator,
		events:    events.NewPublisher(nil),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApproveSample sets the review status of a sample.
func (s *Service) ApproveSample(ctx context.Context, id int64, req *models.ApprovalRequest, actor string) (*models.ApprovalResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	err := s.inTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetSample(ctx, id); err != nil {
			return err
		}
		if err := tx.UpdateSampleStatus(ctx, id, req.Status); err != nil {
			return fmt.Errorf("update sample status: %w", err)
		}
		_, err := s.audit.Write(ctx, tx, actor, auditlog.ActionApproveSample, auditlog.EntitySample, id,
			map[string]string{"status": req.Status})
		return err
	})
	if err != nil {
		return nil, err
	}

	detail := map[string]string{"status": req.Status}
	s.curated(ctx, auditlog.ActionApproveSample, actor, auditlog.EntitySample, id, id, detail)
	if s.indexer != nil {
		if err := s.indexer.UpdateStatus(ctx, id, req.Status); err != nil {
			metrics.IndexErrors.Inc()
			s.logger.Warn("failed to update indexed status", slog.Int64("id", id), logging.Error(err))
		}
	}
	return &models.ApprovalResponse{ID: id, Status: req.Status}, nil
}

// AddSpecies attaches a curated, non-provisional species to a sample.
func (s *Service) AddSpecies(ctx context.Context, sampleID int64, req *models.SpeciesRequest, actor string) (*models.SpeciesEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	curator := actor
	entry := &models.SpeciesEntry{
		SampleID:      sampleID,
		SpeciesName:   req.SpeciesName,
		IsProvisional: false,
		CuratedBy:     &curator,
	}
	detail := map[string]interface{}{"sample_id": sampleID, "species_name": entry.SpeciesName}

	err := s.inTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetSample(ctx, sampleID); err != nil {
			return err
		}
		if err := tx.CreateSpeciesEntry(ctx, entry); err != nil {
			return fmt.Errorf("create species entry: %w", err)
		}
		_, err := s.audit.Write(ctx, tx, actor, auditlog.ActionAddSpecies, auditlog.EntitySampleSpecies, entry.ID, detail)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.curated(ctx, auditlog.ActionAddSpecies, actor, auditlog.EntitySampleSpecies, entry.ID, sampleID, detail)
	return entry, nil
}

// AddGenomicRecord links an accession to a species entry. The accession is
// validated before the transaction opens so no lookup runs while it is held.
func (s *Service) AddGenomicRecord(ctx context.Context, speciesEntryID int64, req *models.GenomicsRequest, actor string) (*models.GenomicRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	entry, err := s.repo.GetSpeciesEntry(ctx, speciesEntryID)
	if err != nil {
		return nil, err
	}

	acc := strings.TrimSpace(req.Accession)
	validation := s.accession.Validate(ctx, acc)

	record := &models.GenomicRecord{
		SampleSpeciesID:    speciesEntryID,
		Accession:          acc,
		AccessionValidated: validation.Validated,
		ResolvedURL:        validation.ResolvedURL,
	}
	detail := map[string]interface{}{
		"sample_species_id": speciesEntryID,
		"accession":         req.Accession,
		"validated":         validation.Validated,
	}

	err = s.inTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateGenomicRecord(ctx, record); err != nil {
			return fmt.Errorf("create genomic record: %w", err)
		}
		_, err := s.audit.Write(ctx, tx, actor, auditlog.ActionAddGenomicRecord, auditlog.EntityGenomicRecord, record.ID, detail)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.curated(ctx, auditlog.ActionAddGenomicRecord, actor, auditlog.EntityGenomicRecord, record.ID, entry.SampleID, detail)
	return record, nil
}

// ListSamples returns sample summaries, newest first.
func (s *Service) ListSamples(ctx context.Context, filter models.SampleFilter) ([]*models.SampleSummary, error) {
	filter.Status = strings.TrimSpace(filter.Status)
	filter.Species = strings.TrimSpace(filter.Species)
	filter.Affiliation = strings.TrimSpace(filter.Affiliation)
	return s.repo.ListSamples(ctx, filter)
}

// ListSpecies returns species names with their sample counts.
func (s *Service) ListSpecies(ctx context.Context) ([]*models.SpeciesCount, error) {
	return s.repo.ListSpeciesCounts(ctx)
}

// ListAffiliations returns every canonical affiliation by slug.
func (s *Service) ListAffiliations(ctx context.Context) ([]*models.AffiliationSummary, error) {
	return s.repo.ListAffiliations(ctx)
}

// ListAudit returns the newest audit entries with their signatures checked.
func (s *Service) ListAudit(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	if limit < 1 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	entries, err := s.repo.ListAudit(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		e.Verified = s.audit.Verify(e)
		if !e.Verified {
			s.logger.Warn("audit entry signature mismatch", slog.Int64("id", e.ID))
		}
	}
	return entries, nil
}

// Health reports database connectivity and scheduler state. sched may be nil.
func (s *Service) Health(ctx context.Context, sched SchedulerState) *models.HealthResponse {
	resp := &models.HealthResponse{Status: "ok", Database: "connected", Scheduler: "stopped"}

	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Warn("database ping failed", logging.Error(err))
		resp.Status = "degraded"
		resp.Database = "unavailable"
	}

	if sched != nil {
		if sched.Running() {
			resp.Scheduler = "running"
			if next := sched.NextRun(); !next.IsZero() {
				resp.NextRun = &next
			}
		}
		resp.LastResult = sched.LastResult()
	}
	return resp
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Service) inTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Service) curated(ctx context.Context, action, actor, entityType string, entityID, sampleID int64, detail interface{}) {
	metrics.CurationActions.WithLabelValues(action).Inc()

	err := s.events.PublishSampleCurated(ctx, &events.SampleCuratedEvent{
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		SampleID:   sampleID,
		Detail:     detail,
		CuratedAt:  time.Now().UTC(),
	})
	if err != nil {
		metrics.PublishErrors.WithLabelValues(messaging.SubjectSamplesCurated).Inc()
		s.logger.Warn("failed to publish curated event", slog.String("action", action), logging.Error(err))
	}
}
