package repository

import (
	"context"
	"errors"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

var (
	ErrSampleNotFound       = errors.New("sample not found")
	ErrSpeciesEntryNotFound = errors.New("sample species entry not found")
	ErrSampleExists         = errors.New("sample with this external id already exists")
	ErrTxDone               = errors.New("transaction already committed or rolled back")
)

// Repository is the sample store. Writes go through a transaction from Begin.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)

	GetSample(ctx context.Context, id int64) (*models.Sample, error)
	GetSpeciesEntry(ctx context.Context, id int64) (*models.SpeciesEntry, error)
	ListSamples(ctx context.Context, filter models.SampleFilter) ([]*models.SampleSummary, error)
	ListSpeciesCounts(ctx context.Context) ([]*models.SpeciesCount, error)
	ListAffiliations(ctx context.Context) ([]*models.AffiliationSummary, error)
	ListAudit(ctx context.Context, limit int) ([]*models.AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a unit of work. Begin on a Tx opens a nested transaction whose
// Rollback undoes only its own writes.
type Tx interface {
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	SampleExists(ctx context.Context, externalID string) (bool, error)
	// CreateSample inserts s and sets its ID and SubmittedAt. A duplicate
	// external id returns ErrSampleExists.
	CreateSample(ctx context.Context, s *models.Sample) error
	GetSample(ctx context.Context, id int64) (*models.Sample, error)
	UpdateSampleStatus(ctx context.Context, id int64, status string) error

	GetOrCreateAffiliation(ctx context.Context, slug, displayName string) (*models.Affiliation, error)
	LinkAffiliation(ctx context.Context, sampleID, affiliationID int64) error

	CreateSpeciesEntry(ctx context.Context, e *models.SpeciesEntry) error
	GetSpeciesEntry(ctx context.Context, id int64) (*models.SpeciesEntry, error)
	CreateGenomicRecord(ctx context.Context, g *models.GenomicRecord) error

	// AppendAudit stores e as given; audit rows are never updated.
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}
