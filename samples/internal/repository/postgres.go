package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/worldwormmap/wwm-stack/common/database"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL with PostGIS.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Begin starts a READ COMMITTED transaction.
func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (r *PostgresRepository) GetSample(ctx context.Context, id int64) (*models.Sample, error) {
	return getSample(ctx, r.pool, id)
}

func (r *PostgresRepository) GetSpeciesEntry(ctx context.Context, id int64) (*models.SpeciesEntry, error) {
	return getSpeciesEntry(ctx, r.pool, id)
}

const listSamplesQuery = `
	SELECT s.id, s.external_sample_id, s.submitted_by, s.country, s.site_name, s.sampling_date,
	       s.status, s.submitted_at, s.notes, s.raw_payload, s.latitude, s.longitude, s.data_source,
	       COALESCE((SELECT array_agg(a.name ORDER BY sa.id)
	                   FROM sample_affiliations sa
	                   JOIN affiliations a ON a.id = sa.affiliation_id
	                  WHERE sa.sample_id = s.id), '{}') AS affiliations,
	       COALESCE((SELECT array_agg(sp.species_name ORDER BY sp.id)
	                   FROM sample_species sp
	                  WHERE sp.sample_id = s.id), '{}') AS species,
	       EXISTS (SELECT 1
	                 FROM genomic_records g
	                 JOIN sample_species sp ON sp.id = g.sample_species_id
	                WHERE sp.sample_id = s.id) AS has_genomic_links
	  FROM samples s
	 WHERE ($1::text = '' OR s.status = $1::text)
	   AND ($2::text = '' OR EXISTS (
	            SELECT 1 FROM sample_species sp
	             WHERE sp.sample_id = s.id AND LOWER(sp.species_name) = LOWER($2::text)))
	   AND ($3::text = '' OR EXISTS (
	            SELECT 1 FROM sample_affiliations sa
	              JOIN affiliations a ON a.id = sa.affiliation_id
	             WHERE sa.sample_id = s.id AND LOWER(a.name) = LOWER($3::text)))
	 ORDER BY s.submitted_at DESC, s.id DESC
`

// ListSamples returns samples newest first with their affiliations and species.
func (r *PostgresRepository) ListSamples(ctx context.Context, filter models.SampleFilter) ([]*models.SampleSummary, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, listSamplesQuery, filter.Status, filter.Species, filter.Affiliation)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	summaries := []*models.SampleSummary{}
	for rows.Next() {
		var (
			s            models.Sample
			affiliations []string
			species      []string
			hasGenomic   bool
		)
		err := rows.Scan(
			&s.ID, &s.ExternalSampleID, &s.SubmittedBy, &s.Country, &s.SiteName, &s.SamplingDate,
			&s.Status, &s.SubmittedAt, &s.Notes, &s.RawPayload, &s.Latitude, &s.Longitude, &s.DataSource,
			&affiliations, &species, &hasGenomic,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		summaries = append(summaries, summarize(&s, affiliations, species, hasGenomic))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate samples: %w", err)
	}
	return summaries, nil
}

func (r *PostgresRepository) ListSpeciesCounts(ctx context.Context) ([]*models.SpeciesCount, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT species_name, COUNT(id)
		  FROM sample_species
		 GROUP BY species_name
		 ORDER BY species_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list species: %w", err)
	}
	defer rows.Close()

	counts := []*models.SpeciesCount{}
	for rows.Next() {
		var c models.SpeciesCount
		if err := rows.Scan(&c.SpeciesName, &c.SampleCount); err != nil {
			return nil, fmt.Errorf("failed to scan species count: %w", err)
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) ListAffiliations(ctx context.Context) ([]*models.AffiliationSummary, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT name, display_name FROM affiliations ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list affiliations: %w", err)
	}
	defer rows.Close()

	out := []*models.AffiliationSummary{}
	for rows.Next() {
		var a models.AffiliationSummary
		if err := rows.Scan(&a.Slug, &a.Name); err != nil {
			return nil, fmt.Errorf("failed to scan affiliation: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListAudit returns the newest audit entries first.
func (r *PostgresRepository) ListAudit(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, actor, action, entity_type, entity_id, detail, created_at, signature
		  FROM audit_log
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.Detail, &e.CreatedAt, &e.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// =============================================================================
// Transactions
// =============================================================================

// postgresTx wraps a pgx transaction. Begin on it issues a SAVEPOINT.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	return &postgresTx{tx: nested}, nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

func (t *postgresTx) SampleExists(ctx context.Context, externalID string) (bool, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM samples WHERE external_sample_id = $1)`, externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sample existence: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) CreateSample(ctx context.Context, s *models.Sample) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO samples (external_sample_id, submitted_by, country, site_name, sampling_date, status,
		                     notes, raw_payload, latitude, longitude, geom, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, ST_SetSRID(ST_MakePoint($10, $9), 4326), $11)
		RETURNING id, submitted_at
	`

	var payload any
	if len(s.RawPayload) > 0 {
		payload = []byte(s.RawPayload)
	}

	err := t.tx.QueryRow(ctx, query,
		s.ExternalSampleID, s.SubmittedBy, s.Country, s.SiteName, s.SamplingDate, s.Status,
		s.Notes, payload, s.Latitude, s.Longitude, s.DataSource,
	).Scan(&s.ID, &s.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSampleExists
		}
		return fmt.Errorf("failed to create sample: %w", err)
	}
	return nil
}

func (t *postgresTx) GetSample(ctx context.Context, id int64) (*models.Sample, error) {
	return getSample(ctx, t.tx, id)
}

func (t *postgresTx) UpdateSampleStatus(ctx context.Context, id int64, status string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := t.tx.Exec(ctx, `UPDATE samples SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update sample status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSampleNotFound
	}
	return nil
}

// GetOrCreateAffiliation inserts the slug unless present, then reads it back.
// Concurrent creators of the same slug converge on one row.
func (t *postgresTx) GetOrCreateAffiliation(ctx context.Context, slug, displayName string) (*models.Affiliation, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := t.tx.Exec(ctx, `
		INSERT INTO affiliations (name, display_name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, slug, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to create affiliation: %w", err)
	}

	var a models.Affiliation
	err = t.tx.QueryRow(ctx,
		`SELECT id, name, display_name FROM affiliations WHERE name = $1`, slug,
	).Scan(&a.ID, &a.Name, &a.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to read affiliation: %w", err)
	}
	return &a, nil
}

func (t *postgresTx) LinkAffiliation(ctx context.Context, sampleID, affiliationID int64) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := t.tx.Exec(ctx, `
		INSERT INTO sample_affiliations (sample_id, affiliation_id)
		VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT uq_sample_affiliation DO NOTHING
	`, sampleID, affiliationID)
	if err != nil {
		return fmt.Errorf("failed to link affiliation: %w", err)
	}
	return nil
}

func (t *postgresTx) CreateSpeciesEntry(ctx context.Context, e *models.SpeciesEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	err := t.tx.QueryRow(ctx, `
		INSERT INTO sample_species (sample_id, species_name, is_provisional, curated_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, e.SampleID, e.SpeciesName, e.IsProvisional, e.CuratedBy).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create species entry: %w", err)
	}
	return nil
}

func (t *postgresTx) GetSpeciesEntry(ctx context.Context, id int64) (*models.SpeciesEntry, error) {
	return getSpeciesEntry(ctx, t.tx, id)
}

func (t *postgresTx) CreateGenomicRecord(ctx context.Context, g *models.GenomicRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	err := t.tx.QueryRow(ctx, `
		INSERT INTO genomic_records (sample_species_id, accession, accession_validated, resolved_url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, g.SampleSpeciesID, g.Accession, g.AccessionValidated, g.ResolvedURL).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create genomic record: %w", err)
	}
	return nil
}

func (t *postgresTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var detail any
	if len(e.Detail) > 0 {
		detail = []byte(e.Detail)
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO audit_log (actor, action, entity_type, entity_id, detail, created_at, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.Actor, e.Action, e.EntityType, e.EntityID, detail, e.CreatedAt, e.Signature).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// Shared reads
// =============================================================================

func getSample(ctx context.Context, q dbtx, id int64) (*models.Sample, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var s models.Sample
	err := q.QueryRow(ctx, `
		SELECT id, external_sample_id, submitted_by, country, site_name, sampling_date, status,
		       submitted_at, notes, raw_payload, latitude, longitude, data_source
		  FROM samples
		 WHERE id = $1
	`, id).Scan(
		&s.ID, &s.ExternalSampleID, &s.SubmittedBy, &s.Country, &s.SiteName, &s.SamplingDate, &s.Status,
		&s.SubmittedAt, &s.Notes, &s.RawPayload, &s.Latitude, &s.Longitude, &s.DataSource,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSampleNotFound
		}
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	return &s, nil
}

func getSpeciesEntry(ctx context.Context, q dbtx, id int64) (*models.SpeciesEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var e models.SpeciesEntry
	err := q.QueryRow(ctx, `
		SELECT id, sample_id, species_name, is_provisional, curated_by, created_at
		  FROM sample_species
		 WHERE id = $1
	`, id).Scan(&e.ID, &e.SampleID, &e.SpeciesName, &e.IsProvisional, &e.CuratedBy, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSpeciesEntryNotFound
		}
		return nil, fmt.Errorf("failed to get species entry: %w", err)
	}
	return &e, nil
}
