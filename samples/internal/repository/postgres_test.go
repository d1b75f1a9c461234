package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// setupTestDatabase creates a PostGIS testcontainer and runs migrations
func setupTestDatabase(t *testing.T) (*PostgresRepository, func()) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgis/postgis:17-3.5-alpine",
		postgres.WithDatabase("wwm_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return repo, cleanup
}

// runMigrations runs SQL migrations from the migrations directory
func runMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrationPath := filepath.Join("..", "..", "migrations", "001_init.up.sql")
	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	return nil
}

func TestPostgresRepository_Contract(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()

	runRepositoryContract(t, repo)
}

func TestPostgresRepository_GeometryAndAuditImmutability(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	s := newSample("GEO-1")
	require.NoError(t, tx.CreateSample(ctx, s))
	require.NoError(t, tx.AppendAudit(ctx, &models.AuditEntry{
		Actor: "admin", Action: "ingest_sample", EntityType: "sample", EntityID: s.ID,
		CreatedAt: time.Now().UTC(), Signature: "0000000000000000000000000000000000000000000000000000000000000000",
	}))
	require.NoError(t, tx.Commit(ctx))

	var lon, lat float64
	var srid int
	err = repo.pool.QueryRow(ctx,
		`SELECT ST_X(geom), ST_Y(geom), ST_SRID(geom) FROM samples WHERE id = $1`, s.ID,
	).Scan(&lon, &lat, &srid)
	require.NoError(t, err)
	assert.Equal(t, -0.12, lon)
	assert.Equal(t, 51.5, lat)
	assert.Equal(t, 4326, srid)

	_, err = repo.pool.Exec(ctx, `UPDATE audit_log SET actor = 'someone' WHERE entity_id = $1`, s.ID)
	assert.Error(t, err)
	_, err = repo.pool.Exec(ctx, `DELETE FROM audit_log`)
	assert.Error(t, err)
}

func TestPostgresRepository_ConcurrentAffiliationCreation(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := repo.Begin(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			a, err := tx.GetOrCreateAffiliation(ctx, "race_lab", "Race Lab")
			if err != nil {
				errs[i] = err
				_ = tx.Rollback(ctx)
				return
			}
			ids[i] = a.ID
			errs[i] = tx.Commit(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	affs, err := repo.ListAffiliations(ctx)
	require.NoError(t, err)
	assert.Len(t, affs, 1)
}

func TestPostgresRepository_ConcurrentSameSample(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := repo.Begin(ctx)
			if err != nil {
				results <- err
				return
			}
			sp, err := tx.Begin(ctx)
			if err != nil {
				results <- err
				return
			}
			createErr := sp.CreateSample(ctx, newSample("RACE-1"))
			if createErr != nil {
				_ = sp.Rollback(ctx)
			} else {
				_ = sp.Commit(ctx)
			}
			if err := tx.Commit(ctx); err != nil {
				results <- err
				return
			}
			results <- createErr
		}()
	}
	wg.Wait()
	close(results)

	var created, duplicates int
	for err := range results {
		switch err {
		case nil:
			created++
		case ErrSampleExists:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, duplicates)
}
