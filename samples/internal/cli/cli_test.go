package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/worldwormmap/wwm-stack/samples/internal/config"
	"github.com/worldwormmap/wwm-stack/samples/internal/ingest"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/normalizer"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
	"github.com/worldwormmap/wwm-stack/samples/internal/seed"
)

func init() {
	color.NoColor = true
}

type staticFetcher struct {
	subs []normalizer.Submission
	err  error
}

func (f *staticFetcher) Fetch(context.Context) ([]normalizer.Submission, error) {
	return f.subs, f.err
}

type harness struct {
	app        *App
	repo       *repository.InMemoryRepository
	fetcher    *staticFetcher
	out        *bytes.Buffer
	errOut     *bytes.Buffer
	migrations []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:    repository.NewInMemoryRepository(),
		fetcher: &staticFetcher{},
		out:     &bytes.Buffer{},
		errOut:  &bytes.Buffer{},
	}
	h.app = &App{
		LoadConfig: func(string) (*config.Config, error) {
			cfg, err := config.Load("")
			if err != nil {
				return nil, err
			}
			cfg.Environment = "production"
			return cfg, nil
		},
		OpenRepo: func(context.Context, *config.Config) (repository.Repository, error) {
			return h.repo, nil
		},
		NewFetcher: func(*config.Config) ingest.Fetcher { return h.fetcher },
		MigrateUp: func(dir, _ string) error {
			h.migrations = append(h.migrations, "up:"+dir)
			return nil
		},
		MigrateDown: func(dir, _ string, steps int) error {
			h.migrations = append(h.migrations, "down:"+dir)
			if steps > 5 {
				return errors.New("no such version")
			}
			return nil
		},
		Out:    h.out,
		ErrOut: h.errOut,
	}
	return h
}

func (h *harness) run(args ...string) error {
	root := NewRootCommand(h.app)
	root.SetArgs(args)
	return root.Execute()
}

func submissions(t *testing.T, raw string) []normalizer.Submission {
	t.Helper()
	var subs []normalizer.Submission
	require.NoError(t, json.Unmarshal([]byte(raw), &subs))
	return subs
}

func TestCommandsRegistered(t *testing.T) {
	root := NewRootCommand(newHarness(t).app)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "fields", "seed", "migrate"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestIngestJSON(t *testing.T) {
	h := newHarness(t)
	h.fetcher.subs = submissions(t, `[
		{"sample_id": "S1", "gps_coordinates": "51.5 -0.12"},
		{"sample_id": "S2"}
	]`)

	require.NoError(t, h.run("ingest", "--output", "json"))

	var result models.IngestResult
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &result))
	assert.Equal(t, IngestActor, result.Actor)
	assert.Equal(t, 1, result.Ingested)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.ErrorKinds.MissingLocation)

	entries, err := h.repo.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, IngestActor, entries[0].Actor)
}

func TestIngestTable(t *testing.T) {
	h := newHarness(t)
	h.fetcher.subs = submissions(t, `[{"sample_id": "S1", "gps_coordinates": "51.5 -0.12"}]`)

	require.NoError(t, h.run("ingest"))
	assert.Contains(t, h.out.String(), "RUN ID")
	assert.Contains(t, h.out.String(), "INGESTED")
}

func TestIngestFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("connection refused")

	err := h.run("ingest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrFetchFailed)
}

func TestFields(t *testing.T) {
	h := newHarness(t)
	h.fetcher.subs = submissions(t, `[{"sample_id": "S1", "gps_coordinates": "51.5 -0.12", "site_name": "Meadow"}]`)

	require.NoError(t, h.run("fields", "-o", "yaml"))

	var debug struct {
		Count  int                    `yaml:"count"`
		Keys   []string               `yaml:"keys"`
		Mapped map[string]interface{} `yaml:"mapped"`
	}
	require.NoError(t, yaml.Unmarshal(h.out.Bytes(), &debug))
	assert.Equal(t, 1, debug.Count)
	assert.Equal(t, []string{"gps_coordinates", "sample_id", "site_name"}, debug.Keys)
	assert.Contains(t, debug.Mapped, "sample_id")
}

func TestFieldsTableEmptyBatch(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("fields"))
	assert.Contains(t, h.out.String(), "FIELD")
	assert.Contains(t, h.out.String(), "0 submissions")
}

func TestSeed(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("seed", "--fake", "4", "--fake-seed", "11", "-o", "json"))
	var result seed.Result
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &result))
	assert.Equal(t, seed.Result{Created: 7}, result)

	h.out.Reset()
	require.NoError(t, h.run("seed"))
	assert.Contains(t, h.out.String(), "0 created, 3 already present")
}

func TestSeedRejectsNegativeFake(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.run("seed", "--fake", "-1"))
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("migrate", "up"))
	require.NoError(t, h.run("migrate", "down", "--steps", "2"))
	assert.Equal(t, []string{"up:migrations", "down:migrations"}, h.migrations)
	assert.Contains(t, h.out.String(), "Migrations applied")
	assert.Contains(t, h.out.String(), "Rolled back 2 migration(s)")

	assert.Error(t, h.run("migrate", "down", "--steps", "0"))
	assert.Error(t, h.run("migrate", "down", "--steps", "9"))
}

func TestUnknownOutputFormat(t *testing.T) {
	h := newHarness(t)
	err := h.run("ingest", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
