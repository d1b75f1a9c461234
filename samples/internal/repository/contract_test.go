package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

func strPtr(s string) *string { return &s }

func newSample(externalID string) *models.Sample {
	date := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	return &models.Sample{
		ExternalSampleID: externalID,
		SubmittedBy:      strPtr("Ada"),
		SiteName:         strPtr("Meadow"),
		SamplingDate:     &date,
		Status:           models.StatusPending,
		RawPayload:       json.RawMessage(`{"kobo": {"sample_id": "` + externalID + `"}, "tube_id": "T-1", "soil_ph": "6.5"}`),
		Latitude:         51.5,
		Longitude:        -0.12,
		DataSource:       models.DataSourceKobo,
	}
}

// runRepositoryContract exercises behaviour both implementations must share.
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("create and read sample", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)

		s := newSample("C-1")
		require.NoError(t, tx.CreateSample(ctx, s))
		assert.NotZero(t, s.ID)
		assert.False(t, s.SubmittedAt.IsZero())

		exists, err := tx.SampleExists(ctx, "C-1")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, tx.Commit(ctx))

		got, err := repo.GetSample(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "C-1", got.ExternalSampleID)
		assert.Equal(t, models.StatusPending, got.Status)
		require.NotNil(t, got.SamplingDate)
		assert.Equal(t, "2024-05-06", got.SamplingDate.Format(time.DateOnly))
	})

	t.Run("duplicate external id", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		sp, err := tx.Begin(ctx)
		require.NoError(t, err)
		assert.ErrorIs(t, sp.CreateSample(ctx, newSample("C-1")), ErrSampleExists)
		require.NoError(t, sp.Rollback(ctx))

		exists, err := tx.SampleExists(ctx, "C-1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("nested rollback keeps sibling work", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)

		kept, err := tx.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, kept.CreateSample(ctx, newSample("C-2")))
		require.NoError(t, kept.Commit(ctx))

		dropped, err := tx.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, dropped.CreateSample(ctx, newSample("C-3")))
		require.NoError(t, dropped.Rollback(ctx))

		require.NoError(t, tx.Commit(ctx))

		all, err := repo.ListSamples(ctx, models.SampleFilter{})
		require.NoError(t, err)
		ids := make([]string, 0, len(all))
		for _, s := range all {
			ids = append(ids, s.SampleID)
		}
		assert.Contains(t, ids, "C-2")
		assert.NotContains(t, ids, "C-3")
	})

	t.Run("affiliations are unique by slug and links idempotent", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)

		s := newSample("C-4")
		require.NoError(t, tx.CreateSample(ctx, s))

		a1, err := tx.GetOrCreateAffiliation(ctx, "worm_lab", "Worm Lab")
		require.NoError(t, err)
		a2, err := tx.GetOrCreateAffiliation(ctx, "worm_lab", "Another Label")
		require.NoError(t, err)
		assert.Equal(t, a1.ID, a2.ID)
		assert.Equal(t, "Worm Lab", a2.DisplayName)

		require.NoError(t, tx.LinkAffiliation(ctx, s.ID, a1.ID))
		require.NoError(t, tx.LinkAffiliation(ctx, s.ID, a1.ID))

		entry := &models.SpeciesEntry{SampleID: s.ID, SpeciesName: models.UnidentifiedSpecies, IsProvisional: true}
		require.NoError(t, tx.CreateSpeciesEntry(ctx, entry))
		require.NoError(t, tx.Commit(ctx))

		listed, err := repo.ListSamples(ctx, models.SampleFilter{Affiliation: "WORM_LAB"})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "C-4", listed[0].SampleID)
		assert.Equal(t, []string{"worm_lab"}, listed[0].Affiliations)
		assert.Equal(t, []string{models.UnidentifiedSpecies}, listed[0].Species)
		assert.False(t, listed[0].HasGenomicLinks)
		require.NotNil(t, listed[0].TubeID)
		assert.Equal(t, "T-1", *listed[0].TubeID)

		affs, err := repo.ListAffiliations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []*models.AffiliationSummary{{Slug: "worm_lab", Name: "Worm Lab"}}, affs)
	})

	t.Run("species, genomics and filters", func(t *testing.T) {
		listed, err := repo.ListSamples(ctx, models.SampleFilter{Affiliation: "worm_lab"})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		sampleID := listed[0].ID

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		curated := &models.SpeciesEntry{SampleID: sampleID, SpeciesName: "Lumbricus terrestris", CuratedBy: strPtr("curator")}
		require.NoError(t, tx.CreateSpeciesEntry(ctx, curated))
		record := &models.GenomicRecord{SampleSpeciesID: curated.ID, Accession: "MN908947", ResolvedURL: strPtr("https://www.ncbi.nlm.nih.gov/nuccore/MN908947")}
		require.NoError(t, tx.CreateGenomicRecord(ctx, record))
		require.NoError(t, tx.UpdateSampleStatus(ctx, sampleID, models.StatusValidated))
		require.NoError(t, tx.Commit(ctx))

		bySpecies, err := repo.ListSamples(ctx, models.SampleFilter{Species: "lumbricus TERRESTRIS"})
		require.NoError(t, err)
		require.Len(t, bySpecies, 1)
		assert.True(t, bySpecies[0].HasGenomicLinks)
		assert.Equal(t, []string{models.UnidentifiedSpecies, "Lumbricus terrestris"}, bySpecies[0].Species)

		validated, err := repo.ListSamples(ctx, models.SampleFilter{Status: models.StatusValidated})
		require.NoError(t, err)
		assert.Len(t, validated, 1)

		counts, err := repo.ListSpeciesCounts(ctx)
		require.NoError(t, err)
		require.Len(t, counts, 2)
		assert.Equal(t, "Lumbricus terrestris", counts[0].SpeciesName)
		assert.Equal(t, int64(1), counts[0].SampleCount)

		entry, err := repo.GetSpeciesEntry(ctx, curated.ID)
		require.NoError(t, err)
		assert.False(t, entry.IsProvisional)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.GetSample(ctx, 999999)
		assert.ErrorIs(t, err, ErrSampleNotFound)
		_, err = repo.GetSpeciesEntry(ctx, 999999)
		assert.ErrorIs(t, err, ErrSpeciesEntryNotFound)

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		assert.ErrorIs(t, tx.UpdateSampleStatus(ctx, 999999, models.StatusRejected), ErrSampleNotFound)
	})

	t.Run("audit entries newest first", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			e := &models.AuditEntry{
				Actor:      "admin",
				Action:     "ingest_sample",
				EntityType: "sample",
				EntityID:   int64(i + 1),
				Detail:     json.RawMessage(`{"source":"kobo"}`),
				CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				Signature:  "0000000000000000000000000000000000000000000000000000000000000000",
			}
			require.NoError(t, tx.AppendAudit(ctx, e))
			assert.NotZero(t, e.ID)
		}
		require.NoError(t, tx.Commit(ctx))

		entries, err := repo.ListAudit(ctx, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(3), entries[0].EntityID)
		assert.Equal(t, int64(2), entries[1].EntityID)
		assert.JSONEq(t, `{"source":"kobo"}`, string(entries[0].Detail))
	})

	t.Run("finished transaction", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	})
}
