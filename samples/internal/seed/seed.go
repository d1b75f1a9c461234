// Package seed loads demo samples for local development.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
)

const (
	demoSubmitter = "demo@example.org"
	demoNotes     = "Seeded sample"
	demoCurator   = "curator"
)

// Affiliations are the canonical affiliations seeded samples link to, by slug.
var Affiliations = map[string]string{
	"worm_lab":         "Worm Lab",
	"sanger_institute": "Sanger Institute",
}

// Sample describes one seeded sample.
type Sample struct {
	ExternalID   string
	Latitude     float64
	Longitude    float64
	SiteName     string
	Country      string
	SamplingDate time.Time
	Status       string
	Affiliations []string
	Species      []string
}

// DemoSamples returns the fixed demo set.
func DemoSamples() []Sample {
	return []Sample{
		{
			ExternalID:   "SEED-AFRICA-001",
			Latitude:     -1.2921,
			Longitude:    36.8219,
			SiteName:     "Nairobi field station",
			SamplingDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
			Status:       models.StatusPending,
			Affiliations: []string{"worm_lab"},
			Species:      []string{models.UnidentifiedSpecies},
		},
		{
			ExternalID:   "SEED-EUROPE-001",
			Latitude:     51.5072,
			Longitude:    -0.1276,
			SiteName:     "Thames riverbank",
			SamplingDate: time.Date(2026, 1, 22, 0, 0, 0, 0, time.UTC),
			Status:       models.StatusValidated,
			Affiliations: []string{"sanger_institute"},
			Species:      []string{"Caenorhabditis elegans"},
		},
		{
			ExternalID:   "SEED-SOUTHAM-001",
			Latitude:     -23.5505,
			Longitude:    -46.6333,
			SiteName:     "Sao Paulo urban garden",
			SamplingDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
			Status:       models.StatusPending,
			Affiliations: []string{"worm_lab", "sanger_institute"},
			Species:      []string{models.UnidentifiedSpecies, "Pristionchus pacificus"},
		},
	}
}

var fakeSpecies = []string{
	models.UnidentifiedSpecies,
	"Caenorhabditis elegans",
	"Caenorhabditis briggsae",
	"Pristionchus pacificus",
	"Lumbricus terrestris",
	"Eisenia fetida",
}

var fakeStatuses = []string{models.StatusPending, models.StatusPending, models.StatusValidated, models.StatusRejected}

var fakeSites = []string{"field station", "riverbank", "urban garden", "forest plot", "compost heap", "meadow"}

// Generator produces random extra samples. The same seed yields the same samples.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator creates a Generator. A seed of 0 picks a random one.
func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Fake returns n random samples with ids SEED-FAKE-0001 onwards.
func (g *Generator) Fake(n int) []Sample {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	samples := make([]Sample, 0, n)
	for i := 1; i <= n; i++ {
		date := g.faker.DateRange(start, end)
		s := Sample{
			ExternalID:   fmt.Sprintf("SEED-FAKE-%04d", i),
			Latitude:     g.faker.Latitude(),
			Longitude:    g.faker.Longitude(),
			SiteName:     g.faker.City() + " " + g.faker.RandomString(fakeSites),
			Country:      g.faker.Country(),
			SamplingDate: time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
			Status:       g.faker.RandomString(fakeStatuses),
			Species:      []string{g.faker.RandomString(fakeSpecies)},
		}
		if g.faker.Bool() {
			s.Affiliations = []string{"worm_lab"}
		}
		if g.faker.Bool() {
			s.Affiliations = append(s.Affiliations, "sanger_institute")
		}
		samples = append(samples, s)
	}
	return samples
}

// Result counts what Load did.
type Result struct {
	Created int `json:"created" yaml:"created"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// Load stores samples that do not exist yet, in one transaction. Samples
// whose external id is already present are skipped.
func Load(ctx context.Context, repo repository.Repository, samples []Sample) (*Result, error) {
	tx, err := repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	affiliationIDs := make(map[string]int64, len(Affiliations))
	for slug, name := range Affiliations {
		a, err := tx.GetOrCreateAffiliation(ctx, slug, name)
		if err != nil {
			return nil, fmt.Errorf("seed affiliation %s: %w", slug, err)
		}
		affiliationIDs[slug] = a.ID
	}

	result := &Result{}
	for _, s := range samples {
		exists, err := tx.SampleExists(ctx, s.ExternalID)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Skipped++
			continue
		}
		if err := create(ctx, tx, s, affiliationIDs); err != nil {
			return nil, fmt.Errorf("seed sample %s: %w", s.ExternalID, err)
		}
		result.Created++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

func create(ctx context.Context, tx repository.Tx, s Sample, affiliationIDs map[string]int64) error {
	submitter, notes, site := demoSubmitter, demoNotes, s.SiteName
	date := s.SamplingDate
	sample := &models.Sample{
		ExternalSampleID: s.ExternalID,
		SubmittedBy:      &submitter,
		SiteName:         &site,
		SamplingDate:     &date,
		Status:           s.Status,
		Notes:            &notes,
		Latitude:         s.Latitude,
		Longitude:        s.Longitude,
		DataSource:       models.DataSourceSeed,
	}
	if s.Country != "" {
		country := s.Country
		sample.Country = &country
	}
	if err := tx.CreateSample(ctx, sample); err != nil {
		return err
	}

	for _, slug := range s.Affiliations {
		id, ok := affiliationIDs[slug]
		if !ok {
			return fmt.Errorf("unknown affiliation %q", slug)
		}
		if err := tx.LinkAffiliation(ctx, sample.ID, id); err != nil {
			return err
		}
	}

	for _, name := range s.Species {
		entry := &models.SpeciesEntry{
			SampleID:      sample.ID,
			SpeciesName:   name,
			IsProvisional: name == models.UnidentifiedSpecies,
		}
		if !entry.IsProvisional {
			curator := demoCurator
			entry.CuratedBy = &curator
		}
		if err := tx.CreateSpeciesEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
