package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/worldwormmap/wwm-stack/common/messaging"
	"github.com/worldwormmap/wwm-stack/samples/internal/accession"
	"github.com/worldwormmap/wwm-stack/samples/internal/auditlog"
	"github.com/worldwormmap/wwm-stack/samples/internal/events"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
)

const testSecret = "service-test-secret"

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Validate(ctx context.Context, acc string) accession.Result {
	args := m.Called(ctx, acc)
	return args.Get(0).(accession.Result)
}

type mockIndexer struct {
	mock.Mock
}

func (m *mockIndexer) UpdateStatus(ctx context.Context, id int64, status string) error {
	return m.Called(ctx, id, status).Error(0)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fakeScheduler struct {
	running bool
	next    time.Time
	last    *models.IngestResult
}

func (f fakeScheduler) Running() bool                    { return f.running }
func (f fakeScheduler) NextRun() time.Time               { return f.next }
func (f fakeScheduler) LastResult() *models.IngestResult { return f.last }

type pingFailRepo struct {
	*repository.InMemoryRepository
}

func (pingFailRepo) Ping(context.Context) error { return errors.New("connection refused") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedSample stores a pending sample with its placeholder species entry.
func seedSample(t *testing.T, repo repository.Repository, externalID string) (sampleID, speciesID int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	require.NoError(t, err)

	site := "Meadow"
	s := &models.Sample{
		ExternalSampleID: externalID,
		SiteName:         &site,
		Status:           models.StatusPending,
		Latitude:         51.5,
		Longitude:        -0.12,
		DataSource:       models.DataSourceKobo,
	}
	require.NoError(t, tx.CreateSample(ctx, s))
	e := &models.SpeciesEntry{SampleID: s.ID, SpeciesName: models.UnidentifiedSpecies, IsProvisional: true}
	require.NoError(t, tx.CreateSpeciesEntry(ctx, e))
	require.NoError(t, tx.Commit(ctx))
	return s.ID, e.ID
}

func setup(t *testing.T, opts ...Option) (*Service, *repository.InMemoryRepository, *mockValidator) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	v := &mockValidator{}
	svc := NewService(repo, auditlog.NewWriter(testSecret), v, quietLogger(), opts...)
	return svc, repo, v
}

func TestApproveSample(t *testing.T) {
	pub := &recordingPublisher{}
	ix := &mockIndexer{}
	svc, repo, _ := setup(t, WithEvents(events.NewPublisher(pub)), WithIndexer(ix))
	id, _ := seedSample(t, repo, "S1")
	ctx := context.Background()

	ix.On("UpdateStatus", mock.Anything, id, models.StatusValidated).Return(nil)

	resp, err := svc.ApproveSample(ctx, id, &models.ApprovalRequest{Status: models.StatusValidated}, "curator")
	require.NoError(t, err)
	assert.Equal(t, &models.ApprovalResponse{ID: id, Status: models.StatusValidated}, resp)

	sample, err := repo.GetSample(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, sample.Status)

	entries, err := svc.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.ActionApproveSample, entries[0].Action)
	assert.Equal(t, id, entries[0].EntityID)
	assert.Equal(t, "curator", entries[0].Actor)
	assert.True(t, entries[0].Verified)
	assert.JSONEq(t, `{"status":"validated"}`, string(entries[0].Detail))

	require.Equal(t, []string{messaging.SubjectSamplesCurated}, pub.subjects)
	var ev events.SampleCuratedEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, auditlog.ActionApproveSample, ev.Action)
	assert.Equal(t, id, ev.SampleID)

	ix.AssertExpectations(t)
}

func TestApproveSampleIndexFailureIsNotFatal(t *testing.T) {
	ix := &mockIndexer{}
	svc, repo, _ := setup(t, WithIndexer(ix))
	id, _ := seedSample(t, repo, "S1")
	ix.On("UpdateStatus", mock.Anything, id, models.StatusRejected).Return(errors.New("index missing"))

	_, err := svc.ApproveSample(context.Background(), id, &models.ApprovalRequest{Status: models.StatusRejected}, "admin")
	require.NoError(t, err)
	ix.AssertExpectations(t)
}

func TestApproveSampleErrors(t *testing.T) {
	svc, repo, _ := setup(t)
	id, _ := seedSample(t, repo, "S1")
	ctx := context.Background()

	_, err := svc.ApproveSample(ctx, id, &models.ApprovalRequest{Status: "maybe"}, "curator")
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "status")

	_, err = svc.ApproveSample(ctx, 9999, &models.ApprovalRequest{Status: models.StatusValidated}, "curator")
	assert.ErrorIs(t, err, repository.ErrSampleNotFound)

	// nothing was audited for the failed attempts
	entries, err := svc.ListAudit(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddSpecies(t *testing.T) {
	svc, repo, _ := setup(t)
	id, _ := seedSample(t, repo, "S1")
	ctx := context.Background()

	entry, err := svc.AddSpecies(ctx, id, &models.SpeciesRequest{SpeciesName: "  Lumbricus terrestris "}, "curator")
	require.NoError(t, err)
	assert.Equal(t, "Lumbricus terrestris", entry.SpeciesName)
	assert.False(t, entry.IsProvisional)
	require.NotNil(t, entry.CuratedBy)
	assert.Equal(t, "curator", *entry.CuratedBy)
	assert.NotZero(t, entry.ID)

	list, err := svc.ListSamples(ctx, models.SampleFilter{Species: "lumbricus TERRESTRIS"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{models.UnidentifiedSpecies, "Lumbricus terrestris"}, list[0].Species)

	species, err := svc.ListSpecies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*models.SpeciesCount{
		{SpeciesName: "Lumbricus terrestris", SampleCount: 1},
		{SpeciesName: models.UnidentifiedSpecies, SampleCount: 1},
	}, species)

	entries, err := svc.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.EntitySampleSpecies, entries[0].EntityType)
	assert.Equal(t, entry.ID, entries[0].EntityID)
}

func TestAddSpeciesErrors(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.AddSpecies(ctx, 1, &models.SpeciesRequest{SpeciesName: "x"}, "curator")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = svc.AddSpecies(ctx, 42, &models.SpeciesRequest{SpeciesName: "Eisenia fetida"}, "curator")
	assert.ErrorIs(t, err, repository.ErrSampleNotFound)
}

func TestAddGenomicRecord(t *testing.T) {
	svc, repo, v := setup(t)
	id, speciesID := seedSample(t, repo, "S1")
	ctx := context.Background()

	url := accession.FallbackURL("MN123456")
	v.On("Validate", mock.Anything, "MN123456").Return(accession.Result{Validated: true, ResolvedURL: &url})

	rec, err := svc.AddGenomicRecord(ctx, speciesID, &models.GenomicsRequest{Accession: " MN123456 "}, "curator")
	require.NoError(t, err)
	assert.Equal(t, "MN123456", rec.Accession)
	assert.True(t, rec.AccessionValidated)
	require.NotNil(t, rec.ResolvedURL)
	assert.Equal(t, url, *rec.ResolvedURL)
	assert.Equal(t, speciesID, rec.SampleSpeciesID)

	list, err := svc.ListSamples(ctx, models.SampleFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.True(t, list[0].HasGenomicLinks)

	entries, err := svc.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.ActionAddGenomicRecord, entries[0].Action)
	assert.JSONEq(t, `{"sample_species_id":`+jsonInt(speciesID)+`,"accession":" MN123456 ","validated":true}`, string(entries[0].Detail))

	v.AssertExpectations(t)
}

func TestAddGenomicRecordUnknownEntry(t *testing.T) {
	svc, _, v := setup(t)

	_, err := svc.AddGenomicRecord(context.Background(), 77, &models.GenomicsRequest{Accession: "MN123456"}, "curator")
	assert.ErrorIs(t, err, repository.ErrSpeciesEntryNotFound)
	v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
}

func TestAddGenomicRecordInvalidRequest(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.AddGenomicRecord(context.Background(), 1, &models.GenomicsRequest{Accession: "  "}, "curator")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestListAuditClampsLimit(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, _ := seedSample(t, repo, "S"+jsonInt(int64(i)))
		_, err := svc.ApproveSample(ctx, id, &models.ApprovalRequest{Status: models.StatusValidated}, "curator")
		require.NoError(t, err)
	}

	entries, err := svc.ListAudit(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = svc.ListAudit(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestListAuditFlagsTamperedEntries(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendAudit(ctx, &models.AuditEntry{
		Actor: "mallory", Action: auditlog.ActionApproveSample, EntityType: auditlog.EntitySample,
		EntityID: 1, Detail: json.RawMessage(`{}`), CreatedAt: time.Now().UTC(), Signature: "deadbeef",
	}))
	require.NoError(t, tx.Commit(ctx))

	entries, err := svc.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Verified)
}

func TestListAffiliations(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.GetOrCreateAffiliation(ctx, "worm_lab", "Worm Lab")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	affs, err := svc.ListAffiliations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*models.AffiliationSummary{{Slug: "worm_lab", Name: "Worm Lab"}}, affs)
}

func TestHealth(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	h := svc.Health(ctx, nil)
	assert.Equal(t, &models.HealthResponse{Status: "ok", Database: "connected", Scheduler: "stopped"}, h)

	next := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	last := &models.IngestResult{Ingested: 4}
	h = svc.Health(ctx, fakeScheduler{running: true, next: next, last: last})
	assert.Equal(t, "running", h.Scheduler)
	require.NotNil(t, h.NextRun)
	assert.Equal(t, next, *h.NextRun)
	assert.Same(t, last, h.LastResult)
}

func TestHealthDatabaseDown(t *testing.T) {
	repo := pingFailRepo{repository.NewInMemoryRepository()}
	svc := NewService(repo, auditlog.NewWriter(testSecret), &mockValidator{}, quietLogger())

	h := svc.Health(context.Background(), fakeScheduler{})
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "unavailable", h.Database)
	assert.Equal(t, "stopped", h.Scheduler)
	assert.Nil(t, h.NextRun)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
