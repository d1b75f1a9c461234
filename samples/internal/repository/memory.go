package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

type sampleAffiliation struct {
	id            int64
	sampleID      int64
	affiliationID int64
}

// memState is one consistent snapshot of the in-memory store.
type memState struct {
	seq          int64
	samples      map[int64]models.Sample
	byExternalID map[string]int64
	affiliations map[int64]models.Affiliation
	bySlug       map[string]int64
	links        []sampleAffiliation
	species      map[int64]models.SpeciesEntry
	genomic      map[int64]models.GenomicRecord
	audit        []models.AuditEntry
}

func newMemState() *memState {
	return &memState{
		samples:      make(map[int64]models.Sample),
		byExternalID: make(map[string]int64),
		affiliations: make(map[int64]models.Affiliation),
		bySlug:       make(map[string]int64),
		species:      make(map[int64]models.SpeciesEntry),
		genomic:      make(map[int64]models.GenomicRecord),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		seq:          s.seq,
		samples:      make(map[int64]models.Sample, len(s.samples)),
		byExternalID: make(map[string]int64, len(s.byExternalID)),
		affiliations: make(map[int64]models.Affiliation, len(s.affiliations)),
		bySlug:       make(map[string]int64, len(s.bySlug)),
		links:        append([]sampleAffiliation(nil), s.links...),
		species:      make(map[int64]models.SpeciesEntry, len(s.species)),
		genomic:      make(map[int64]models.GenomicRecord, len(s.genomic)),
		audit:        append([]models.AuditEntry(nil), s.audit...),
	}
	for k, v := range s.samples {
		c.samples[k] = v
	}
	for k, v := range s.byExternalID {
		c.byExternalID[k] = v
	}
	for k, v := range s.affiliations {
		c.affiliations[k] = v
	}
	for k, v := range s.bySlug {
		c.bySlug[k] = v
	}
	for k, v := range s.species {
		c.species[k] = v
	}
	for k, v := range s.genomic {
		c.genomic[k] = v
	}
	return c
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// InMemoryRepository implements Repository without a database. Transactions
// are serialized: an outer transaction holds the write lock until it commits
// or rolls back, and nested transactions work on their own snapshot.
type InMemoryRepository struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		state: newMemState(),
		now:   time.Now,
	}
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepository) Close() error { return nil }

func (r *InMemoryRepository) Begin(ctx context.Context) (Tx, error) {
	r.txMu.Lock()
	r.mu.RLock()
	snapshot := r.state.clone()
	r.mu.RUnlock()
	return &memTx{repo: r, state: snapshot}, nil
}

func (r *InMemoryRepository) snapshot() *memState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *InMemoryRepository) GetSample(ctx context.Context, id int64) (*models.Sample, error) {
	return r.snapshot().getSample(id)
}

func (r *InMemoryRepository) GetSpeciesEntry(ctx context.Context, id int64) (*models.SpeciesEntry, error) {
	return r.snapshot().getSpeciesEntry(id)
}

func (r *InMemoryRepository) ListSamples(ctx context.Context, filter models.SampleFilter) ([]*models.SampleSummary, error) {
	st := r.snapshot()

	samples := make([]models.Sample, 0, len(st.samples))
	for _, s := range st.samples {
		samples = append(samples, s)
	}
	sort.Slice(samples, func(i, j int) bool {
		if !samples[i].SubmittedAt.Equal(samples[j].SubmittedAt) {
			return samples[i].SubmittedAt.After(samples[j].SubmittedAt)
		}
		return samples[i].ID > samples[j].ID
	})

	out := []*models.SampleSummary{}
	for i := range samples {
		s := &samples[i]
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}

		affiliations := st.affiliationsOf(s.ID)
		species, hasGenomic := st.speciesOf(s.ID)

		if filter.Species != "" && !containsFold(species, filter.Species) {
			continue
		}
		if filter.Affiliation != "" && !containsFold(affiliations, filter.Affiliation) {
			continue
		}
		out = append(out, summarize(s, affiliations, species, hasGenomic))
	}
	return out, nil
}

func (r *InMemoryRepository) ListSpeciesCounts(ctx context.Context) ([]*models.SpeciesCount, error) {
	st := r.snapshot()

	counts := make(map[string]int64)
	for _, e := range st.species {
		counts[e.SpeciesName]++
	}
	out := make([]*models.SpeciesCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, &models.SpeciesCount{SpeciesName: name, SampleCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeciesName < out[j].SpeciesName })
	return out, nil
}

func (r *InMemoryRepository) ListAffiliations(ctx context.Context) ([]*models.AffiliationSummary, error) {
	st := r.snapshot()

	out := make([]*models.AffiliationSummary, 0, len(st.affiliations))
	for _, a := range st.affiliations {
		out = append(out, &models.AffiliationSummary{Slug: a.Name, Name: a.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r *InMemoryRepository) ListAudit(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	st := r.snapshot()

	out := make([]*models.AuditEntry, 0, limit)
	for i := len(st.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := st.audit[i]
		out = append(out, &e)
	}
	return out, nil
}

func (st *memState) getSample(id int64) (*models.Sample, error) {
	s, ok := st.samples[id]
	if !ok {
		return nil, ErrSampleNotFound
	}
	return &s, nil
}

func (st *memState) getSpeciesEntry(id int64) (*models.SpeciesEntry, error) {
	e, ok := st.species[id]
	if !ok {
		return nil, ErrSpeciesEntryNotFound
	}
	return &e, nil
}

func (st *memState) affiliationsOf(sampleID int64) []string {
	var names []string
	for _, l := range st.links {
		if l.sampleID == sampleID {
			names = append(names, st.affiliations[l.affiliationID].Name)
		}
	}
	return names
}

func (st *memState) speciesOf(sampleID int64) ([]string, bool) {
	var entries []models.SpeciesEntry
	for _, e := range st.species {
		if e.SampleID == sampleID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	names := make([]string, 0, len(entries))
	hasGenomic := false
	for _, e := range entries {
		names = append(names, e.SpeciesName)
		for _, g := range st.genomic {
			if g.SampleSpeciesID == e.ID {
				hasGenomic = true
			}
		}
	}
	return names, hasGenomic
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// =============================================================================
// Transactions
// =============================================================================

type memTx struct {
	repo   *InMemoryRepository // set on the outer transaction
	parent *memTx              // set on nested transactions
	state  *memState
	done   bool
}

func (t *memTx) Begin(ctx context.Context) (Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return &memTx{parent: t, state: t.state.clone()}, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.parent != nil {
		t.parent.state = t.state
		return nil
	}
	t.repo.mu.Lock()
	t.repo.state = t.state
	t.repo.mu.Unlock()
	t.repo.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.parent == nil {
		t.repo.txMu.Unlock()
	}
	return nil
}

func (t *memTx) now() time.Time {
	for t.parent != nil {
		t = t.parent
	}
	return t.repo.now().UTC()
}

func (t *memTx) SampleExists(ctx context.Context, externalID string) (bool, error) {
	_, ok := t.state.byExternalID[externalID]
	return ok, nil
}

func (t *memTx) CreateSample(ctx context.Context, s *models.Sample) error {
	if _, ok := t.state.byExternalID[s.ExternalSampleID]; ok {
		return ErrSampleExists
	}
	s.ID = t.state.nextID()
	s.SubmittedAt = t.now()
	t.state.samples[s.ID] = *s
	t.state.byExternalID[s.ExternalSampleID] = s.ID
	return nil
}

func (t *memTx) GetSample(ctx context.Context, id int64) (*models.Sample, error) {
	return t.state.getSample(id)
}

func (t *memTx) UpdateSampleStatus(ctx context.Context, id int64, status string) error {
	s, ok := t.state.samples[id]
	if !ok {
		return ErrSampleNotFound
	}
	s.Status = status
	t.state.samples[id] = s
	return nil
}

func (t *memTx) GetOrCreateAffiliation(ctx context.Context, slug, displayName string) (*models.Affiliation, error) {
	if id, ok := t.state.bySlug[slug]; ok {
		a := t.state.affiliations[id]
		return &a, nil
	}
	a := models.Affiliation{ID: t.state.nextID(), Name: slug, DisplayName: displayName}
	t.state.affiliations[a.ID] = a
	t.state.bySlug[slug] = a.ID
	return &a, nil
}

func (t *memTx) LinkAffiliation(ctx context.Context, sampleID, affiliationID int64) error {
	for _, l := range t.state.links {
		if l.sampleID == sampleID && l.affiliationID == affiliationID {
			return nil
		}
	}
	t.state.links = append(t.state.links, sampleAffiliation{
		id:            t.state.nextID(),
		sampleID:      sampleID,
		affiliationID: affiliationID,
	})
	return nil
}

func (t *memTx) CreateSpeciesEntry(ctx context.Context, e *models.SpeciesEntry) error {
	if _, ok := t.state.samples[e.SampleID]; !ok {
		return ErrSampleNotFound
	}
	e.ID = t.state.nextID()
	e.CreatedAt = t.now()
	t.state.species[e.ID] = *e
	return nil
}

func (t *memTx) GetSpeciesEntry(ctx context.Context, id int64) (*models.SpeciesEntry, error) {
	return t.state.getSpeciesEntry(id)
}

func (t *memTx) CreateGenomicRecord(ctx context.Context, g *models.GenomicRecord) error {
	if _, ok := t.state.species[g.SampleSpeciesID]; !ok {
		return ErrSpeciesEntryNotFound
	}
	g.ID = t.state.nextID()
	g.CreatedAt = t.now()
	t.state.genomic[g.ID] = *g
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	e.ID = t.state.nextID()
	t.state.audit = append(t.state.audit, *e)
	return nil
}
