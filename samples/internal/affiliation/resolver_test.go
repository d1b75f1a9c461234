package affiliation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// fakeStore keeps affiliations unique by slug like the database constraint does.
type fakeStore struct {
	bySlug map[string]*models.Affiliation
	links  map[[2]int64]bool
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{bySlug: map[string]*models.Affiliation{}, links: map[[2]int64]bool{}}
}

func (s *fakeStore) GetOrCreateAffiliation(_ context.Context, slug, displayName string) (*models.Affiliation, error) {
	if a, ok := s.bySlug[slug]; ok {
		return a, nil
	}
	s.nextID++
	a := &models.Affiliation{ID: s.nextID, Name: slug, DisplayName: displayName}
	s.bySlug[slug] = a
	return a, nil
}

func (s *fakeStore) LinkAffiliation(_ context.Context, sampleID, affiliationID int64) error {
	s.links[[2]int64{sampleID, affiliationID}] = true
	return nil
}

func strPtr(s string) *string { return &s }

func TestAttach_WithOther(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(nil)

	linked, err := r.Attach(context.Background(), store, 1, []string{"worm_lab", "other"}, strPtr("City Zoo"))
	require.NoError(t, err)

	assert.Equal(t, []string{"worm_lab", "city_zoo"}, linked)
	assert.Len(t, store.links, 2)
	assert.Equal(t, "Worm Lab", store.bySlug["worm_lab"].DisplayName)
	assert.Equal(t, "City Zoo", store.bySlug["city_zoo"].DisplayName)
}

func TestAttach_OtherIgnoredWhenNotSelected(t *testing.T) {
	store := newFakeStore()

	linked, err := NewResolver(nil).Attach(context.Background(), store, 1, []string{"worm_lab"}, strPtr("City Zoo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"worm_lab"}, linked)
	assert.NotContains(t, store.bySlug, "city_zoo")
}

func TestAttach_FreeTextOnly(t *testing.T) {
	store := newFakeStore()

	linked, err := NewResolver(nil).Attach(context.Background(), store, 1, nil, strPtr("Soil Institute"))
	require.NoError(t, err)
	assert.Equal(t, []string{"soil_institute"}, linked)
}

func TestAttach_OtherDuplicatesExistingSlug(t *testing.T) {
	store := newFakeStore()

	linked, err := NewResolver(nil).Attach(context.Background(), store, 1, []string{"worm_lab", "other"}, strPtr("Worm Lab"))
	require.NoError(t, err)
	assert.Equal(t, []string{"worm_lab"}, linked)
	assert.Len(t, store.links, 1)
	assert.Equal(t, "Worm Lab", store.bySlug["worm_lab"].DisplayName)
}

func TestAttach_EmptySlugsSkippedLocally(t *testing.T) {
	store := newFakeStore()

	linked, err := NewResolver(nil).Attach(context.Background(), store, 1, []string{"other"}, strPtr("!!!"))
	require.NoError(t, err)
	assert.Empty(t, linked)
	assert.Empty(t, store.bySlug)

	linked, err = NewResolver(nil).Attach(context.Background(), store, 1, []string{"other"}, nil)
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func TestAttach_SameSlugAcrossSamplesResolvesToOneEntity(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(nil)

	for sampleID := int64(1); sampleID <= 5; sampleID++ {
		_, err := r.Attach(context.Background(), store, sampleID, []string{"worm_lab"}, nil)
		require.NoError(t, err)
	}

	assert.Len(t, store.bySlug, 1)
	assert.Len(t, store.links, 5)
	for key := range store.links {
		assert.Equal(t, store.bySlug["worm_lab"].ID, key[1])
	}
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetOrCreateAffiliation(ctx context.Context, slug, displayName string) (*models.Affiliation, error) {
	args := m.Called(ctx, slug, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Affiliation), args.Error(1)
}

func (m *mockStore) LinkAffiliation(ctx context.Context, sampleID, affiliationID int64) error {
	args := m.Called(ctx, sampleID, affiliationID)
	return args.Error(0)
}

func TestAttach_StoreErrorStopsAttach(t *testing.T) {
	store := &mockStore{}
	dbErr := errors.New("connection reset")
	store.On("GetOrCreateAffiliation", mock.Anything, "worm_lab", "Worm Lab").
		Return(&models.Affiliation{ID: 3, Name: "worm_lab"}, nil)
	store.On("LinkAffiliation", mock.Anything, int64(7), int64(3)).Return(dbErr)

	linked, err := NewResolver(nil).Attach(context.Background(), store, 7, []string{"worm_lab", "city_zoo"}, nil)
	assert.ErrorIs(t, err, dbErr)
	assert.Empty(t, linked)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "GetOrCreateAffiliation", mock.Anything, "city_zoo", mock.Anything)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Worm Lab", DisplayName("worm_lab", ""))
	assert.Equal(t, "Worm Lab", DisplayName("worm_lab", "   "))
	assert.Equal(t, "WormLab e.V.", DisplayName("wormlab_e_v", " WormLab e.V. "))
}
