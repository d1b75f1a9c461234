package accession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

// esearchServer answers with ids when the term is in known.
func esearchServer(t *testing.T, known map[string]bool, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "nucleotide", r.URL.Query().Get("db"))
		assert.Equal(t, "json", r.URL.Query().Get("retmode"))

		w.Header().Set("Content-Type", "application/json")
		if known[r.URL.Query().Get("term")] {
			w.Write([]byte(`{"esearchresult":{"count":"1","idlist":["2547392"]}}`))
			return
		}
		w.Write([]byte(`{"esearchresult":{"count":"0","idlist":[]}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateDisabled(t *testing.T) {
	v := NewValidator(Config{Enabled: false}, nil, nil)

	res := v.Validate(context.Background(), " MN123456 ")
	assert.False(t, res.Validated)
	require.NotNil(t, res.ResolvedURL)
	assert.Equal(t, "https://www.ncbi.nlm.nih.gov/nuccore/MN123456", *res.ResolvedURL)
}

func TestValidateBlank(t *testing.T) {
	v := NewValidator(Config{Enabled: false}, nil, nil)
	res := v.Validate(context.Background(), "   ")
	assert.False(t, res.Validated)
	assert.Nil(t, res.ResolvedURL)
}

func TestValidateFoundAndNotFound(t *testing.T) {
	var calls int32
	srv := esearchServer(t, map[string]bool{"MN123456": true}, &calls)
	v := NewValidator(Config{Enabled: true, BaseURL: srv.URL}, nil, nil)

	found := v.Validate(context.Background(), "MN123456")
	assert.True(t, found.Validated)
	require.NotNil(t, found.ResolvedURL)
	assert.Equal(t, FallbackURL("MN123456"), *found.ResolvedURL)

	missing := v.Validate(context.Background(), "XX000000")
	assert.False(t, missing.Validated)
	assert.Nil(t, missing.ResolvedURL)
}

func TestValidateRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, client := setupTestRedis(t)
	v := NewValidator(Config{Enabled: true, BaseURL: srv.URL}, client, nil)

	res := v.Validate(context.Background(), "MN123456")
	assert.False(t, res.Validated)
	assert.Nil(t, res.ResolvedURL)

	// failures are not cached
	exists, err := client.Exists(context.Background(), cachePrefix+"MN123456").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestValidateUnreachable(t *testing.T) {
	v := NewValidator(Config{Enabled: true, BaseURL: "http://127.0.0.1:1/esearch", Timeout: time.Second}, nil, nil)
	res := v.Validate(context.Background(), "MN123456")
	assert.Equal(t, Result{}, res)
}

func TestValidateUsesCache(t *testing.T) {
	var calls int32
	srv := esearchServer(t, map[string]bool{"MN123456": true}, &calls)
	mr, client := setupTestRedis(t)
	v := NewValidator(Config{Enabled: true, BaseURL: srv.URL, CacheTTL: time.Hour}, client, nil)
	ctx := context.Background()

	first := v.Validate(ctx, "MN123456")
	second := v.Validate(ctx, "MN123456")
	assert.True(t, first.Validated)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// negative answers are cached too
	v.Validate(ctx, "XX000000")
	v.Validate(ctx, "XX000000")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// expiry sends the next lookup back to NCBI
	mr.FastForward(2 * time.Hour)
	v.Validate(ctx, "MN123456")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNewRedisClient(t *testing.T) {
	mr, _ := setupTestRedis(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
