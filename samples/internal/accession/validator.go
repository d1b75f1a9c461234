// Package accession checks sequence accessions against NCBI esearch.
package accession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worldwormmap/wwm-stack/samples/internal/metrics"
)

const (
	DefaultBaseURL  = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"
	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = 24 * time.Hour

	nuccoreURL  = "https://www.ncbi.nlm.nih.gov/nuccore/"
	cachePrefix = "wwm:accession:"
)

// Lookup results recorded on metrics.AccessionLookups.
const (
	lookupDisabled = "disabled"
	lookupCacheHit = "cache_hit"
	lookupFound    = "found"
	lookupNotFound = "not_found"
	lookupError    = "error"
)

// Config controls remote validation. When Enabled is false no request is made.
type Config struct {
	Enabled  bool
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Result is the outcome of one validation.
type Result struct {
	Validated   bool    `json:"accession_validated"`
	ResolvedURL *string `json:"resolved_url"`
}

// Validator resolves accessions. Definite answers from NCBI are cached in
// Redis when a client is supplied; request failures are never cached.
type Validator struct {
	cfg    Config
	http   *http.Client
	cache  *redis.Client
	logger *slog.Logger
}

// NewValidator creates a validator. cache may be nil.
func NewValidator(cfg Config, cache *redis.Client, logger *slog.Logger) *Validator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger,
	}
}

// FallbackURL is the NCBI nucleotide page for accession.
func FallbackURL(accession string) string {
	return nuccoreURL + url.PathEscape(accession)
}

// Validate never fails: every problem degrades to an unvalidated result.
//
//	disabled          -> {false, fallback}
//	found             -> {true, fallback}
//	not found         -> {false, nil}
//	request failure   -> {false, nil}
func (v *Validator) Validate(ctx context.Context, accession string) Result {
	accession = strings.TrimSpace(accession)
	if accession == "" {
		return Result{}
	}
	fallback := FallbackURL(accession)

	if !v.cfg.Enabled {
		metrics.AccessionLookups.WithLabelValues(lookupDisabled).Inc()
		return Result{ResolvedURL: &fallback}
	}

	if found, ok := v.cached(ctx, accession); ok {
		metrics.AccessionLookups.WithLabelValues(lookupCacheHit).Inc()
		return result(found, fallback)
	}

	found, err := v.search(ctx, accession)
	if err != nil {
		metrics.AccessionLookups.WithLabelValues(lookupError).Inc()
		v.logger.Warn("accession lookup failed", "accession", accession, "error", err)
		return Result{}
	}

	if found {
		metrics.AccessionLookups.WithLabelValues(lookupFound).Inc()
	} else {
		metrics.AccessionLookups.WithLabelValues(lookupNotFound).Inc()
	}
	v.store(ctx, accession, found)
	return result(found, fallback)
}

func result(found bool, fallback string) Result {
	if !found {
		return Result{}
	}
	return Result{Validated: true, ResolvedURL: &fallback}
}

type esearchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (v *Validator) search(ctx context.Context, accession string) (bool, error) {
	params := url.Values{}
	params.Set("db", "nucleotide")
	params.Set("term", accession)
	params.Set("retmode", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build esearch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("esearch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("esearch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload esearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode esearch response: %w", err)
	}
	return len(payload.ESearchResult.IDList) > 0, nil
}

func (v *Validator) cached(ctx context.Context, accession string) (bool, bool) {
	if v.cache == nil {
		return false, false
	}
	val, err := v.cache.Get(ctx, cachePrefix+accession).Result()
	if errors.Is(err, redis.Nil) {
		return false, false
	}
	if err != nil {
		v.logger.Warn("accession cache read failed", "error", err)
		return false, false
	}
	return val == "1", true
}

func (v *Validator) store(ctx context.Context, accession string, found bool) {
	if v.cache == nil {
		return
	}
	val := "0"
	if found {
		val = "1"
	}
	if err := v.cache.Set(ctx, cachePrefix+accession, val, v.cfg.CacheTTL).Err(); err != nil {
		v.logger.Warn("accession cache write failed", "error", err)
	}
}

// NewRedisClient connects to redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
