// Package kobo fetches survey submissions from a KoboToolbox asset.
package kobo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/worldwormmap/wwm-stack/samples/internal/normalizer"
)

// ErrUnexpectedStatus is wrapped when the API answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected status from kobo")

// maxBodyBytes bounds the submission payload read from the API.
const maxBodyBytes = 64 << 20

// Config holds the source settings. An empty AssetUID or Token means the
// source is not configured.
type Config struct {
	BaseURL  string
	AssetUID string
	Token    string
	Timeout  time.Duration
}

// Client fetches the full current submission set of one asset.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a new Kobo client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether both the asset uid and token are set.
func (c *Client) Configured() bool {
	return c.cfg.AssetUID != "" && c.cfg.Token != ""
}

// Fetch returns every submission of the asset. An unconfigured client
// returns an empty batch without contacting the API.
func (c *Client) Fetch(ctx context.Context) ([]normalizer.Submission, error) {
	if !c.Configured() {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/api/v2/assets/%s/data/?format=json",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.AssetUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch kobo submissions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read kobo response: %w", err)
	}
	return ExtractSubmissions(body)
}

// ExtractSubmissions accepts either a bare JSON list or an object with a
// "results" list. Non-object items are skipped; any other shape is an empty
// batch. Malformed JSON is an error.
func ExtractSubmissions(body []byte) ([]normalizer.Submission, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode kobo response: %w", err)
		}
	case '{':
		var envelope struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode kobo response: %w", err)
		}
		results := bytes.TrimSpace(envelope.Results)
		if len(results) == 0 || results[0] != '[' {
			return nil, nil
		}
		if err := json.Unmarshal(results, &items); err != nil {
			return nil, fmt.Errorf("decode kobo results: %w", err)
		}
	default:
		if !json.Valid(trimmed) {
			return nil, errors.New("decode kobo response: invalid JSON")
		}
		return nil, nil
	}

	submissions := make([]normalizer.Submission, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			continue
		}
		var s normalizer.Submission
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, fmt.Errorf("decode kobo submission: %w", err)
		}
		submissions = append(submissions, s)
	}
	return submissions, nil
}
