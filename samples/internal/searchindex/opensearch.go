// Package searchindex mirrors ingested samples into an OpenSearch index so
// they can be explored with geo and full-text queries.
package searchindex

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
)

// DefaultIndex is used when Config.Index is empty.
const DefaultIndex = "wwm-samples"

// Config holds the connection settings.
type Config struct {
	URL      string
	Username string
	Password string
	Insecure bool
	Index    string
}

// Location is an OpenSearch geo_point.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Document is the indexed form of one sample.
type Document struct {
	ID               int64     `json:"id"`
	SampleID         string    `json:"sample_id"`
	Status           string    `json:"status"`
	SiteName         string    `json:"site_name"`
	Country          *string   `json:"country,omitempty"`
	CollectorName    *string   `json:"collector_name,omitempty"`
	SamplingDate     string    `json:"sampling_date"`
	Location         Location  `json:"location"`
	Affiliations     []string  `json:"affiliations"`
	AffiliationOther *string   `json:"affiliation_other,omitempty"`
	Species          []string  `json:"species"`
	DataSource       string    `json:"data_source"`
	IndexedAt        time.Time `json:"indexed_at"`
}

var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":                map[string]string{"type": "long"},
			"sample_id":         map[string]string{"type": "keyword"},
			"status":            map[string]string{"type": "keyword"},
			"site_name":         map[string]string{"type": "text"},
			"country":           map[string]string{"type": "keyword"},
			"collector_name":    map[string]string{"type": "text"},
			"sampling_date":     map[string]string{"type": "date", "format": "yyyy-MM-dd"},
			"location":          map[string]string{"type": "geo_point"},
			"affiliations":      map[string]string{"type": "keyword"},
			"affiliation_other": map[string]string{"type": "text"},
			"species":           map[string]string{"type": "keyword"},
			"data_source":       map[string]string{"type": "keyword"},
			"indexed_at":        map[string]string{"type": "date"},
		},
	},
}

// OpenSearchIndex writes sample documents to one index.
type OpenSearchIndex struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchIndex connects to OpenSearch and checks that it answers.
func NewOpenSearchIndex(cfg Config) (*OpenSearchIndex, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	return &OpenSearchIndex{client: client, index: index}, nil
}

// Index returns the index name documents are written to.
func (s *OpenSearchIndex) Index() string { return s.index }

// EnsureIndex creates the index with its mapping when it does not exist.
func (s *OpenSearchIndex) EnsureIndex(ctx context.Context) error {
	exists, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", s.index, err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(indexMapping)
	if err != nil {
		return err
	}
	res, err := s.client.Indices.Create(s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		// another instance created it first
		if strings.Contains(string(b), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("failed to create index: %s - %s", res.Status(), string(b))
	}
	return nil
}

// IndexSamples writes docs in one bulk request, keyed by sample id so
// re-indexing a sample replaces its document.
func (s *OpenSearchIndex) IndexSamples(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: s.client,
		Index:  s.index,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	fail := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}
	for i := range docs {
		data, err := json.Marshal(docs[i])
		if err != nil {
			fail(fmt.Errorf("marshal sample %d: %w", docs[i].ID, err))
			continue
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: strconv.FormatInt(docs[i].ID, 10),
			Body:       bytes.NewReader(data),
			OnFailure: func(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					fail(fmt.Errorf("sample %s: %w", item.DocumentID, err))
					return
				}
				fail(fmt.Errorf("sample %s: %s: %s", item.DocumentID, res.Error.Type, res.Error.Reason))
			},
		})
		if err != nil {
			fail(fmt.Errorf("add sample %d: %w", docs[i].ID, err))
		}
	}

	if err := bi.Close(ctx); err != nil {
		fail(fmt.Errorf("bulk indexer close: %w", err))
	}
	if len(failures) > 0 {
		return fmt.Errorf("index %d of %d samples failed: %w", len(failures), len(docs), errors.Join(failures...))
	}
	return nil
}

// UpdateStatus sets the review status of an indexed sample.
func (s *OpenSearchIndex) UpdateStatus(ctx context.Context, id int64, status string) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc": map[string]string{"status": status},
	})
	if err != nil {
		return err
	}
	res, err := s.client.Update(s.index, strconv.FormatInt(id, 10), bytes.NewReader(body),
		s.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("update sample %d: %w", id, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("opensearch error: %s - %s", res.Status(), string(b))
	}
	return nil
}

// Close releases the client. The underlying transport has nothing to flush.
func (s *OpenSearchIndex) Close() error {
	return nil
}
