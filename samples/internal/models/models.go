// Package models provides data models for the samples service.
package models

import (
	"encoding/json"
	"time"
)

// Sample statuses.
const (
	StatusPending   = "pending"
	StatusValidated = "validated"
	StatusRejected  = "rejected"
)

// Data sources recorded on a sample.
const (
	DataSourceKobo = "kobo"
	DataSourceSeed = "seed"
)

// UnidentifiedSpecies is the placeholder species name attached to every ingested sample.
const UnidentifiedSpecies = "unidentified"

// UnknownSite is used when a submission carries no site name.
const UnknownSite = "Unknown site"

// =============================================================================
// Persisted entities
// =============================================================================

// Affiliation is a canonical organisation a sample can be linked to.
// Name is the unique slug; DisplayName is the human-readable label.
type Affiliation struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Sample is a persisted worm sample.
type Sample struct {
	ID               int64           `json:"id"`
	ExternalSampleID string          `json:"external_sample_id"`
	SubmittedBy      *string         `json:"submitted_by,omitempty"`
	Country          *string         `json:"country,omitempty"`
	SiteName         *string         `json:"site_name,omitempty"`
	SamplingDate     *time.Time      `json:"sampling_date,omitempty"`
	Status           string          `json:"status"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	Notes            *string         `json:"notes,omitempty"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	Latitude         float64         `json:"latitude"`
	Longitude        float64         `json:"longitude"`
	DataSource       string          `json:"data_source"`
}

// SpeciesEntry is a species identification attached to a sample.
type SpeciesEntry struct {
	ID            int64     `json:"id"`
	SampleID      int64     `json:"sample_id"`
	SpeciesName   string    `json:"species_name"`
	IsProvisional bool      `json:"is_provisional"`
	CuratedBy     *string   `json:"curated_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// GenomicRecord links a species entry to a sequence accession.
type GenomicRecord struct {
	ID                 int64     `json:"id"`
	SampleSpeciesID    int64     `json:"sample_species_id"`
	Accession          string    `json:"accession"`
	AccessionValidated bool      `json:"accession_validated"`
	ResolvedURL        *string   `json:"resolved_url"`
	CreatedAt          time.Time `json:"created_at"`
}

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Signature  string          `json:"signature"`

	// Verified is set when listing: true if Signature matches the row.
	Verified bool `json:"verified"`
}

// =============================================================================
// Listings
// =============================================================================

// SampleFilter narrows ListSamples. Empty fields do not filter.
// Species and Affiliation match case-insensitively.
type SampleFilter struct {
	Status      string
	Species     string
	Affiliation string
}

// SampleSummary is one row of the public sample listing.
type SampleSummary struct {
	ID               int64    `json:"id"`
	SampleID         string   `json:"sample_id"`
	Status           string   `json:"status"`
	SiteName         string   `json:"site_name"`
	SamplingDate     string   `json:"sampling_date"`
	CollectorName    *string  `json:"collector_name"`
	TubeID           *string  `json:"tube_id"`
	SoilPH           *string  `json:"soil_ph"`
	DepthCM          *string  `json:"depth_cm"`
	Lat              float64  `json:"lat"`
	Lon              float64  `json:"lon"`
	Affiliations     []string `json:"affiliations"`
	AffiliationOther *string  `json:"affiliation_other"`
	Species          []string `json:"species"`
	HasGenomicLinks  bool     `json:"has_genomic_links"`
	DataSource       string   `json:"data_source"`
}

// SpeciesCount is one row of the species listing.
type SpeciesCount struct {
	SpeciesName string `json:"species_name"`
	SampleCount int64  `json:"sample_count"`
}

// AffiliationSummary is one row of the affiliation listing.
type AffiliationSummary struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// =============================================================================
// Ingestion
// =============================================================================

// Ingestion error kinds.
const (
	ErrorKindMissingIdentifier = "missing_identifier"
	ErrorKindMissingLocation   = "missing_location"
	ErrorKindPersistence       = "persistence"
)

// ErrorKinds breaks IngestResult.Errors down by cause.
type ErrorKinds struct {
	MissingIdentifier int `json:"missing_identifier"`
	MissingLocation   int `json:"missing_location"`
	Persistence       int `json:"persistence"`
}

// IngestResult summarises one ingestion run.
type IngestResult struct {
	RunID      string     `json:"run_id"`
	Actor      string     `json:"actor"`
	Ingested   int        `json:"ingested"`
	Duplicates int        `json:"duplicates"`
	Errors     int        `json:"errors"`
	ErrorKinds ErrorKinds `json:"error_kinds"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	// SampleIDs holds the database ids created by this run, in ingestion order.
	SampleIDs []int64 `json:"-"`
}

// AddError counts one error of the given kind.
func (r *IngestResult) AddError(kind string) {
	r.Errors++
	switch kind {
	case ErrorKindMissingIdentifier:
		r.ErrorKinds.MissingIdentifier++
	case ErrorKindMissingLocation:
		r.ErrorKinds.MissingLocation++
	default:
		r.ErrorKinds.Persistence++
	}
}

// FieldsDebug is the integration-debugging view of the newest source submission.
type FieldsDebug struct {
	Count  int                    `json:"count"`
	Keys   []string               `json:"keys"`
	Mapped map[string]interface{} `json:"mapped"`
}

// =============================================================================
// Curation requests and responses
// =============================================================================

// ApprovalRequest changes a sample's review status.
type ApprovalRequest struct {
	Status string `json:"status"`
}

// SpeciesRequest adds a curated species to a sample.
type SpeciesRequest struct {
	SpeciesName string `json:"species_name"`
}

// GenomicsRequest links an accession to a species entry.
type GenomicsRequest struct {
	Accession string `json:"accession"`
}

// ApprovalResponse is returned after a status change.
type ApprovalResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// HealthResponse is returned by /api/health.
type HealthResponse struct {
	Status     string        `json:"status"`
	Database   string        `json:"database"`
	Scheduler  string        `json:"scheduler"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	LastResult *IngestResult `json:"last_result,omitempty"`
}
