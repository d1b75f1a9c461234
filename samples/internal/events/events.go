// Package events publishes sample lifecycle events to the message broker.
package events

import "time"

// SampleIngestedEvent is published to samples.ingested for every sample an
// ingestion run created.
type SampleIngestedEvent struct {
	ID               int64     `json:"id"`
	ExternalSampleID string    `json:"external_sample_id"`
	RunID            string    `json:"run_id"`
	Actor            string    `json:"actor"`
	SiteName         string    `json:"site_name"`
	Country          *string   `json:"country,omitempty"`
	SamplingDate     string    `json:"sampling_date"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Affiliations     []string  `json:"affiliations"`
	IngestedAt       time.Time `json:"ingested_at"`
}

// SampleCuratedEvent is published to samples.curated after a curator
// changes a sample, its species or its genomic links.
type SampleCuratedEvent struct {
	Action     string      `json:"action"`
	Actor      string      `json:"actor"`
	EntityType string      `json:"entity_type"`
	EntityID   int64       `json:"entity_id"`
	SampleID   int64       `json:"sample_id"`
	Detail     interface{} `json:"detail,omitempty"`
	CuratedAt  time.Time   `json:"curated_at"`
}

// IngestRunEvent is published to samples.runs when an ingestion run finishes,
// whether it committed or failed.
type IngestRunEvent struct {
	RunID      string    `json:"run_id"`
	Actor      string    `json:"actor"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Ingested   int       `json:"ingested"`
	Duplicates int       `json:"duplicates"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
