package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/worldwormmap/wwm-stack/common/messaging"
)

// Publisher publishes sample events to broker subjects.
type Publisher struct {
	client messaging.Publisher
}

// NewPublisher creates a new event publisher. A nil client discards events.
func NewPublisher(client messaging.Publisher) *Publisher {
	if client == nil {
		client = messaging.NoopPublisher{}
	}
	return &Publisher{client: client}
}

// PublishSampleIngested publishes a sample ingested event.
func (p *Publisher) PublishSampleIngested(ctx context.Context, event *SampleIngestedEvent) error {
	return p.publish(ctx, messaging.SubjectSamplesIngested, event)
}

// PublishSampleCurated publishes a sample curated event.
func (p *Publisher) PublishSampleCurated(ctx context.Context, event *SampleCuratedEvent) error {
	return p.publish(ctx, messaging.SubjectSamplesCurated, event)
}

// PublishIngestRun publishes an ingestion run summary.
func (p *Publisher) PublishIngestRun(ctx context.Context, event *IngestRunEvent) error {
	return p.publish(ctx, messaging.SubjectIngestRuns, event)
}

// publish marshals data to JSON and publishes to the specified subject.
func (p *Publisher) publish(ctx context.Context, subject string, data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, subject, bytes); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
