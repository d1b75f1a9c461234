package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldwormmap/wwm-stack/common/messaging"
)

type recordedMessage struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []recordedMessage
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recordedMessage{subject: subject, data: data})
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestPublishSampleIngested(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewPublisher(rec)

	err := p.PublishSampleIngested(context.Background(), &SampleIngestedEvent{
		ID:               7,
		ExternalSampleID: "WWM-001",
		RunID:            "run-1",
		Actor:            "scheduler",
		SiteName:         "Forest edge",
		SamplingDate:     "2024-05-01",
		Latitude:         45.5,
		Longitude:        -73.6,
		Affiliations:     []string{"mcgill"},
		IngestedAt:       time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, messaging.SubjectSamplesIngested, rec.msgs[0].subject)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.msgs[0].data, &decoded))
	assert.Equal(t, "WWM-001", decoded["external_sample_id"])
	assert.Equal(t, "2024-05-01", decoded["sampling_date"])
	assert.NotContains(t, decoded, "country")
}

func TestPublishSubjects(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewPublisher(rec)
	ctx := context.Background()

	require.NoError(t, p.PublishSampleCurated(ctx, &SampleCuratedEvent{Action: "approve_sample", SampleID: 1}))
	require.NoError(t, p.PublishIngestRun(ctx, &IngestRunEvent{RunID: "r", Success: true}))

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, messaging.SubjectSamplesCurated, rec.msgs[0].subject)
	assert.Equal(t, messaging.SubjectIngestRuns, rec.msgs[1].subject)
}

func TestPublishWrapsClientError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewPublisher(&recordingPublisher{err: boom})

	err := p.PublishIngestRun(context.Background(), &IngestRunEvent{RunID: "r"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), messaging.SubjectIngestRuns)
}

func TestNilClientDiscards(t *testing.T) {
	p := NewPublisher(nil)
	assert.NoError(t, p.PublishSampleCurated(context.Background(), &SampleCuratedEvent{}))
}
