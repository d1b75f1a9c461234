// Package auditlog writes signed entries to the append-only audit log.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/worldwormmap/wwm-stack/common/audit"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// Actions recorded in the audit log.
const (
	ActionIngestSample     = "ingest_sample"
	ActionApproveSample    = "approve_sample"
	ActionAddSpecies       = "add_species"
	ActionAddGenomicRecord = "add_genomic_record"
)

// Entity types recorded in the audit log.
const (
	EntitySample        = "sample"
	EntitySampleSpecies = "sample_species"
	EntityGenomicRecord = "genomic_record"
)

// Appender stores audit entries. repository.Tx satisfies it.
type Appender interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// Writer signs and appends audit entries.
type Writer struct {
	signer *audit.EntrySigner
	now    func() time.Time
}

func NewWriter(secret string) *Writer {
	return &Writer{signer: audit.NewEntrySigner(secret), now: time.Now}
}

// Write appends one entry describing actor performing action on the entity.
// detail is stored as JSON.
func (w *Writer) Write(ctx context.Context, store Appender, actor, action, entityType string, entityID int64, detail any) (*models.AuditEntry, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal audit detail: %w", err)
	}

	entry := &models.AuditEntry{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     raw,
		// timestamptz keeps microseconds
		CreatedAt: w.now().UTC().Truncate(time.Microsecond),
	}
	entry.Signature = w.signer.Sign(signed(entry))

	if err := store.AppendAudit(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Verify reports whether e's signature matches its content. The detail is
// compacted first because jsonb does not keep the original spacing.
func (w *Writer) Verify(e *models.AuditEntry) bool {
	return w.signer.Verify(signed(e), e.Signature)
}

func signed(e *models.AuditEntry) audit.Entry {
	return audit.Entry{
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Detail:     canonicalJSON(e.Detail),
		CreatedAt:  e.CreatedAt,
	}
}

// canonicalJSON re-encodes raw so that key order and spacing do not affect
// the signature.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
