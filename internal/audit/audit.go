// Package audit implements the append-only audit event stream and the
// on-demand metrics exposition described in spec §6.
//
// Grounded on storage/entity.go's bucket-per-entity-type NATS KV idiom; the
// audit log itself uses a JetStream stream (not KV) because entries are
// append-only and never overwritten, matching the §7 "audit entries are
// never deleted by data-deletion requests" invariant.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RiskLevel mirrors the step risk levels from §3, reused for audit entries.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Entry is one audit record, written once and never mutated.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	RiskLevel RiskLevel      `json:"riskLevel,omitempty"`
	Target    string         `json:"target,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Writer is the single-method collaborator contract from §6.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

const streamName = "AXIS_AUDIT"
const subjectPrefix = "axis.audit"

// JetStreamWriter persists audit entries to an append-only JetStream stream.
type JetStreamWriter struct {
	js jetstream.JetStream
}

// NewJetStreamWriter creates (or reuses) the AXIS_AUDIT stream and returns a
// Writer backed by it.
func NewJetStreamWriter(ctx context.Context, js jetstream.JetStream) (*JetStreamWriter, error) {
	_, err := js.Stream(ctx, streamName)
	if err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectPrefix + ".>"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			// Audit entries are never deleted by data-deletion requests (§7);
			// MaxAge is intentionally left at zero (unbounded) so operators
			// must take an explicit, separate retention action.
		})
		if err != nil {
			return nil, fmt.Errorf("create audit stream: %w", err)
		}
	}
	return &JetStreamWriter{js: js}, nil
}

// Write never blocks the caller longer than its own publish discipline
// permits: it uses a bounded-wait JetStream publish rather than waiting on
// an ack queue of unbounded depth.
func (w *JetStreamWriter) Write(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	subject := subjectPrefix + "." + entry.Action
	if _, err := w.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

// NopWriter discards audit entries. Useful for tests and for components that
// have not yet been wired to a real stream.
type NopWriter struct{}

func (NopWriter) Write(context.Context, Entry) error { return nil }
