// Package audit records analytics events emitted by graph operations.
// Sinks are fire-and-forget: a failing sink must never abort the
// operation that triggered the event.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is a single analytics record.
type Event struct {
	ConversationID string         `json:"conversation_id"`
	Name           string         `json:"name"`
	BranchID       string         `json:"branch_id,omitempty"`
	Model          string         `json:"model,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Sink consumes events. Implementations swallow their own errors.
type Sink interface {
	Log(ctx context.Context, e Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Log(ctx context.Context, e Event) {}

// LogSink writes events to the structured log. It is the default sink
// when no database is configured.
type LogSink struct{}

func (LogSink) Log(ctx context.Context, e Event) {
	log.Info().
		Str("conversation_id", e.ConversationID).
		Str("event", e.Name).
		Str("branch_id", e.BranchID).
		Str("model", e.Model).
		Interface("metadata", e.Metadata).
		Msg("audit event")
}

// Recorder is an in-memory sink for tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Log(ctx context.Context, e Event) {
	r.Events = append(r.Events, e)
}

// Last returns the most recent event with the given name, or nil.
func (r *Recorder) Last(name string) *Event {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Name == name {
			return &r.Events[i]
		}
	}
	return nil
}
