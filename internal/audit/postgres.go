package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// PostgresSink persists events into the audit_events table. Insert
// failures are logged and dropped so that graph operations never block
// on analytics.
type PostgresSink struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

func (s *PostgresSink) Log(ctx context.Context, e Event) {
	var metaJSON []byte
	if e.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			log.Warn().Err(err).Str("event", e.Name).Msg("audit: dropping unmarshalable metadata")
			metaJSON = nil
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events (conversation_id, event_name, branch_id, model, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, e.ConversationID, e.Name, nullIfEmpty(e.BranchID), nullIfEmpty(e.Model), metaJSON, e.CreatedAt)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", e.ConversationID).
			Str("event", e.Name).
			Msg("audit: insert failed, event dropped")
	}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
