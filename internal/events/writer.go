package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one entry in the durable event log.
type Record struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

type Payload map[string]any

// Writer appends records to the events table inside a caller-owned
// transaction, so log entries commit or roll back with the state change
// that produced them.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if rec.Payload == nil {
		rec.Payload = Payload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, rec.Type, rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
