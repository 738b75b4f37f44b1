package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pilotgate/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditWriter persists events to the events table. The in-memory log is
// bounded, so this table is the durable record.
type AuditWriter struct {
	DB *sql.DB
}

// Append writes e using tx when non-nil, otherwise the writer's DB.
func (w AuditWriter) Append(ctx context.Context, tx *sql.Tx, e Event) error {
	var ex execer = w.DB
	if tx != nil {
		ex = tx
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(event_id,ts,type,org_id,project_id,actor_id,trace_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UTC().Format(domain.TimeLayout), string(e.Type), e.OrganizationID, nullable(e.ProjectID), e.Actor, e.TraceID, string(data))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// Handler adapts the writer to a bus subscription.
func (w AuditWriter) Handler() Handler {
	return func(ctx context.Context, e Event) error {
		return w.Append(ctx, nil, e)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
