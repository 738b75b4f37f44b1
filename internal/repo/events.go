package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pilotgate/internal/events"
)

// StoredEvent is an audit row. Seq is the table's monotonic id.
type StoredEvent struct {
	Seq int64 `json:"seq"`
	events.Event
}

// EventFilter selects audit rows. Before pages backwards by Seq.
type EventFilter struct {
	OrgID     string
	ProjectID string
	Types     []events.Type
	Since     time.Time
	Before    int64
	Limit     int
}

// ListEvents returns persisted events newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "type IN ("+strings.Join(marks, ",")+")")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts>=?")
		args = append(args, formatTime(f.Since))
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,event_id,ts,type,org_id,COALESCE(project_id,''),actor_id,trace_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []StoredEvent{}
	for rows.Next() {
		var e StoredEvent
		var ts, typ, payload string
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &typ, &e.OrganizationID, &e.ProjectID, &e.Actor, &e.TraceID, &payload); err != nil {
			return nil, err
		}
		e.Type = events.Type(typ)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents returns the number of persisted events of a project.
func (r Repo) CountEvents(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE project_id=?`, projectID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
