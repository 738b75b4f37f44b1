package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pilotgate/internal/engine/sla"
)

const escalationColumns = `id,sla_policy_id,resource_type,resource_id,COALESCE(project_id,''),org_id,current_level,status,opened_at,due_at,escalated_at,resolved_at`

func scanEscalation(row scanner) (sla.Record, error) {
	var rec sla.Record
	var status, opened, due string
	var escalated, resolved sql.NullString
	if err := row.Scan(&rec.ID, &rec.SLAPolicyID, &rec.ResourceType, &rec.ResourceID, &rec.ProjectID, &rec.OrgID,
		&rec.CurrentLevel, &status, &opened, &due, &escalated, &resolved); err != nil {
		return rec, err
	}
	rec.Status = sla.Status(status)
	var err error
	if rec.OpenedAt, err = parseTime(opened); err != nil {
		return rec, err
	}
	if rec.DueAt, err = parseTime(due); err != nil {
		return rec, err
	}
	if rec.EscalatedAt, err = parseNullTime(escalated); err != nil {
		return rec, err
	}
	if rec.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, rec sla.Record) error {
	_, err := r.exec(ctx, tx, `INSERT INTO escalations(id,sla_policy_id,resource_type,resource_id,project_id,org_id,current_level,status,opened_at,due_at,escalated_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.SLAPolicyID, rec.ResourceType, rec.ResourceID, nullable(rec.ProjectID), rec.OrgID, rec.CurrentLevel, string(rec.Status),
		formatTime(rec.OpenedAt), formatTime(rec.DueAt), nullableTime(rec.EscalatedAt), nullableTime(rec.ResolvedAt))
	return err
}

// EscalationFilter selects escalation records. Zero fields match everything.
type EscalationFilter struct {
	ProjectID       string
	OrgID           string
	ResourceType    string
	ResourceID      string
	IncludeResolved bool
}

func (r Repo) ListEscalations(ctx context.Context, tx *sql.Tx, f EscalationFilter) ([]sla.Record, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if !f.IncludeResolved {
		clauses = append(clauses, "resolved_at IS NULL")
	}
	rows, err := r.query(ctx, tx, `SELECT `+escalationColumns+` FROM escalations WHERE `+strings.Join(clauses, " AND ")+` ORDER BY opened_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []sla.Record{}
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpdateEscalation persists the recomputed status, level and escalation time of an open record.
func (r Repo) UpdateEscalation(ctx context.Context, tx *sql.Tx, rec sla.Record) error {
	res, err := r.exec(ctx, tx, `UPDATE escalations SET status=?, current_level=?, escalated_at=? WHERE id=? AND resolved_at IS NULL`,
		string(rec.Status), rec.CurrentLevel, nullableTime(rec.EscalatedAt), rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveEscalations freezes every open record for a resource and returns them.
func (r Repo) ResolveEscalations(ctx context.Context, tx *sql.Tx, resourceType, resourceID string, at time.Time) ([]sla.Record, error) {
	open, err := r.ListEscalations(ctx, tx, EscalationFilter{ResourceType: resourceType, ResourceID: resourceID})
	if err != nil {
		return nil, err
	}
	for i := range open {
		if _, err := r.exec(ctx, tx, `UPDATE escalations SET resolved_at=? WHERE id=?`, formatTime(at), open[i].ID); err != nil {
			return nil, err
		}
		resolved := at
		open[i].ResolvedAt = &resolved
	}
	return open, nil
}
