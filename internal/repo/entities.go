package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pilotgate/internal/domain"
)

func (r Repo) InsertAsset(ctx context.Context, tx *sql.Tx, a domain.DataAsset, at time.Time) error {
	_, err := r.exec(ctx, tx, `INSERT INTO data_assets(id,project_id,name,classification,contains_pii,approved,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Name, nullable(a.Classification), boolInt(a.ContainsPII), boolInt(a.Approved), formatTime(at))
	return err
}

// SetAssetApproval flips the approval flag on one asset.
func (r Repo) SetAssetApproval(ctx context.Context, tx *sql.Tx, projectID, assetID string, approved bool) error {
	res, err := r.exec(ctx, tx, `UPDATE data_assets SET approved=? WHERE id=? AND project_id=?`, boolInt(approved), assetID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAssets(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.DataAsset, error) {
	rows, err := r.query(ctx, tx, `SELECT id,project_id,name,COALESCE(classification,''),contains_pii,approved FROM data_assets WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DataAsset{}
	for rows.Next() {
		var a domain.DataAsset
		var pii, approved int
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Classification, &pii, &approved); err != nil {
			return nil, err
		}
		a.ContainsPII = pii != 0
		a.Approved = approved != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.GateReview) error {
	_, err := r.exec(ctx, tx, `INSERT INTO gate_reviews(id,project_id,gate_type,decision,reviewer_id,notes,decided_at) VALUES (?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.GateType, string(g.Decision), nullable(g.ReviewerID), nullable(g.Notes), formatTime(g.DecidedAt))
	return err
}

// ListGates returns gate reviews oldest first so later entries are the latest decisions.
func (r Repo) ListGates(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.GateReview, error) {
	rows, err := r.query(ctx, tx, `SELECT id,project_id,gate_type,decision,COALESCE(reviewer_id,''),COALESCE(notes,''),decided_at FROM gate_reviews WHERE project_id=? ORDER BY decided_at, rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.GateReview{}
	for rows.Next() {
		var g domain.GateReview
		var decision, decided string
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.GateType, &decision, &g.ReviewerID, &g.Notes, &decided); err != nil {
			return nil, err
		}
		g.Decision = domain.Decision(decision)
		if g.DecidedAt, err = parseTime(decided); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) InsertRisk(ctx context.Context, tx *sql.Tx, k domain.Risk, at time.Time) error {
	_, err := r.exec(ctx, tx, `INSERT INTO risks(id,project_id,title,tier,mitigation,owner,created_at) VALUES (?,?,?,?,?,?,?)`,
		k.ID, k.ProjectID, k.Title, k.Tier, nullable(k.Mitigation), nullable(k.Owner), formatTime(at))
	return err
}

func (r Repo) GetRisk(ctx context.Context, tx *sql.Tx, id string) (domain.Risk, error) {
	var k domain.Risk
	err := r.queryRow(ctx, tx, `SELECT id,project_id,title,tier,COALESCE(mitigation,''),COALESCE(owner,'') FROM risks WHERE id=?`, id).
		Scan(&k.ID, &k.ProjectID, &k.Title, &k.Tier, &k.Mitigation, &k.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	return k, err
}

// UpdateRiskMitigation sets mitigation text and, when owner is non-empty, the owner.
func (r Repo) UpdateRiskMitigation(ctx context.Context, tx *sql.Tx, id, mitigation, owner string) error {
	res, err := r.exec(ctx, tx, `UPDATE risks SET mitigation=?, owner=COALESCE(?, owner) WHERE id=?`, nullable(mitigation), nullable(owner), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRisks(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Risk, error) {
	rows, err := r.query(ctx, tx, `SELECT id,project_id,title,tier,COALESCE(mitigation,''),COALESCE(owner,'') FROM risks WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Risk{}
	for rows.Next() {
		var k domain.Risk
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Title, &k.Tier, &k.Mitigation, &k.Owner); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) InsertPolicy(ctx context.Context, tx *sql.Tx, p domain.Policy, at time.Time) error {
	_, err := r.exec(ctx, tx, `INSERT INTO policies(id,project_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Name, p.Status, formatTime(at))
	return err
}

func (r Repo) UpdatePolicyStatus(ctx context.Context, tx *sql.Tx, projectID, id, status string) error {
	res, err := r.exec(ctx, tx, `UPDATE policies SET status=? WHERE id=? AND project_id=?`, status, id, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPolicies(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Policy, error) {
	rows, err := r.query(ctx, tx, `SELECT id,project_id,name,status FROM policies WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Policy{}
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Status); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertControl records the latest result for a control; one row per control per project.
func (r Repo) UpsertControl(ctx context.Context, tx *sql.Tx, c domain.ControlCheck, at time.Time) error {
	_, err := r.exec(ctx, tx, `INSERT INTO control_checks(id,project_id,control_id,result,checked_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id, control_id) DO UPDATE SET result=excluded.result, checked_at=excluded.checked_at`,
		c.ID, c.ProjectID, c.ControlID, c.Result, formatTime(at))
	return err
}

func (r Repo) ListControls(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ControlCheck, error) {
	rows, err := r.query(ctx, tx, `SELECT id,project_id,control_id,result FROM control_checks WHERE project_id=? ORDER BY control_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ControlCheck{}
	for rows.Next() {
		var c domain.ControlCheck
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.ControlID, &c.Result); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.TeamMember, at time.Time) error {
	_, err := r.exec(ctx, tx, `INSERT OR IGNORE INTO team_members(project_id,user_id,role,created_at) VALUES (?,?,?,?)`,
		m.ProjectID, m.UserID, m.Role, formatTime(at))
	return err
}

func (r Repo) RemoveMember(ctx context.Context, tx *sql.Tx, m domain.TeamMember) error {
	res, err := r.exec(ctx, tx, `DELETE FROM team_members WHERE project_id=? AND user_id=? AND role=?`, m.ProjectID, m.UserID, m.Role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMembers(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.TeamMember, error) {
	rows, err := r.query(ctx, tx, `SELECT project_id,user_id,role FROM team_members WHERE project_id=? ORDER BY created_at, user_id, role`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TeamMember{}
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LoadSnapshot assembles a fresh snapshot of one project.
func (r Repo) LoadSnapshot(ctx context.Context, tx *sql.Tx, projectID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var err error
	if snap.Project, err = r.GetProjectTx(ctx, tx, projectID); err != nil {
		return snap, err
	}
	if snap.Assets, err = r.ListAssets(ctx, tx, projectID); err != nil {
		return snap, err
	}
	if snap.Gates, err = r.ListGates(ctx, tx, projectID); err != nil {
		return snap, err
	}
	if snap.Risks, err = r.ListRisks(ctx, tx, projectID); err != nil {
		return snap, err
	}
	if snap.Policies, err = r.ListPolicies(ctx, tx, projectID); err != nil {
		return snap, err
	}
	if snap.Controls, err = r.ListControls(ctx, tx, projectID); err != nil {
		return snap, err
	}
	if snap.Members, err = r.ListMembers(ctx, tx, projectID); err != nil {
		return snap, err
	}
	return snap, nil
}
