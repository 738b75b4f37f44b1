// Package app is the calling layer: it loads snapshots, invokes the decision
// engine and persists the outcomes.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pilotgate/internal/domain"
	"pilotgate/internal/engine"
	"pilotgate/internal/engine/auth"
	"pilotgate/internal/engine/lifecycle"
	"pilotgate/internal/engine/policy"
	"pilotgate/internal/engine/sla"
	"pilotgate/internal/events"
	"pilotgate/internal/metrics"
	"pilotgate/internal/repo"
)

// Resource types tracked by SLA policies.
const (
	ResourceGateReview      = "gate_review"
	ResourceRiskRemediation = "risk_remediation"
)

type Service struct {
	DB      *sql.DB
	Repo    repo.Repo
	Engine  *engine.Engine
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now overrides the engine clock for this service. Leave nil so stored
	// timestamps and SLA computations share one clock.
	Now func() time.Time
}

func New(conn *sql.DB, eng *engine.Engine, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Service{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Engine: eng,
		Logger: logger,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return s.Engine.Clock()
}

func (s Service) emit(ctx context.Context, typ events.Type, payload any, p domain.Project, actor domain.Actor) {
	s.Engine.Events.Emit(ctx, typ, payload, events.Meta{OrganizationID: p.OrgID, ProjectID: p.ID, Actor: actor.ID})
}

// project loads a project and checks actor holds permission on it.
func (s Service) project(ctx context.Context, actor domain.Actor, projectID, permission string) (domain.Project, error) {
	p, err := s.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("project %s: %w", projectID, repo.ErrNotFound)
		}
		return p, err
	}
	if err := s.Engine.Authorize(ctx, actor, permission, p.OrgID, p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// mutate runs fn in a transaction that also bumps the project's updated_at.
func (s Service) mutate(ctx context.Context, projectID string, fn func(tx *sql.Tx, at time.Time) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	at := s.now()
	if err := fn(tx, at); err != nil {
		return err
	}
	if err := s.Repo.TouchProject(ctx, tx, projectID, at); err != nil {
		return err
	}
	return tx.Commit()
}

type CreateProjectInput struct {
	ID          string
	Name        string
	Description string
}

// CreateProject registers a project in the actor's organization at the initial state.
func (s Service) CreateProject(ctx context.Context, actor domain.Actor, in CreateProjectInput) (domain.Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Project{}, invalidf("project name is required")
	}
	if err := s.Engine.Authorize(ctx, actor, auth.PermProjectCreate, actor.OrgID, ""); err != nil {
		return domain.Project{}, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	p := domain.Project{
		ID:          id,
		OrgID:       actor.OrgID,
		Name:        strings.TrimSpace(in.Name),
		State:       s.Engine.Lifecycle.Initial(),
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	s.emit(ctx, events.ProjectCreated, events.ProjectCreatedPayload{Name: p.Name, State: string(p.State)}, p, actor)
	return p, nil
}

func (s Service) GetProject(ctx context.Context, actor domain.Actor, projectID string) (domain.Project, error) {
	return s.project(ctx, actor, projectID, auth.PermProjectRead)
}

// ListProjects returns the projects of the actor's organization.
func (s Service) ListProjects(ctx context.Context, actor domain.Actor) ([]domain.Project, error) {
	if err := s.Engine.Authorize(ctx, actor, auth.PermProjectRead, actor.OrgID, ""); err != nil {
		return nil, err
	}
	return s.Repo.ListProjects(ctx, actor.OrgID)
}

// Snapshot assembles the project's current governance data.
func (s Service) Snapshot(ctx context.Context, actor domain.Actor, projectID string) (domain.Snapshot, error) {
	if _, err := s.project(ctx, actor, projectID, auth.PermProjectRead); err != nil {
		return domain.Snapshot{}, err
	}
	return s.Repo.LoadSnapshot(ctx, nil, projectID)
}

type AssetInput struct {
	Name           string
	Classification string
	ContainsPII    bool
	Approved       bool
}

func (s Service) AddAsset(ctx context.Context, actor domain.Actor, projectID string, in AssetInput) (domain.DataAsset, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.DataAsset{}, invalidf("asset name is required")
	}
	p, err := s.project(ctx, actor, projectID, auth.PermDataManage)
	if err != nil {
		return domain.DataAsset{}, err
	}
	a := domain.DataAsset{
		ID:             uuid.NewString(),
		ProjectID:      p.ID,
		Name:           strings.TrimSpace(in.Name),
		Classification: strings.ToLower(strings.TrimSpace(in.Classification)),
		ContainsPII:    in.ContainsPII,
		Approved:       in.Approved,
	}
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		return s.Repo.InsertAsset(ctx, tx, a, at)
	})
	if err != nil {
		return a, fmt.Errorf("add asset: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "data_asset", a.ID, "added")
	return a, nil
}

func (s Service) ApproveAsset(ctx context.Context, actor domain.Actor, projectID, assetID string, approved bool) error {
	p, err := s.project(ctx, actor, projectID, auth.PermDataManage)
	if err != nil {
		return err
	}
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, _ time.Time) error {
		return s.Repo.SetAssetApproval(ctx, tx, p.ID, assetID, approved)
	})
	if err != nil {
		return fmt.Errorf("asset %s: %w", assetID, err)
	}
	change := "approved"
	if !approved {
		change = "unapproved"
	}
	s.snapshotUpdated(ctx, p, actor, "data_asset", assetID, change)
	return nil
}

type GateInput struct {
	GateType string
	Decision domain.Decision
	Notes    string
}

// GateResourceID identifies a project's gate for SLA tracking.
func GateResourceID(projectID, gateType string) string {
	return projectID + ":" + gateType
}

// SubmitGate records a gate review. A pending review opens a gate_review
// obligation unless one is already open; any other decision resolves it.
func (s Service) SubmitGate(ctx context.Context, actor domain.Actor, projectID string, in GateInput) (domain.GateReview, error) {
	gateType := strings.TrimSpace(in.GateType)
	if gateType == "" {
		return domain.GateReview{}, invalidf("gate_type is required")
	}
	if in.Decision == "" {
		in.Decision = domain.DecisionPending
	}
	if !in.Decision.Valid() {
		return domain.GateReview{}, invalidf("unknown gate decision %q", in.Decision)
	}
	p, err := s.project(ctx, actor, projectID, auth.PermGateSubmit)
	if err != nil {
		return domain.GateReview{}, err
	}
	g := domain.GateReview{
		ID:         uuid.NewString(),
		ProjectID:  p.ID,
		GateType:   gateType,
		Decision:   in.Decision,
		ReviewerID: actor.ID,
		Notes:      in.Notes,
	}
	resourceID := GateResourceID(p.ID, gateType)
	var opened *sla.Record
	var resolved []sla.Record
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		g.DecidedAt = at
		if err := s.Repo.InsertGate(ctx, tx, g); err != nil {
			return err
		}
		if g.Decision != domain.DecisionPending {
			var err error
			resolved, err = s.Repo.ResolveEscalations(ctx, tx, ResourceGateReview, resourceID, at)
			return err
		}
		open, err := s.Repo.ListEscalations(ctx, tx, repo.EscalationFilter{ResourceType: ResourceGateReview, ResourceID: resourceID})
		if err != nil || len(open) > 0 {
			return err
		}
		if rec, ok := s.Engine.NewObligation(p, ResourceGateReview, resourceID, at); ok {
			if err := s.Repo.InsertEscalation(ctx, tx, rec); err != nil {
				return err
			}
			opened = &rec
		}
		return nil
	})
	if err != nil {
		return g, fmt.Errorf("submit gate: %w", err)
	}
	s.emit(ctx, events.GateSubmitted, events.GateSubmittedPayload{
		GateID:     g.ID,
		GateType:   g.GateType,
		Decision:   string(g.Decision),
		ReviewerID: g.ReviewerID,
	}, p, actor)
	if opened != nil {
		s.Engine.ObligationOpened(ctx, actor, *opened)
	}
	s.Engine.ObligationsResolved(ctx, actor, resolved)
	return g, nil
}

type RiskInput struct {
	Title      string
	Tier       string
	Mitigation string
	Owner      string
}

// AddRisk registers a risk. A tier that demands mitigation opens a
// risk_remediation obligation while the mitigation is empty.
func (s Service) AddRisk(ctx context.Context, actor domain.Actor, projectID string, in RiskInput) (domain.Risk, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Risk{}, invalidf("risk title is required")
	}
	if strings.TrimSpace(in.Tier) == "" {
		return domain.Risk{}, invalidf("risk tier is required")
	}
	p, err := s.project(ctx, actor, projectID, auth.PermRiskManage)
	if err != nil {
		return domain.Risk{}, err
	}
	k := domain.Risk{
		ID:         uuid.NewString(),
		ProjectID:  p.ID,
		Title:      strings.TrimSpace(in.Title),
		Tier:       strings.ToLower(strings.TrimSpace(in.Tier)),
		Mitigation: strings.TrimSpace(in.Mitigation),
		Owner:      strings.TrimSpace(in.Owner),
	}
	var opened *sla.Record
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		if err := s.Repo.InsertRisk(ctx, tx, k, at); err != nil {
			return err
		}
		if k.Mitigation != "" || !s.Engine.RequiresMitigation(k.Tier) {
			return nil
		}
		if rec, ok := s.Engine.NewObligation(p, ResourceRiskRemediation, k.ID, at); ok {
			if err := s.Repo.InsertEscalation(ctx, tx, rec); err != nil {
				return err
			}
			opened = &rec
		}
		return nil
	})
	if err != nil {
		return k, fmt.Errorf("add risk: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "risk", k.ID, "added")
	if opened != nil {
		s.Engine.ObligationOpened(ctx, actor, *opened)
	}
	return k, nil
}

// UpdateRiskMitigation records a mitigation and owner. A non-empty
// mitigation resolves the risk's open obligation.
func (s Service) UpdateRiskMitigation(ctx context.Context, actor domain.Actor, riskID, mitigation, owner string) (domain.Risk, error) {
	k, err := s.Repo.GetRisk(ctx, nil, riskID)
	if err != nil {
		return k, fmt.Errorf("risk %s: %w", riskID, err)
	}
	p, err := s.project(ctx, actor, k.ProjectID, auth.PermRiskManage)
	if err != nil {
		return k, err
	}
	k.Mitigation = strings.TrimSpace(mitigation)
	if o := strings.TrimSpace(owner); o != "" {
		k.Owner = o
	}
	var resolved []sla.Record
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		if err := s.Repo.UpdateRiskMitigation(ctx, tx, k.ID, k.Mitigation, k.Owner); err != nil {
			return err
		}
		if k.Mitigation == "" {
			return nil
		}
		var err error
		resolved, err = s.Repo.ResolveEscalations(ctx, tx, ResourceRiskRemediation, k.ID, at)
		return err
	})
	if err != nil {
		return k, fmt.Errorf("update risk: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "risk", k.ID, "mitigated")
	s.Engine.ObligationsResolved(ctx, actor, resolved)
	return k, nil
}

func (s Service) AddPolicy(ctx context.Context, actor domain.Actor, projectID, name, status string) (domain.Policy, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Policy{}, invalidf("policy name is required")
	}
	if strings.TrimSpace(status) == "" {
		status = "draft"
	}
	p, err := s.project(ctx, actor, projectID, auth.PermPolicyManage)
	if err != nil {
		return domain.Policy{}, err
	}
	pol := domain.Policy{ID: uuid.NewString(), ProjectID: p.ID, Name: strings.TrimSpace(name), Status: strings.ToLower(strings.TrimSpace(status))}
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		return s.Repo.InsertPolicy(ctx, tx, pol, at)
	})
	if err != nil {
		return pol, fmt.Errorf("add policy: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "policy", pol.ID, "added")
	return pol, nil
}

func (s Service) SetPolicyStatus(ctx context.Context, actor domain.Actor, projectID, policyID, status string) error {
	if strings.TrimSpace(status) == "" {
		return invalidf("policy status is required")
	}
	p, err := s.project(ctx, actor, projectID, auth.PermPolicyManage)
	if err != nil {
		return err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, _ time.Time) error {
		return s.Repo.UpdatePolicyStatus(ctx, tx, p.ID, policyID, status)
	})
	if err != nil {
		return fmt.Errorf("policy %s: %w", policyID, err)
	}
	s.snapshotUpdated(ctx, p, actor, "policy", policyID, status)
	return nil
}

// RecordControl stores the latest result for one security control.
func (s Service) RecordControl(ctx context.Context, actor domain.Actor, projectID, controlID, result string) (domain.ControlCheck, error) {
	result = strings.ToLower(strings.TrimSpace(result))
	switch result {
	case domain.ControlPass, domain.ControlFail, domain.ControlNotApplicable:
	default:
		return domain.ControlCheck{}, invalidf("control result must be pass, fail or not_applicable")
	}
	if strings.TrimSpace(controlID) == "" {
		return domain.ControlCheck{}, invalidf("control_id is required")
	}
	p, err := s.project(ctx, actor, projectID, auth.PermControlRecord)
	if err != nil {
		return domain.ControlCheck{}, err
	}
	c := domain.ControlCheck{ID: uuid.NewString(), ProjectID: p.ID, ControlID: strings.TrimSpace(controlID), Result: result}
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		return s.Repo.UpsertControl(ctx, tx, c, at)
	})
	if err != nil {
		return c, fmt.Errorf("record control: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "control_check", c.ControlID, result)
	return c, nil
}

// AssignMember adds a user to the project team under a configured role.
func (s Service) AssignMember(ctx context.Context, actor domain.Actor, projectID, userID, role string) (domain.TeamMember, error) {
	m := domain.TeamMember{ProjectID: projectID, UserID: strings.TrimSpace(userID), Role: strings.TrimSpace(role)}
	if m.UserID == "" || m.Role == "" {
		return m, invalidf("user_id and role are required")
	}
	if !s.knownRole(m.Role) {
		return m, invalidf("unknown role %q", m.Role)
	}
	p, err := s.project(ctx, actor, projectID, auth.PermTeamManage)
	if err != nil {
		return m, err
	}
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, at time.Time) error {
		return s.Repo.InsertMember(ctx, tx, m, at)
	})
	if err != nil {
		return m, fmt.Errorf("assign member: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "team_member", m.UserID, "assigned:"+m.Role)
	return m, nil
}

func (s Service) RemoveMember(ctx context.Context, actor domain.Actor, projectID, userID, role string) error {
	p, err := s.project(ctx, actor, projectID, auth.PermTeamManage)
	if err != nil {
		return err
	}
	m := domain.TeamMember{ProjectID: p.ID, UserID: userID, Role: role}
	err = s.mutate(ctx, p.ID, func(tx *sql.Tx, _ time.Time) error {
		return s.Repo.RemoveMember(ctx, tx, m)
	})
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	s.snapshotUpdated(ctx, p, actor, "team_member", userID, "removed:"+role)
	return nil
}

func (s Service) knownRole(role string) bool {
	for _, r := range s.Engine.Auth.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

func (s Service) snapshotUpdated(ctx context.Context, p domain.Project, actor domain.Actor, kind, id, change string) {
	s.emit(ctx, events.SnapshotUpdated, events.SnapshotUpdatedPayload{EntityKind: kind, EntityID: id, Change: change}, p, actor)
}

// CheckTransition evaluates a hypothetical move without changing state.
// Denials, including cross-tenant ones, come back as a result.
func (s Service) CheckTransition(ctx context.Context, actor domain.Actor, projectID string, target domain.State) (lifecycle.Result, error) {
	snap, err := s.Repo.LoadSnapshot(ctx, nil, projectID)
	if err != nil {
		return lifecycle.Result{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	return s.Engine.CheckTransition(ctx, snap, actor, target), nil
}

// ApplyTransition checks and then performs a transition. The update only
// succeeds if the project is still in the state the check saw.
func (s Service) ApplyTransition(ctx context.Context, actor domain.Actor, projectID string, target domain.State) (domain.Project, error) {
	p, err := s.project(ctx, actor, projectID, auth.PermProjectTransition)
	if err != nil {
		return p, err
	}
	snap, err := s.Repo.LoadSnapshot(ctx, nil, p.ID)
	if err != nil {
		return p, err
	}
	res := s.Engine.CheckTransition(ctx, snap, actor, target)
	if !res.Allowed {
		s.Logger.Warn("transition denied",
			zap.String("project_id", p.ID),
			zap.String("from", string(snap.Project.State)),
			zap.String("to", string(target)),
			zap.String("actor", actor.ID),
			zap.String("reason", res.Reason))
		return snap.Project, TransitionDeniedError{From: string(snap.Project.State), To: string(target), Reason: res.Reason}
	}
	from := snap.Project.State
	at := s.now()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateProjectState(ctx, tx, p.ID, from, target, at); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return p, ErrStaleState
		}
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p = snap.Project
	p.State = target
	p.UpdatedAt = at
	label := ""
	if res.Transition != nil {
		label = res.Transition.Label
	}
	s.emit(ctx, events.LifecycleTransitioned, events.TransitionedPayload{From: string(from), To: string(target), Label: label}, p, actor)
	s.Logger.Info("transition applied",
		zap.String("project_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor", actor.ID))
	return p, nil
}

// Blockers lists every reason the project's next transition is refused for actor.
func (s Service) Blockers(ctx context.Context, actor domain.Actor, projectID string) ([]string, error) {
	if _, err := s.project(ctx, actor, projectID, auth.PermProjectRead); err != nil {
		return nil, err
	}
	snap, err := s.Repo.LoadSnapshot(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	return s.Engine.Blockers(snap, actor), nil
}

// Status summarizes where a project sits in its lifecycle.
type Status struct {
	Project  domain.Project         `json:"project"`
	Progress int                    `json:"progress"`
	Terminal bool                   `json:"terminal"`
	Next     []lifecycle.Transition `json:"next"`
	Blockers []string               `json:"blockers"`
	OpenSLAs []sla.Record           `json:"open_slas"`
}

func (s Service) ProjectStatus(ctx context.Context, actor domain.Actor, projectID string) (Status, error) {
	if _, err := s.project(ctx, actor, projectID, auth.PermProjectRead); err != nil {
		return Status{}, err
	}
	snap, err := s.Repo.LoadSnapshot(ctx, nil, projectID)
	if err != nil {
		return Status{}, err
	}
	open, err := s.Repo.ListEscalations(ctx, nil, repo.EscalationFilter{ProjectID: projectID})
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Project:  snap.Project,
		Progress: s.Engine.Progress(snap.Project.State),
		Terminal: s.Engine.Lifecycle.IsTerminal(snap.Project.State),
		Next:     s.Engine.Lifecycle.AvailableTransitions(snap.Project.State),
		Blockers: s.Engine.Blockers(snap, actor),
		OpenSLAs: open,
	}
	if st.Next == nil {
		st.Next = []lifecycle.Transition{}
	}
	if st.Blockers == nil {
		st.Blockers = []string{}
	}
	return st, nil
}

// EvaluateCompliance runs the phase-scoped rules, or every rule when allPhases is set.
func (s Service) EvaluateCompliance(ctx context.Context, actor domain.Actor, projectID string, allPhases bool) (policy.Summary, error) {
	if _, err := s.project(ctx, actor, projectID, auth.PermComplianceEvaluate); err != nil {
		return policy.Summary{}, err
	}
	snap, err := s.Repo.LoadSnapshot(ctx, nil, projectID)
	if err != nil {
		return policy.Summary{}, err
	}
	if allPhases {
		return s.Engine.EvaluateRules(ctx, snap, actor, s.Engine.Rules), nil
	}
	return s.Engine.EvaluateCompliance(ctx, snap, actor), nil
}

// TickEscalations re-evaluates the open escalations of the actor's organization.
func (s Service) TickEscalations(ctx context.Context, actor domain.Actor) ([]sla.Change, error) {
	if err := s.Engine.Authorize(ctx, actor, auth.PermEscalationManage, actor.OrgID, ""); err != nil {
		return nil, err
	}
	return s.Tick(ctx, actor.OrgID)
}

// Tick re-evaluates open escalations, persists level and status changes and
// emits events for them. An empty orgID covers every organization.
func (s Service) Tick(ctx context.Context, orgID string) ([]sla.Change, error) {
	open, err := s.Repo.ListEscalations(ctx, nil, repo.EscalationFilter{OrgID: orgID})
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	next, changes := s.Engine.ReevaluateObligations(open, s.now())
	applied := make([]sla.Change, 0, len(changes))
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, c := range changes {
		if err := s.Repo.UpdateEscalation(ctx, tx, c.After); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// Resolved between the read and the write.
				continue
			}
			return nil, fmt.Errorf("update escalation %s: %w", c.After.ID, err)
		}
		applied = append(applied, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.Engine.ObligationsChanged(ctx, applied)
	if s.Metrics != nil && orgID == "" {
		counts := map[string]int{}
		for _, r := range next {
			counts[string(r.Status)]++
		}
		s.Metrics.SetEscalationsOpen(counts)
	}
	if len(applied) > 0 {
		s.Logger.Info("escalations updated", zap.String("org_id", orgID), zap.Int("changed", len(applied)), zap.Int("open", len(next)))
	}
	return applied, nil
}

// RunTicker calls Tick for every organization until ctx is done.
func (s Service) RunTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Tick(ctx, ""); err != nil && ctx.Err() == nil {
				s.Logger.Error("escalation tick failed", zap.Error(err))
			}
		}
	}
}

// ListEscalations returns escalation records in the actor's organization.
func (s Service) ListEscalations(ctx context.Context, actor domain.Actor, projectID string, includeResolved bool) ([]sla.Record, error) {
	if projectID != "" {
		if _, err := s.project(ctx, actor, projectID, auth.PermProjectRead); err != nil {
			return nil, err
		}
	} else if err := s.Engine.Authorize(ctx, actor, auth.PermProjectRead, actor.OrgID, ""); err != nil {
		return nil, err
	}
	return s.Repo.ListEscalations(ctx, nil, repo.EscalationFilter{OrgID: actor.OrgID, ProjectID: projectID, IncludeResolved: includeResolved})
}

// QueryEvents reads the durable audit log of the actor's organization.
func (s Service) QueryEvents(ctx context.Context, actor domain.Actor, f repo.EventFilter) ([]repo.StoredEvent, error) {
	if f.ProjectID != "" {
		if _, err := s.project(ctx, actor, f.ProjectID, auth.PermAuditRead); err != nil {
			return nil, err
		}
	} else if err := s.Engine.Authorize(ctx, actor, auth.PermAuditRead, actor.OrgID, ""); err != nil {
		return nil, err
	}
	for _, t := range f.Types {
		if !events.KnownType(t) {
			return nil, invalidf("unknown event type %q", t)
		}
	}
	f.OrgID = actor.OrgID
	return s.Repo.ListEvents(ctx, f)
}
