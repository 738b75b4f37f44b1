// Package engine composes the permission authority, lifecycle machine, policy
// evaluator and SLA tracker behind one facade that emits an event per decision.
package engine

import (
	"context"
	"fmt"
	"time"

	"pilotgate/internal/config"
	"pilotgate/internal/domain"
	"pilotgate/internal/engine/auth"
	"pilotgate/internal/engine/lifecycle"
	"pilotgate/internal/engine/policy"
	"pilotgate/internal/engine/sla"
	"pilotgate/internal/events"
)

// SystemActor is the actor recorded for clock-driven decisions.
const SystemActor = "system"

// Tables is the static configuration the engine is built from.
type Tables struct {
	States           []domain.State
	Transitions      []lifecycle.Transition
	Permissions      map[string][]string
	SLAPolicies      []sla.Policy
	Rules            []policy.Rule
	StrictCategories bool
}

// TablesFromConfig converts a validated config into engine tables.
func TablesFromConfig(cfg *config.Config) (Tables, error) {
	rules, err := cfg.PolicyRules()
	if err != nil {
		return Tables{}, err
	}
	return Tables{
		States:           cfg.Lifecycle.States,
		Transitions:      cfg.Lifecycle.Transitions,
		Permissions:      cfg.PermissionMatrix(),
		SLAPolicies:      append([]sla.Policy(nil), cfg.SLA.Policies...),
		Rules:            rules,
		StrictCategories: cfg.Policy.StrictCategories,
	}, nil
}

// Engine is immutable after New; all methods are safe for concurrent use.
type Engine struct {
	Auth      *auth.Authority
	Lifecycle *lifecycle.Machine
	Evaluator policy.Evaluator
	Rules     []policy.Rule
	SLAs      []sla.Policy
	Events    *events.Bus
	Now       func() time.Time
}

func New(t Tables, bus *events.Bus) (*Engine, error) {
	machine, err := lifecycle.New(t.States, t.Transitions)
	if err != nil {
		return nil, err
	}
	authority := auth.New(t.Permissions)
	holders := map[string]bool{}
	for _, role := range authority.RolesWithPermission(auth.PermProjectTransition) {
		holders[role] = true
	}
	for _, tr := range machine.Transitions() {
		for _, role := range tr.Roles {
			if !holders[role] {
				return nil, fmt.Errorf("transition %s -> %s allows role %s which lacks %s", tr.From, tr.To, role, auth.PermProjectTransition)
			}
		}
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Engine{
		Auth:      authority,
		Lifecycle: machine,
		Evaluator: policy.Evaluator{StrictCategories: t.StrictCategories},
		Rules:     append([]policy.Rule(nil), t.Rules...),
		SLAs:      append([]sla.Policy(nil), t.SLAPolicies...),
		Events:    bus,
		Now:       time.Now,
	}, nil
}

// FromConfig builds an engine from a validated config.
func FromConfig(cfg *config.Config, bus *events.Bus) (*Engine, error) {
	t, err := TablesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(t, bus)
}

// Clock returns the engine's current time in UTC. Callers that stamp
// records alongside engine decisions read time from here.
func (e *Engine) Clock() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func projectMeta(p domain.Project, actor domain.Actor) events.Meta {
	return events.Meta{OrganizationID: p.OrgID, ProjectID: p.ID, Actor: actor.ID}
}

// Authorize checks tenant isolation and then the permission table. Denials
// emit permission.denied under the actor's organization and return
// auth.CrossTenantError or auth.ForbiddenError.
func (e *Engine) Authorize(ctx context.Context, actor domain.Actor, permission, resourceOrgID, projectID string) error {
	err := e.Auth.Check(actor.Role, permission, resourceOrgID, actor.OrgID)
	if err != nil {
		e.Events.Emit(ctx, events.PermissionDenied, events.PermissionDeniedPayload{
			Role:          actor.Role,
			Permission:    permission,
			ResourceOrgID: resourceOrgID,
			Reason:        err.Error(),
		}, events.Meta{OrganizationID: actor.OrgID, ProjectID: projectID, Actor: actor.ID})
	}
	return err
}

// CheckTransition decides whether actor may move the snapshot's project to target.
// Tenant isolation and the transition permission are checked before the lifecycle guards.
func (e *Engine) CheckTransition(ctx context.Context, snap domain.Snapshot, actor domain.Actor, target domain.State) lifecycle.Result {
	if err := e.Authorize(ctx, actor, auth.PermProjectTransition, snap.Project.OrgID, snap.Project.ID); err != nil {
		return lifecycle.Result{Reason: err.Error()}
	}
	res := e.Lifecycle.CanTransition(snap.Project.State, target, actor.Role, snap.GateDecisions())
	e.Events.Emit(ctx, events.LifecycleTransitionChecked, events.TransitionCheckedPayload{
		From:    string(snap.Project.State),
		To:      string(target),
		Role:    actor.Role,
		Allowed: res.Allowed,
		Reason:  res.Reason,
	}, projectMeta(snap.Project, actor))
	return res
}

// Blockers lists every reason the project's next transition would be refused for actor.
func (e *Engine) Blockers(snap domain.Snapshot, actor domain.Actor) []string {
	if snap.Project.OrgID != actor.OrgID {
		return []string{auth.CrossTenantError{ResourceOrgID: snap.Project.OrgID, UserOrgID: actor.OrgID}.Error()}
	}
	return e.Lifecycle.Blockers(snap.Project.State, actor.Role, snap.GateDecisions())
}

// Progress returns the project's lifecycle position as 0-100.
func (e *Engine) Progress(state domain.State) int {
	return e.Lifecycle.StateProgress(state)
}

// EvaluateCompliance runs the rules scoped to the project's current phase.
func (e *Engine) EvaluateCompliance(ctx context.Context, snap domain.Snapshot, actor domain.Actor) policy.Summary {
	return e.EvaluateRules(ctx, snap, actor, policy.ForPhase(e.Rules, snap.Project.State))
}

// EvaluateRules runs an explicit rule set and emits policy.evaluated.
func (e *Engine) EvaluateRules(ctx context.Context, snap domain.Snapshot, actor domain.Actor, rules []policy.Rule) policy.Summary {
	sum := e.Evaluator.Evaluate(rules, snap)
	var failed []string
	for _, r := range sum.Results {
		if !r.Passed {
			failed = append(failed, r.RuleID)
		}
	}
	e.Events.Emit(ctx, events.PolicyEvaluated, events.PolicyEvaluatedPayload{
		State:       string(snap.Project.State),
		Total:       sum.Total,
		Passed:      sum.Passed,
		Failed:      sum.Failed,
		Warnings:    sum.Warnings,
		FailedRules: failed,
	}, projectMeta(snap.Project, actor))
	return sum
}

// NewObligation builds an escalation record opened at the given time under
// the SLA policy that applies to resourceType. It reports false when no
// policy applies.
func (e *Engine) NewObligation(p domain.Project, resourceType, resourceID string, openedAt time.Time) (sla.Record, bool) {
	pol, ok := sla.ForResource(e.SLAs, resourceType)
	if !ok {
		return sla.Record{}, false
	}
	rec := sla.NewRecord(pol, resourceType, resourceID, openedAt.UTC())
	rec.ProjectID = p.ID
	rec.OrgID = p.OrgID
	return rec, true
}

// ObligationOpened emits sla.opened for a persisted record.
func (e *Engine) ObligationOpened(ctx context.Context, actor domain.Actor, rec sla.Record) {
	e.Events.Emit(ctx, events.SLAOpened, events.SLAOpenedPayload{
		RecordID:     rec.ID,
		PolicyID:     rec.SLAPolicyID,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		DueAt:        rec.DueAt,
	}, events.Meta{OrganizationID: rec.OrgID, ProjectID: rec.ProjectID, Actor: actor.ID})
}

// OpenObligation is NewObligation followed by ObligationOpened.
func (e *Engine) OpenObligation(ctx context.Context, p domain.Project, actor domain.Actor, resourceType, resourceID string) (sla.Record, bool) {
	rec, ok := e.NewObligation(p, resourceType, resourceID, e.Clock())
	if ok {
		e.ObligationOpened(ctx, actor, rec)
	}
	return rec, ok
}

// ObligationsResolved emits sla.resolved for records that were just frozen.
func (e *Engine) ObligationsResolved(ctx context.Context, actor domain.Actor, records []sla.Record) {
	for _, r := range records {
		e.Events.Emit(ctx, events.SLAResolved, events.SLAResolvedPayload{
			RecordID:     r.ID,
			ResourceType: r.ResourceType,
			ResourceID:   r.ResourceID,
		}, events.Meta{OrganizationID: r.OrgID, ProjectID: r.ProjectID, Actor: actor.ID})
	}
}

// ReevaluateObligations recomputes open records as of at without emitting.
func (e *Engine) ReevaluateObligations(records []sla.Record, at time.Time) ([]sla.Record, []sla.Change) {
	next := sla.Evaluate(records, e.SLAs, at.UTC())
	return next, sla.Diff(records, next)
}

// ObligationsChanged emits sla.escalated for level changes and sla.breached
// for records that newly crossed their target.
func (e *Engine) ObligationsChanged(ctx context.Context, changes []sla.Change) {
	for _, c := range changes {
		meta := events.Meta{OrganizationID: c.After.OrgID, ProjectID: c.After.ProjectID, Actor: SystemActor}
		if c.Escalated() {
			e.Events.Emit(ctx, events.SLAEscalated, events.SLAEscalatedPayload{
				RecordID:  c.After.ID,
				PolicyID:  c.After.SLAPolicyID,
				FromLevel: c.Before.CurrentLevel,
				ToLevel:   c.After.CurrentLevel,
				Status:    string(c.After.Status),
			}, meta)
		}
		if c.Breached() {
			e.Events.Emit(ctx, events.SLABreached, events.SLABreachedPayload{
				RecordID:     c.After.ID,
				PolicyID:     c.After.SLAPolicyID,
				ResourceType: c.After.ResourceType,
				ResourceID:   c.After.ResourceID,
				Level:        c.After.CurrentLevel,
				DueAt:        c.After.DueAt,
			}, meta)
		}
	}
}

// EvaluateObligations is ReevaluateObligations followed by ObligationsChanged.
func (e *Engine) EvaluateObligations(ctx context.Context, records []sla.Record) ([]sla.Record, []sla.Change) {
	next, changes := e.ReevaluateObligations(records, e.Clock())
	e.ObligationsChanged(ctx, changes)
	return next, changes
}

// RequiresMitigation reports whether any configured risk rule demands
// mitigation for tier.
func (e *Engine) RequiresMitigation(tier string) bool {
	for _, r := range e.Rules {
		if r.Mode == policy.ModeDisabled {
			continue
		}
		if p, ok := r.Params.(policy.RiskAssessmentParams); ok {
			for _, t := range p.RequiresMitigation {
				if t == tier {
					return true
				}
			}
		}
	}
	return false
}
