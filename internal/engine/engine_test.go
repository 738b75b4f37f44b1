package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"pilotgate/internal/config"
	"pilotgate/internal/domain"
	"pilotgate/internal/engine"
	"pilotgate/internal/engine/lifecycle"
	"pilotgate/internal/engine/sla"
	"pilotgate/internal/events"
)

type testEnv struct {
	Engine *engine.Engine
	Bus    *events.Bus
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		Bus: events.NewBus(),
		Ctx: context.Background(),
		now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	eng, err := engine.FromConfig(config.Default("org-1"), env.Bus)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(days float64) {
	env.now = env.now.Add(time.Duration(days * 24 * float64(time.Hour)))
}

func (env *testEnv) types() []events.Type {
	var out []events.Type
	for _, e := range env.Bus.Query(events.Filter{}) {
		out = append(out, e.Type)
	}
	return out
}

func snapshot(state domain.State, gates ...domain.GateReview) domain.Snapshot {
	return domain.Snapshot{
		Project: domain.Project{ID: "p1", OrgID: "org-1", Name: "Copilot pilot", State: state},
		Gates:   gates,
	}
}

func TestNewRejectsTransitionRoleWithoutPermission(t *testing.T) {
	cfg := config.Default("org-1")
	tables, err := engine.TablesFromConfig(cfg)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	tables.Transitions = append([]lifecycle.Transition(nil), tables.Transitions...)
	tables.Transitions[0].Roles = append(tables.Transitions[0].Roles, "viewer")
	if _, err := engine.New(tables, nil); err == nil || !strings.Contains(err.Error(), "viewer") {
		t.Fatalf("expected role consistency error, got %v", err)
	}
}

func TestCrossTenantTransitionIsDeniedFirst(t *testing.T) {
	env := newTestEnv(t)
	actor := domain.Actor{ID: "u1", Role: "admin", OrgID: "org-2"}
	res := env.Engine.CheckTransition(env.Ctx, snapshot(domain.StateDraft), actor, domain.StateScoped)
	if res.Allowed {
		t.Fatalf("expected denial")
	}
	if !strings.Contains(res.Reason, "cross-tenant access denied") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
	got := env.Bus.Query(events.Filter{})
	if len(got) != 1 || got[0].Type != events.PermissionDenied {
		t.Fatalf("expected one permission.denied event, got %v", env.types())
	}
	if got[0].OrganizationID != "org-2" || got[0].ProjectID != "p1" {
		t.Fatalf("unexpected envelope %+v", got[0])
	}
}

func TestCheckTransitionEmitsDecision(t *testing.T) {
	env := newTestEnv(t)
	steward := domain.Actor{ID: "u2", Role: "data_steward", OrgID: "org-1"}

	res := env.Engine.CheckTransition(env.Ctx, snapshot(domain.StateScoped), steward, domain.StateDataApproved)
	if res.Allowed || !strings.Contains(res.Reason, `gate "data_review" has not been submitted`) {
		t.Fatalf("expected missing gate, got %+v", res)
	}

	snap := snapshot(domain.StateScoped, domain.GateReview{GateType: "data_review", Decision: domain.DecisionConditionallyApproved})
	res = env.Engine.CheckTransition(env.Ctx, snap, steward, domain.StateDataApproved)
	if !res.Allowed || res.Transition == nil || res.Transition.Label != "Approve data access" {
		t.Fatalf("expected allowed transition, got %+v", res)
	}

	checked := env.Bus.Query(events.Filter{Types: []events.Type{events.LifecycleTransitionChecked}})
	if len(checked) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(checked))
	}
	payload, ok := checked[0].Payload.(events.TransitionCheckedPayload)
	if !ok || !payload.Allowed || payload.Role != "data_steward" {
		t.Fatalf("unexpected payload %#v", checked[0].Payload)
	}
}

func TestRoleWithoutTransitionPermissionIsDenied(t *testing.T) {
	env := newTestEnv(t)
	viewer := domain.Actor{ID: "u3", Role: "viewer", OrgID: "org-1"}
	res := env.Engine.CheckTransition(env.Ctx, snapshot(domain.StateDraft), viewer, domain.StateScoped)
	if res.Allowed || !strings.Contains(res.Reason, "project.transition") {
		t.Fatalf("expected permission denial, got %+v", res)
	}
}

func TestBlockers(t *testing.T) {
	env := newTestEnv(t)
	viewer := domain.Actor{ID: "u3", Role: "viewer", OrgID: "org-1"}
	got := env.Engine.Blockers(snapshot(domain.StateScoped), viewer)
	if len(got) != 2 {
		t.Fatalf("expected role and gate blockers, got %v", got)
	}
	admin := domain.Actor{ID: "u1", Role: "admin", OrgID: "org-1"}
	if got := env.Engine.Blockers(snapshot(domain.StateDecisionFinalized), admin); len(got) != 0 {
		t.Fatalf("terminal state should have no blockers, got %v", got)
	}
	other := domain.Actor{ID: "u9", Role: "admin", OrgID: "org-9"}
	if got := env.Engine.Blockers(snapshot(domain.StateDraft), other); len(got) != 1 || !strings.Contains(got[0], "cross-tenant") {
		t.Fatalf("expected tenant blocker, got %v", got)
	}
	if p := env.Engine.Progress(domain.StateSecurityApproved); p != 50 {
		t.Fatalf("progress = %d", p)
	}
}

func TestEvaluateComplianceScopesRulesToPhase(t *testing.T) {
	env := newTestEnv(t)
	actor := domain.Actor{ID: "u1", Role: "governance_lead", OrgID: "org-1"}

	draft := env.Engine.EvaluateCompliance(env.Ctx, snapshot(domain.StateDraft), actor)
	running := env.Engine.EvaluateCompliance(env.Ctx, snapshot(domain.StatePilotRunning), actor)
	if draft.Total >= running.Total {
		t.Fatalf("expected more rules while running: draft=%d running=%d", draft.Total, running.Total)
	}
	evals := env.Bus.Query(events.Filter{Types: []events.Type{events.PolicyEvaluated}})
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}
	payload := evals[0].Payload.(events.PolicyEvaluatedPayload)
	if payload.State != string(domain.StatePilotRunning) || payload.Failed != running.Failed {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.FailedRules) != running.Failed+running.Warnings {
		t.Fatalf("failed rule ids %v do not match summary", payload.FailedRules)
	}
}

func TestObligationEscalatesAndBreaches(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.Actor{ID: "u1", Role: "project_owner", OrgID: "org-1"}
	p := snapshot(domain.StateScoped).Project

	rec, ok := env.Engine.OpenObligation(env.Ctx, p, owner, "gate_review", "p1:data_review")
	if !ok {
		t.Fatalf("expected gate review policy")
	}
	if rec.OrgID != "org-1" || rec.ProjectID != "p1" || rec.CurrentLevel != "owner" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, ok := env.Engine.OpenObligation(env.Ctx, p, owner, "unknown", "x"); ok {
		t.Fatalf("unknown resource type should not open an obligation")
	}

	records := []sla.Record{rec}
	env.advance(3)
	records, changes := env.Engine.EvaluateObligations(env.Ctx, records)
	if len(changes) != 1 || !changes[0].Escalated() || records[0].CurrentLevel != "manager" {
		t.Fatalf("expected escalation to manager, got %+v", records)
	}

	env.advance(8)
	records, changes = env.Engine.EvaluateObligations(env.Ctx, records)
	if len(changes) != 1 || !changes[0].Breached() || records[0].Status != sla.StatusBreached {
		t.Fatalf("expected breach, got %+v", records)
	}

	// A further tick without movement emits nothing new.
	before := env.Bus.Len()
	env.advance(1)
	if _, changes = env.Engine.EvaluateObligations(env.Ctx, records); len(changes) != 0 {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if env.Bus.Len() != before {
		t.Fatalf("expected no new events")
	}

	want := map[events.Type]int{events.SLAOpened: 1, events.SLAEscalated: 2, events.SLABreached: 1}
	got := map[events.Type]int{}
	for _, typ := range env.types() {
		got[typ]++
	}
	for typ, n := range want {
		if got[typ] != n {
			t.Fatalf("%s: got %d want %d (%v)", typ, got[typ], n, env.types())
		}
	}

	env.Engine.ObligationsResolved(env.Ctx, owner, records)
	if n := len(env.Bus.Query(events.Filter{Types: []events.Type{events.SLAResolved}})); n != 1 {
		t.Fatalf("expected one resolution event, got %d", n)
	}
}

func TestRequiresMitigation(t *testing.T) {
	env := newTestEnv(t)
	if !env.Engine.RequiresMitigation("critical") || env.Engine.RequiresMitigation("low") {
		t.Fatalf("unexpected mitigation requirements")
	}
}
