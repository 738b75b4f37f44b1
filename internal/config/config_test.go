package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pilotgate/internal/engine/auth"
	"pilotgate/internal/engine/policy"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("acme")
	if cfg.Organization != "acme" {
		t.Fatalf("expected organization acme, got %s", cfg.Organization)
	}
	if len(cfg.Lifecycle.States) != 7 || len(cfg.Lifecycle.Transitions) != 6 {
		t.Fatalf("unexpected lifecycle size: %d states, %d transitions", len(cfg.Lifecycle.States), len(cfg.Lifecycle.Transitions))
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatalf("policy rules: %v", err)
	}
	if len(rules) != len(policy.Categories) {
		t.Fatalf("expected one default rule per category, got %d", len(rules))
	}
	for _, r := range rules {
		if r.Params == nil {
			t.Fatalf("rule %s has no params", r.ID)
		}
	}
	team := rules[4].Params.(policy.OwnerCoverageParams)
	if len(team.RequiredRoles) != 3 {
		t.Fatalf("expected 3 required roles, got %v", team.RequiredRoles)
	}
	if got := cfg.PermissionMatrix()["admin"]; len(got) != 12 {
		t.Fatalf("admin should hold every permission, got %d", len(got))
	}
	if len(cfg.SLA.Policies) != 2 {
		t.Fatalf("expected 2 sla policies")
	}
}

func TestValidateRejectsBadTables(t *testing.T) {
	base := GenerateDefault("acme")
	cases := map[string]struct {
		old, new, want string
	}{
		"warning after target": {"warning_days: 7", "warning_days: 10", "warning_days"},
		"branching lifecycle":  {"    - from: review_complete\n      to: decision_finalized", "    - from: review_complete\n      to: draft", "lifecycle"},
		"unknown role":         {"roles: [executive_sponsor, admin]", "roles: [board, admin]", "unknown role board"},
		"bad severity":         {"severity: critical\n      enforcement_mode: enforce\n      definition:\n        requires_approval", "severity: severe\n      enforcement_mode: enforce\n      definition:\n        requires_approval", "unknown severity"},
		"bad mode":             {"enforcement_mode: warn", "enforcement_mode: shadow", "unknown enforcement_mode"},
		"bad definition":       {"threshold_percent: 80", "threshold_percent: [80]", "security-baseline"},
		"empty permission":     {"permissions: [project.read]", "permissions: [project.read, \"\"]", "empty permission"},
		"duplicate sla":        {"id: risk-remediation", "id: gate-review", "duplicate sla policy"},
		"unknown phase":        {"phases: [pilot_running, review_complete, decision_finalized]", "phases: [launch]", "unknown phase"},
		"negative threshold":   {"threshold_percent: 80", "threshold_percent: -1", "threshold_percent"},
		"negative capacity":    {"capacity: 1000", "capacity: -1", "must not be negative"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if !strings.Contains(base, tc.old) {
				t.Fatalf("fixture does not contain %q", tc.old)
			}
			_, err := FromYAML([]byte(strings.Replace(base, tc.old, tc.new, 1)))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestExplicitZeroThresholdIsKept(t *testing.T) {
	data := strings.Replace(GenerateDefault("acme"), "threshold_percent: 80", "threshold_percent: 0", 1)
	cfg, err := FromYAML([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatalf("policy rules: %v", err)
	}
	for _, r := range rules {
		if p, ok := r.Params.(policy.SecurityBaselineParams); ok && p.ThresholdPercent != 0 {
			t.Fatalf("threshold_percent: 0 decoded as %v", p.ThresholdPercent)
		}
	}
}

func TestUnknownCategoryIsNotAConfigError(t *testing.T) {
	data := strings.Replace(GenerateDefault("acme"), "category: owner_coverage", "category: owner_coverrage", 1)
	cfg, err := FromYAML([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatalf("policy rules: %v", err)
	}
	if rules[4].Params != nil {
		t.Fatalf("expected nil params for unknown category")
	}
}

func TestTransitionRolesResolveInAuthority(t *testing.T) {
	cfg := Default("")
	a := auth.New(cfg.PermissionMatrix())
	holders := a.RolesWithPermission(auth.PermProjectTransition)
	for _, tr := range cfg.Lifecycle.Transitions {
		for _, role := range tr.Roles {
			found := false
			for _, h := range holders {
				found = found || h == role
			}
			if !found {
				t.Fatalf("role %s on %s -> %s lacks %s", role, tr.From, tr.To, auth.PermProjectTransition)
			}
		}
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Organization != DefaultOrganization {
		t.Fatalf("expected default organization, got %s", cfg.Organization)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("beta")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Organization != "beta" {
		t.Fatalf("expected beta, got %s", cfg.Organization)
	}
	out, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("re-parse encoded config: %v", err)
	}
	if len(again.Policy.Rules) != len(cfg.Policy.Rules) {
		t.Fatalf("rules lost in round trip")
	}
}
