package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"pilotgate/internal/domain"
)

func oneRulePerCategory() []Rule {
	var rules []Rule
	for _, c := range Categories {
		p := DefaultParams(c)
		if c == CategoryGateCompletion {
			p = GateCompletionParams{RequiredGates: []string{"data_review"}, AcceptedDecisions: []domain.Decision{domain.DecisionApproved}}
		}
		if c == CategoryOwnerCoverage {
			p = OwnerCoverageParams{RequiredRoles: []string{"project_owner"}}
		}
		rules = append(rules, Rule{ID: string(c), Name: string(c), Category: c, Severity: SeverityHigh, Mode: ModeEnforce, Params: p})
	}
	return rules
}

func resultFor(t *testing.T, sum Summary, id string) Result {
	t.Helper()
	for _, r := range sum.Results {
		if r.RuleID == id {
			return r
		}
	}
	t.Fatalf("no result for %s", id)
	return Result{}
}

func TestEmptySnapshotFailsOnlyBaselineAndPolicyReview(t *testing.T) {
	sum := Evaluator{}.Evaluate(oneRulePerCategory(), domain.Snapshot{})
	assert.Equal(t, 8, sum.Total)
	assert.Equal(t, 6, sum.Passed)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 0, sum.Warnings)
	assert.False(t, sum.Compliant())

	for _, c := range Categories {
		res := resultFor(t, sum, string(c))
		switch c {
		case CategorySecurityBaseline, CategoryPolicyReview:
			assert.False(t, res.Passed, c)
			assert.NotEmpty(t, res.Remediation, c)
		default:
			assert.True(t, res.Passed, c)
			assert.NotEmpty(t, res.Message, c)
		}
	}
}

func TestDisabledWarnAndAuditCounting(t *testing.T) {
	base := Rule{Category: CategorySecurityBaseline, Severity: SeverityCritical, Params: DefaultParams(CategorySecurityBaseline)}
	disabled, warn, audit, enforce := base, base, base, base
	disabled.ID, disabled.Mode = "disabled", ModeDisabled
	warn.ID, warn.Mode = "warn", ModeWarn
	audit.ID, audit.Mode = "audit", ModeAudit
	enforce.ID, enforce.Mode = "enforce", ModeEnforce

	sum := Evaluator{}.Evaluate([]Rule{disabled, warn, audit, enforce}, domain.Snapshot{})
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Warnings)
	assert.Equal(t, 1, sum.Failed)
	for _, r := range sum.Results {
		assert.NotEqual(t, "disabled", r.RuleID)
	}
	assert.Equal(t, SeverityInfo, resultFor(t, sum, "warn").Severity)
	assert.Equal(t, SeverityCritical, resultFor(t, sum, "enforce").Severity)
}

func TestUnknownCategory(t *testing.T) {
	rule := Rule{ID: "typo", Category: "data_clasification", Severity: SeverityHigh, Mode: ModeEnforce}

	sum := Evaluator{}.Evaluate([]Rule{rule}, domain.Snapshot{})
	require.Len(t, sum.Results, 1)
	assert.False(t, sum.Results[0].Passed)
	assert.Equal(t, SeverityInfo, sum.Results[0].Severity)
	assert.Contains(t, sum.Results[0].Message, "data_clasification")
	assert.Equal(t, 1, sum.Warnings)
	assert.Equal(t, 0, sum.Failed)

	sum = Evaluator{StrictCategories: true}.Evaluate([]Rule{rule}, domain.Snapshot{})
	assert.Equal(t, SeverityHigh, sum.Results[0].Severity)
	assert.Equal(t, 1, sum.Failed)
}

func TestDispatchFollowsRuleCategory(t *testing.T) {
	missing := Rule{ID: "baseline", Category: CategorySecurityBaseline, Severity: SeverityHigh, Mode: ModeEnforce}
	sum := Evaluator{}.Evaluate([]Rule{missing}, domain.Snapshot{})
	require.Len(t, sum.Results, 1)
	assert.False(t, sum.Results[0].Passed)
	assert.Equal(t, SeverityHigh, sum.Results[0].Severity)
	assert.NotContains(t, sum.Results[0].Message, "unknown rule category")
	assert.Equal(t, 80.0, sum.Results[0].Evidence["threshold_percent"])
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Warnings)

	pointer := DefaultParams(CategorySecurityBaseline).(SecurityBaselineParams)
	missing.Params = &pointer
	sum = Evaluator{}.Evaluate([]Rule{missing}, domain.Snapshot{})
	assert.Equal(t, 1, sum.Failed)

	mismatched := Rule{
		ID:       "baseline",
		Category: CategorySecurityBaseline,
		Severity: SeverityHigh,
		Mode:     ModeEnforce,
		Params:   DefaultParams(CategoryDataClassification),
	}
	sum = Evaluator{}.Evaluate([]Rule{mismatched}, domain.Snapshot{})
	require.Len(t, sum.Results, 1)
	res := sum.Results[0]
	assert.False(t, res.Passed)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Contains(t, res.Message, "does not match category")
	assert.Equal(t, "policy.ClassificationParams", res.Evidence["definition_type"])
	assert.Equal(t, 1, sum.Failed)

	mismatched.Mode = ModeWarn
	sum = Evaluator{}.Evaluate([]Rule{mismatched}, domain.Snapshot{})
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 1, sum.Warnings)
}

func TestClassificationAndApproval(t *testing.T) {
	snap := domain.Snapshot{Assets: []domain.DataAsset{
		{ID: "a1", Name: "repo-index", Classification: "internal"},
		{ID: "a2", Name: "tickets", Classification: ""},
		{ID: "a3", Name: "hr", Classification: "secret"},
		{ID: "a4", Name: "billing", Classification: "confidential", Approved: false},
		{ID: "a5", Name: "crm", Classification: "restricted", Approved: true},
	}}
	f := checkClassification(DefaultParams(CategoryDataClassification).(ClassificationParams), snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"tickets"}, f.Evidence["unclassified"])
	assert.Equal(t, []string{"hr"}, f.Evidence["invalid_classification"])

	f = checkDataApproval(DefaultParams(CategoryDataApproval).(DataApprovalParams), snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"billing"}, f.Evidence["unapproved"])

	snap.Assets[3].Approved = true
	assert.True(t, checkDataApproval(DefaultParams(CategoryDataApproval).(DataApprovalParams), snap).Passed)
}

func TestGateCompletionReportsMissingAndWrongSeparately(t *testing.T) {
	p := GateCompletionParams{
		RequiredGates:     []string{"data_review", "security_review", "pilot_readiness"},
		AcceptedDecisions: []domain.Decision{domain.DecisionApproved, domain.DecisionConditionallyApproved},
	}
	snap := domain.Snapshot{Gates: []domain.GateReview{
		{GateType: "data_review", Decision: domain.DecisionApproved},
		{GateType: "security_review", Decision: domain.DecisionRejected},
	}}
	f := checkGateCompletion(p, snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"pilot_readiness"}, f.Evidence["missing_gates"])
	assert.Equal(t, []string{"security_review=rejected"}, f.Evidence["unaccepted_gates"])

	snap.Gates = append(snap.Gates,
		domain.GateReview{GateType: "security_review", Decision: domain.DecisionConditionallyApproved},
		domain.GateReview{GateType: "pilot_readiness", Decision: domain.DecisionApproved},
	)
	assert.True(t, checkGateCompletion(p, snap).Passed)
}

func TestRiskAssessment(t *testing.T) {
	p := RiskAssessmentParams{RequiresMitigation: []string{"high", "critical"}, RequireOwner: true}
	snap := domain.Snapshot{Risks: []domain.Risk{
		{Title: "code exfiltration", Tier: "critical", Mitigation: "egress proxy"},
		{Title: "license drift", Tier: "high"},
		{Title: "style", Tier: "low"},
	}}
	f := checkRiskAssessment(p, snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"license drift"}, f.Evidence["missing_mitigation"])
	assert.Equal(t, []string{"code exfiltration", "license drift"}, f.Evidence["missing_owner"])

	onlyLow := domain.Snapshot{Risks: []domain.Risk{{Title: "style", Tier: "low"}}}
	assert.True(t, checkRiskAssessment(p, onlyLow).Passed)
}

func TestOwnerCoverage(t *testing.T) {
	p := OwnerCoverageParams{RequiredRoles: []string{"project_owner", "security_reviewer"}}
	snap := domain.Snapshot{Members: []domain.TeamMember{{UserID: "u1", Role: "project_owner"}}}
	f := checkOwnerCoverage(p, snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"security_reviewer"}, f.Evidence["missing_roles"])

	snap.Members = append(snap.Members, domain.TeamMember{UserID: "u2", Role: "security_reviewer"})
	assert.True(t, checkOwnerCoverage(p, snap).Passed)
}

func TestPIIHandling(t *testing.T) {
	p := DefaultParams(CategoryPIIHandling).(PIIHandlingParams)
	p.RequireApproval = true
	snap := domain.Snapshot{Assets: []domain.DataAsset{
		{Name: "emails", Classification: "internal", ContainsPII: true, Approved: true},
		{Name: "payroll", Classification: "restricted", ContainsPII: true},
		{Name: "docs", Classification: "public"},
	}}
	f := checkPIIHandling(p, snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"emails"}, f.Evidence["under_classified"])
	assert.Equal(t, []string{"payroll"}, f.Evidence["unapproved"])

	noPII := domain.Snapshot{Assets: []domain.DataAsset{{Name: "docs", Classification: "public"}}}
	assert.True(t, checkPIIHandling(p, noPII).Passed)
}

func TestSecurityBaselineThreshold(t *testing.T) {
	p := SecurityBaselineParams{ThresholdPercent: 75}
	controls := []domain.ControlCheck{
		{ControlID: "c1", Result: domain.ControlPass},
		{ControlID: "c2", Result: domain.ControlPass},
		{ControlID: "c3", Result: domain.ControlPass},
		{ControlID: "c4", Result: domain.ControlFail},
		{ControlID: "c5", Result: domain.ControlNotApplicable},
	}
	f := checkSecurityBaseline(p, domain.Snapshot{Controls: controls})
	assert.True(t, f.Passed, f.Message)
	assert.Equal(t, 4, f.Evidence["evaluated"])

	p.ThresholdPercent = 80
	f = checkSecurityBaseline(p, domain.Snapshot{Controls: controls})
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"c4"}, f.Evidence["failing_controls"])

	onlyNA := domain.Snapshot{Controls: []domain.ControlCheck{{ControlID: "c5", Result: domain.ControlNotApplicable}}}
	assert.False(t, checkSecurityBaseline(p, onlyNA).Passed)
}

func TestPolicyReview(t *testing.T) {
	p := DefaultParams(CategoryPolicyReview).(PolicyReviewParams)
	snap := domain.Snapshot{Policies: []domain.Policy{
		{Name: "acceptable use", Status: "approved"},
		{Name: "retention", Status: "draft"},
		{Name: "secrets", Status: "under_review"},
	}}
	f := checkPolicyReview(p, snap)
	assert.False(t, f.Passed)
	assert.Equal(t, []string{"retention=draft"}, f.Evidence["disallowed"])
	assert.Equal(t, []string{"secrets=under_review"}, f.Evidence["not_required_status"])

	snap.Policies = snap.Policies[:1]
	assert.True(t, checkPolicyReview(p, snap).Passed)
}

func TestDecodeParamsFromYAML(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("required_gates: [data_review]\n"), &node))
	p, err := DecodeParams(CategoryGateCompletion, node.Content[0])
	require.NoError(t, err)
	gp := p.(GateCompletionParams)
	assert.Equal(t, []string{"data_review"}, gp.RequiredGates)
	assert.Equal(t, []domain.Decision{domain.DecisionApproved, domain.DecisionConditionallyApproved}, gp.AcceptedDecisions)

	var bad yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("threshold_percent: [1]\n"), &bad))
	_, err = DecodeParams(CategorySecurityBaseline, bad.Content[0])
	assert.Error(t, err)

	p, err = DecodeParams(CategorySecurityBaseline, nil)
	require.NoError(t, err)
	assert.Equal(t, 80.0, p.(SecurityBaselineParams).ThresholdPercent)

	var zero yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("threshold_percent: 0\n"), &zero))
	p, err = DecodeParams(CategorySecurityBaseline, zero.Content[0])
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.(SecurityBaselineParams).ThresholdPercent)

	var negative yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("threshold_percent: -5\n"), &negative))
	_, err = DecodeParams(CategorySecurityBaseline, negative.Content[0])
	assert.ErrorContains(t, err, "threshold_percent")

	p, err = DecodeParams("nonsense", nil)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, Known("nonsense"))
}

func TestForPhase(t *testing.T) {
	rules := []Rule{
		{ID: "always"},
		{ID: "pilot", Phases: []domain.State{domain.StatePilotRunning}},
	}
	assert.Len(t, ForPhase(rules, domain.StateDraft), 1)
	assert.Len(t, ForPhase(rules, domain.StatePilotRunning), 2)
}
