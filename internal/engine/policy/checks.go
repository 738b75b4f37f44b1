package policy

import (
	"fmt"
	"strings"

	"pilotgate/internal/domain"
	"pilotgate/internal/engine/lifecycle"
)

func pass(msg string, args ...any) Finding {
	return Finding{Passed: true, Message: fmt.Sprintf(msg, args...)}
}

func assetLabel(a domain.DataAsset) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func checkClassification(p ClassificationParams, snap domain.Snapshot) Finding {
	if len(snap.Assets) == 0 {
		return pass("no data assets registered; nothing to classify")
	}
	var unclassified, invalid []string
	for _, a := range snap.Assets {
		switch {
		case strings.TrimSpace(a.Classification) == "":
			unclassified = append(unclassified, assetLabel(a))
		case !containsFold(p.AllowedClassifications, a.Classification):
			invalid = append(invalid, assetLabel(a))
		}
	}
	if len(unclassified) == 0 && len(invalid) == 0 {
		return pass("all %d data assets carry an allowed classification", len(snap.Assets))
	}
	return Finding{
		Message: fmt.Sprintf("%d of %d data assets are unclassified or use a classification outside the allow-list",
			len(unclassified)+len(invalid), len(snap.Assets)),
		Evidence: map[string]any{
			"unclassified":            unclassified,
			"invalid_classification":  invalid,
			"allowed_classifications": p.AllowedClassifications,
		},
		Remediation: "Classify every data asset as one of: " + strings.Join(p.AllowedClassifications, ", ") + ".",
	}
}

func checkDataApproval(p DataApprovalParams, snap domain.Snapshot) Finding {
	var applicable, unapproved []string
	for _, a := range snap.Assets {
		if !containsFold(p.RequiresApproval, a.Classification) {
			continue
		}
		applicable = append(applicable, assetLabel(a))
		if !a.Approved {
			unapproved = append(unapproved, assetLabel(a))
		}
	}
	if len(applicable) == 0 {
		return pass("no data assets require approval")
	}
	if len(unapproved) == 0 {
		return pass("all %d data assets requiring approval are approved", len(applicable))
	}
	return Finding{
		Message:     fmt.Sprintf("%d of %d data assets requiring approval are not approved", len(unapproved), len(applicable)),
		Evidence:    map[string]any{"unapproved": unapproved, "requires_approval": p.RequiresApproval},
		Remediation: "Obtain data steward approval for each listed asset.",
	}
}

func checkGateCompletion(p GateCompletionParams, snap domain.Snapshot) Finding {
	if len(snap.Gates) == 0 {
		return pass("no gate reviews recorded yet")
	}
	latest := lifecycle.LatestDecisions(snap.GateDecisions())
	var missing, wrong []string
	for _, gate := range p.RequiredGates {
		d, ok := latest[gate]
		switch {
		case !ok:
			missing = append(missing, gate)
		case !containsDecision(p.AcceptedDecisions, d):
			wrong = append(wrong, fmt.Sprintf("%s=%s", gate, d))
		}
	}
	if len(missing) == 0 && len(wrong) == 0 {
		return pass("all %d required gates carry an accepted decision", len(p.RequiredGates))
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d required gates missing", len(missing)))
	}
	if len(wrong) > 0 {
		parts = append(parts, fmt.Sprintf("%d gates without an accepted decision", len(wrong)))
	}
	return Finding{
		Message:     strings.Join(parts, "; "),
		Evidence:    map[string]any{"missing_gates": missing, "unaccepted_gates": wrong},
		Remediation: "Submit the missing gate reviews and resolve non-accepted decisions.",
	}
}

func checkRiskAssessment(p RiskAssessmentParams, snap domain.Snapshot) Finding {
	if len(snap.Risks) == 0 {
		return pass("no risks recorded")
	}
	var applicable int
	var noMitigation, noOwner []string
	for _, r := range snap.Risks {
		if !containsFold(p.RequiresMitigation, r.Tier) {
			continue
		}
		applicable++
		label := r.Title
		if label == "" {
			label = r.ID
		}
		if strings.TrimSpace(r.Mitigation) == "" {
			noMitigation = append(noMitigation, label)
		}
		if p.RequireOwner && strings.TrimSpace(r.Owner) == "" {
			noOwner = append(noOwner, label)
		}
	}
	if applicable == 0 {
		return pass("no risks in tiers requiring mitigation")
	}
	if len(noMitigation) == 0 && len(noOwner) == 0 {
		return pass("all %d risks requiring mitigation are addressed", applicable)
	}
	return Finding{
		Message: fmt.Sprintf("%d risks lack mitigation, %d lack an owner", len(noMitigation), len(noOwner)),
		Evidence: map[string]any{
			"missing_mitigation":  noMitigation,
			"missing_owner":       noOwner,
			"requires_mitigation": p.RequiresMitigation,
		},
		Remediation: "Document a mitigation plan and assign an owner for each listed risk.",
	}
}

func checkOwnerCoverage(p OwnerCoverageParams, snap domain.Snapshot) Finding {
	if len(snap.Members) == 0 {
		return pass("no team members assigned yet")
	}
	have := snap.Roles()
	var missing []string
	for _, role := range p.RequiredRoles {
		if !containsFold(have, role) {
			missing = append(missing, role)
		}
	}
	if len(missing) == 0 {
		return pass("team covers all %d required roles", len(p.RequiredRoles))
	}
	return Finding{
		Message:     fmt.Sprintf("team is missing %d required roles: %s", len(missing), strings.Join(missing, ", ")),
		Evidence:    map[string]any{"missing_roles": missing, "team_roles": have},
		Remediation: "Assign a team member to each missing role.",
	}
}

func checkPIIHandling(p PIIHandlingParams, snap domain.Snapshot) Finding {
	minRank := rank(p.ClassificationOrder, p.MinimumClassification)
	var applicable int
	var underClassified, unapproved []string
	for _, a := range snap.Assets {
		if !a.ContainsPII {
			continue
		}
		applicable++
		if r := rank(p.ClassificationOrder, a.Classification); r < 0 || r < minRank {
			underClassified = append(underClassified, assetLabel(a))
		}
		if p.RequireApproval && !a.Approved {
			unapproved = append(unapproved, assetLabel(a))
		}
	}
	if applicable == 0 {
		return pass("no data assets contain PII")
	}
	if len(underClassified) == 0 && len(unapproved) == 0 {
		return pass("all %d PII assets meet handling requirements", applicable)
	}
	return Finding{
		Message: fmt.Sprintf("%d PII assets below %s classification, %d unapproved",
			len(underClassified), p.MinimumClassification, len(unapproved)),
		Evidence: map[string]any{
			"under_classified":       underClassified,
			"unapproved":             unapproved,
			"minimum_classification": p.MinimumClassification,
		},
		Remediation: "Raise PII assets to at least " + p.MinimumClassification + " and obtain approval.",
	}
}

// checkSecurityBaseline is the one category without a vacuous pass: an
// un-run baseline cannot be assumed compliant.
func checkSecurityBaseline(p SecurityBaselineParams, snap domain.Snapshot) Finding {
	var evaluated, passed int
	var failing []string
	for _, c := range snap.Controls {
		if c.Result == domain.ControlNotApplicable {
			continue
		}
		evaluated++
		if c.Result == domain.ControlPass {
			passed++
		} else {
			failing = append(failing, c.ControlID)
		}
	}
	if evaluated == 0 {
		return Finding{
			Message:     "no security control checks have been evaluated; baseline not established",
			Evidence:    map[string]any{"evaluated": 0, "threshold_percent": p.ThresholdPercent},
			Remediation: "Run the security baseline control checks for this project.",
		}
	}
	pct := float64(passed) / float64(evaluated) * 100
	ev := map[string]any{
		"evaluated":         evaluated,
		"passed":            passed,
		"pass_percent":      pct,
		"threshold_percent": p.ThresholdPercent,
		"failing_controls":  failing,
	}
	if pct >= p.ThresholdPercent {
		f := pass("security baseline %.1f%% meets threshold %.1f%%", pct, p.ThresholdPercent)
		f.Evidence = ev
		return f
	}
	return Finding{
		Message:     fmt.Sprintf("security baseline %.1f%% is below threshold %.1f%%", pct, p.ThresholdPercent),
		Evidence:    ev,
		Remediation: "Remediate the failing controls and re-run the checks.",
	}
}

// checkPolicyReview fails with zero policies: at least one governing policy is expected.
func checkPolicyReview(p PolicyReviewParams, snap domain.Snapshot) Finding {
	if len(snap.Policies) == 0 {
		return Finding{
			Message:     "no governing policies attached to the project",
			Evidence:    map[string]any{"policies": 0},
			Remediation: "Attach at least one " + p.RequiredStatus + " policy to the project.",
		}
	}
	var wrongStatus, disallowed []string
	for _, pol := range snap.Policies {
		label := pol.Name
		if label == "" {
			label = pol.ID
		}
		if containsFold(p.DisallowedStatuses, pol.Status) {
			disallowed = append(disallowed, fmt.Sprintf("%s=%s", label, pol.Status))
			continue
		}
		if !strings.EqualFold(pol.Status, p.RequiredStatus) {
			wrongStatus = append(wrongStatus, fmt.Sprintf("%s=%s", label, pol.Status))
		}
	}
	if len(wrongStatus) == 0 && len(disallowed) == 0 {
		return pass("all %d policies are %s", len(snap.Policies), p.RequiredStatus)
	}
	return Finding{
		Message: fmt.Sprintf("%d policies not %s, %d in a disallowed status",
			len(wrongStatus)+len(disallowed), p.RequiredStatus, len(disallowed)),
		Evidence:    map[string]any{"not_required_status": wrongStatus, "disallowed": disallowed},
		Remediation: "Review and approve each listed policy.",
	}
}

func rank(order []string, v string) int {
	for i, o := range order {
		if strings.EqualFold(o, v) {
			return i
		}
	}
	return -1
}

func containsFold(list []string, v string) bool {
	return rank(list, v) >= 0
}

func containsDecision(list []domain.Decision, d domain.Decision) bool {
	for _, item := range list {
		if item == d {
			return true
		}
	}
	return false
}
