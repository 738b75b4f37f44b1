package policy

import (
	"fmt"

	"pilotgate/internal/domain"
)

// Finding is what a category check reports before severity is resolved.
type Finding struct {
	Passed      bool
	Message     string
	Evidence    map[string]any
	Remediation string
}

// Result is the evaluated outcome of one rule.
type Result struct {
	RuleID      string         `json:"rule_id"`
	RuleName    string         `json:"rule_name"`
	Category    Category       `json:"category"`
	Severity    Severity       `json:"severity"`
	Passed      bool           `json:"passed"`
	Message     string         `json:"message"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
}

// Summary aggregates rule results. Failed counts non-passing results above
// info severity; Warnings counts non-passing info results.
type Summary struct {
	Total    int      `json:"total_rules"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Warnings int      `json:"warnings"`
	Results  []Result `json:"results"`
}

// Compliant reports whether no rule failed hard.
func (s Summary) Compliant() bool {
	return s.Failed == 0
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	// StrictCategories keeps unknown-category findings at the rule's declared
	// severity, turning configuration typos into hard failures.
	StrictCategories bool
}

// Evaluate runs every non-disabled rule against snap.
func (e Evaluator) Evaluate(rules []Rule, snap domain.Snapshot) Summary {
	sum := Summary{Results: []Result{}}
	for _, r := range rules {
		if r.Mode == ModeDisabled {
			continue
		}
		res := e.evaluateRule(r, snap)
		sum.Results = append(sum.Results, res)
		sum.Total++
		switch {
		case res.Passed:
			sum.Passed++
		case res.Severity == SeverityInfo:
			sum.Warnings++
		default:
			sum.Failed++
		}
	}
	return sum
}

func (e Evaluator) evaluateRule(r Rule, snap domain.Snapshot) Result {
	res := Result{RuleID: r.ID, RuleName: r.Name, Category: r.Category}
	if !Known(r.Category) {
		res.Message = fmt.Sprintf("unknown rule category %q; no evaluator registered", r.Category)
		res.Remediation = "Fix the rule category or register an evaluator for it."
		res.Severity = SeverityInfo
		if e.StrictCategories {
			res.Severity = effectiveSeverity(r)
		}
		return res
	}
	params := r.Params
	if params == nil {
		params = DefaultParams(r.Category)
	}
	f, ok := dispatch(r.Category, params, snap)
	if !ok {
		res.Message = fmt.Sprintf("rule definition does not match category %q", r.Category)
		res.Evidence = map[string]any{"definition_type": fmt.Sprintf("%T", params)}
		res.Remediation = "Give the rule a definition for its own category."
		res.Severity = effectiveSeverity(r)
		return res
	}
	res.Passed = f.Passed
	res.Message = f.Message
	res.Evidence = f.Evidence
	res.Remediation = f.Remediation
	res.Severity = effectiveSeverity(r)
	return res
}

func effectiveSeverity(r Rule) Severity {
	if r.Mode == ModeWarn || r.Mode == ModeAudit {
		return SeverityInfo
	}
	if r.Severity == "" {
		return SeverityMedium
	}
	return r.Severity
}

// dispatch runs the check registered for category. It reports false when p
// is not the parameter variant of category.
func dispatch(category Category, p Params, snap domain.Snapshot) (Finding, bool) {
	switch category {
	case CategoryDataClassification:
		return run(p, snap, checkClassification)
	case CategoryDataApproval:
		return run(p, snap, checkDataApproval)
	case CategoryGateCompletion:
		return run(p, snap, checkGateCompletion)
	case CategoryRiskAssessment:
		return run(p, snap, checkRiskAssessment)
	case CategoryOwnerCoverage:
		return run(p, snap, checkOwnerCoverage)
	case CategoryPIIHandling:
		return run(p, snap, checkPIIHandling)
	case CategorySecurityBaseline:
		return run(p, snap, checkSecurityBaseline)
	case CategoryPolicyReview:
		return run(p, snap, checkPolicyReview)
	default:
		return Finding{}, false
	}
}

func run[T Params](p Params, snap domain.Snapshot, check func(T, domain.Snapshot) Finding) (Finding, bool) {
	switch v := any(p).(type) {
	case T:
		return check(v, snap), true
	case *T:
		if v != nil {
			return check(*v, snap), true
		}
	}
	return Finding{}, false
}

// ForPhase returns the rules that apply to state, preserving order.
func ForPhase(rules []Rule, state domain.State) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.AppliesTo(state) {
			out = append(out, r)
		}
	}
	return out
}
