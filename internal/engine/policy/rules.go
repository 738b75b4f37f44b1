// Package policy evaluates declarative compliance rules against a project snapshot.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"pilotgate/internal/domain"
)

// Category names a rule family. Each known category has one Params variant.
type Category string

const (
	CategoryDataClassification Category = "data_classification"
	CategoryDataApproval       Category = "data_approval"
	CategoryGateCompletion     Category = "gate_completion"
	CategoryRiskAssessment     Category = "risk_assessment"
	CategoryOwnerCoverage      Category = "owner_coverage"
	CategoryPIIHandling        Category = "pii_handling"
	CategorySecurityBaseline   Category = "security_baseline"
	CategoryPolicyReview       Category = "policy_review"
)

// Categories lists every category with a registered evaluator.
var Categories = []Category{
	CategoryDataClassification,
	CategoryDataApproval,
	CategoryGateCompletion,
	CategoryRiskAssessment,
	CategoryOwnerCoverage,
	CategoryPIIHandling,
	CategorySecurityBaseline,
	CategoryPolicyReview,
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Mode is a rule's enforcement mode.
type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeWarn     Mode = "warn"
	ModeAudit    Mode = "audit"
	ModeDisabled Mode = "disabled"
)

// Rule is a parsed policy rule. Category selects the check; a nil Params
// runs it with the category defaults.
type Rule struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Category Category       `json:"category"`
	Severity Severity       `json:"severity"`
	Mode     Mode           `json:"enforcement_mode"`
	Phases   []domain.State `json:"phases,omitempty"`
	Params   Params         `json:"definition,omitempty"`
}

// AppliesTo reports whether the rule runs in state. Rules without phases run everywhere.
func (r Rule) AppliesTo(state domain.State) bool {
	if len(r.Phases) == 0 {
		return true
	}
	for _, p := range r.Phases {
		if p == state {
			return true
		}
	}
	return false
}

// Params is the closed set of per-category rule parameters.
type Params interface {
	Category() Category
}

type ClassificationParams struct {
	AllowedClassifications []string `yaml:"allowed_classifications" json:"allowed_classifications"`
}

type DataApprovalParams struct {
	RequiresApproval []string `yaml:"requires_approval" json:"requires_approval"`
}

type GateCompletionParams struct {
	RequiredGates     []string          `yaml:"required_gates" json:"required_gates"`
	AcceptedDecisions []domain.Decision `yaml:"accepted_decisions" json:"accepted_decisions"`
}

type RiskAssessmentParams struct {
	RequiresMitigation []string `yaml:"requires_mitigation" json:"requires_mitigation"`
	RequireOwner       bool     `yaml:"require_owner" json:"require_owner"`
}

type OwnerCoverageParams struct {
	RequiredRoles []string `yaml:"required_roles" json:"required_roles"`
}

type PIIHandlingParams struct {
	MinimumClassification string   `yaml:"minimum_classification" json:"minimum_classification"`
	ClassificationOrder   []string `yaml:"classification_order" json:"classification_order"`
	RequireApproval       bool     `yaml:"require_approval" json:"require_approval"`
}

type SecurityBaselineParams struct {
	ThresholdPercent float64 `yaml:"threshold_percent" json:"threshold_percent"`
}

type PolicyReviewParams struct {
	RequiredStatus     string   `yaml:"required_status" json:"required_status"`
	DisallowedStatuses []string `yaml:"disallowed_statuses" json:"disallowed_statuses"`
}

func (ClassificationParams) Category() Category   { return CategoryDataClassification }
func (DataApprovalParams) Category() Category     { return CategoryDataApproval }
func (GateCompletionParams) Category() Category   { return CategoryGateCompletion }
func (RiskAssessmentParams) Category() Category   { return CategoryRiskAssessment }
func (OwnerCoverageParams) Category() Category    { return CategoryOwnerCoverage }
func (PIIHandlingParams) Category() Category      { return CategoryPIIHandling }
func (SecurityBaselineParams) Category() Category { return CategorySecurityBaseline }
func (PolicyReviewParams) Category() Category     { return CategoryPolicyReview }

var defaultClassificationOrder = []string{"public", "internal", "confidential", "restricted"}

const defaultBaselineThreshold = 80.0

// DefaultParams returns the parameter variant for category with defaults applied,
// or nil for an unknown category.
func DefaultParams(category Category) Params {
	p, _ := DecodeParams(category, nil)
	return p
}

// DecodeParams decodes a rule definition into the variant for category and fills
// unset fields with defaults. Unknown categories yield nil params and no error so
// the evaluator can report them as findings.
func DecodeParams(category Category, node *yaml.Node) (Params, error) {
	decode := func(dst any) error {
		if node == nil || node.Kind == 0 {
			return nil
		}
		if err := node.Decode(dst); err != nil {
			return fmt.Errorf("decode %s definition: %w", category, err)
		}
		return nil
	}
	switch category {
	case CategoryDataClassification:
		var p ClassificationParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		if len(p.AllowedClassifications) == 0 {
			p.AllowedClassifications = defaultClassificationOrder
		}
		return p, nil
	case CategoryDataApproval:
		var p DataApprovalParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		if len(p.RequiresApproval) == 0 {
			p.RequiresApproval = []string{"confidential", "restricted"}
		}
		return p, nil
	case CategoryGateCompletion:
		var p GateCompletionParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		if len(p.AcceptedDecisions) == 0 {
			p.AcceptedDecisions = []domain.Decision{domain.DecisionApproved, domain.DecisionConditionallyApproved}
		}
		return p, nil
	case CategoryRiskAssessment:
		var p RiskAssessmentParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		if len(p.RequiresMitigation) == 0 {
			p.RequiresMitigation = []string{"high", "critical"}
		}
		return p, nil
	case CategoryOwnerCoverage:
		var p OwnerCoverageParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case CategoryPIIHandling:
		var p PIIHandlingParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.MinimumClassification == "" {
			p.MinimumClassification = "confidential"
		}
		if len(p.ClassificationOrder) == 0 {
			p.ClassificationOrder = defaultClassificationOrder
		}
		return p, nil
	case CategorySecurityBaseline:
		var raw struct {
			ThresholdPercent *float64 `yaml:"threshold_percent"`
		}
		if err := decode(&raw); err != nil {
			return nil, err
		}
		p := SecurityBaselineParams{ThresholdPercent: defaultBaselineThreshold}
		if t := raw.ThresholdPercent; t != nil {
			if *t < 0 || *t > 100 {
				return nil, fmt.Errorf("%s definition: threshold_percent %v must be within [0, 100]", category, *t)
			}
			p.ThresholdPercent = *t
		}
		return p, nil
	case CategoryPolicyReview:
		var p PolicyReviewParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.RequiredStatus == "" {
			p.RequiredStatus = "approved"
		}
		if p.DisallowedStatuses == nil {
			p.DisallowedStatuses = []string{"draft", "retired"}
		}
		return p, nil
	default:
		return nil, nil
	}
}

// Known reports whether category has a registered evaluator.
func Known(category Category) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// ValidMode reports whether m is a known enforcement mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeEnforce, ModeWarn, ModeAudit, ModeDisabled:
		return true
	}
	return false
}
