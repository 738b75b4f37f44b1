package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"pilotgate/internal/domain"
	"pilotgate/internal/engine/lifecycle"
	"pilotgate/internal/engine/policy"
	"pilotgate/internal/engine/sla"
)

// FileName is the workspace configuration file.
const FileName = "governance.yml"

// Config models governance.yml.
type Config struct {
	Organization string `yaml:"organization"`
	Lifecycle    struct {
		States      []domain.State         `yaml:"states"`
		Transitions []lifecycle.Transition `yaml:"transitions"`
	} `yaml:"lifecycle"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	SLA struct {
		Policies []sla.Policy `yaml:"policies"`
	} `yaml:"sla"`
	Policy struct {
		StrictCategories bool   `yaml:"strict_categories"`
		Rules            []Rule `yaml:"rules"`
	} `yaml:"policy"`
	Events struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"events"`
	Webhooks []Webhook `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Rule is the YAML form of a policy rule. Definition is decoded per category.
type Rule struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Category        string         `yaml:"category"`
	Severity        string         `yaml:"severity"`
	EnforcementMode string         `yaml:"enforcement_mode"`
	Phases          []domain.State `yaml:"phases"`
	Definition      *yaml.Node     `yaml:"definition,omitempty"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the webhook should receive deliveries.
func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pgate config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML for an organization.
func GenerateDefault(orgID string) string {
	if orgID == "" {
		orgID = DefaultOrganization
	}
	return fmt.Sprintf(defaultTemplate, orgID)
}

// DefaultOrganization is used when no organization is configured.
const DefaultOrganization = "default-org"

// Default returns the parsed default config.
func Default(orgID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(orgID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Encode renders the config back to YAML.
func (c *Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyDefaults() {
	if c.Organization == "" {
		c.Organization = DefaultOrganization
	}
	if len(c.Lifecycle.States) == 0 {
		c.Lifecycle.States = append([]domain.State(nil), domain.DefaultStates...)
	}
	if c.Events.Capacity == 0 {
		c.Events.Capacity = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	for i := range c.Policy.Rules {
		if c.Policy.Rules[i].EnforcementMode == "" {
			c.Policy.Rules[i].EnforcementMode = string(policy.ModeEnforce)
		}
		if c.Policy.Rules[i].Severity == "" {
			c.Policy.Rules[i].Severity = string(policy.SeverityMedium)
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Organization) == "" {
		return fmt.Errorf("config.organization is required")
	}
	if _, err := lifecycle.New(c.Lifecycle.States, c.Lifecycle.Transitions); err != nil {
		return fmt.Errorf("config.lifecycle: %w", err)
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for _, t := range c.Lifecycle.Transitions {
		for _, roleID := range t.Roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("transition %s -> %s references unknown role %s", t.From, t.To, roleID)
			}
		}
	}
	seenSLA := map[string]bool{}
	for _, p := range c.SLA.Policies {
		if p.ID == "" {
			return fmt.Errorf("config.sla.policies contains empty id")
		}
		if seenSLA[p.ID] {
			return fmt.Errorf("duplicate sla policy %s", p.ID)
		}
		seenSLA[p.ID] = true
		if p.TargetDays <= 0 {
			return fmt.Errorf("sla policy %s: target_days must be positive", p.ID)
		}
		if p.WarningDays < 0 || p.WarningDays >= p.TargetDays {
			return fmt.Errorf("sla policy %s: warning_days must be in [0, target_days)", p.ID)
		}
	}
	seenRule := map[string]bool{}
	for _, r := range c.Policy.Rules {
		if r.ID == "" {
			return fmt.Errorf("config.policy.rules contains empty id")
		}
		if seenRule[r.ID] {
			return fmt.Errorf("duplicate policy rule %s", r.ID)
		}
		seenRule[r.ID] = true
		if !policy.ValidSeverity(policy.Severity(r.Severity)) {
			return fmt.Errorf("policy rule %s: unknown severity %s", r.ID, r.Severity)
		}
		if !policy.ValidMode(policy.Mode(r.EnforcementMode)) {
			return fmt.Errorf("policy rule %s: unknown enforcement_mode %s", r.ID, r.EnforcementMode)
		}
		for _, ph := range r.Phases {
			if !containsState(c.Lifecycle.States, ph) {
				return fmt.Errorf("policy rule %s: unknown phase %s", r.ID, ph)
			}
		}
		// Unknown categories are reported by the evaluator, not rejected here.
		if _, err := policy.DecodeParams(policy.Category(r.Category), r.Definition); err != nil {
			return fmt.Errorf("policy rule %s: %w", r.ID, err)
		}
	}
	if c.Events.Capacity < 0 {
		return fmt.Errorf("config.events.capacity must not be negative")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d: timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// PermissionMatrix flattens rbac.roles for the permission authority.
func (c *Config) PermissionMatrix() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Permissions...)
	}
	return out
}

// RoleIDs returns configured role ids, sorted.
func (c *Config) RoleIDs() []string {
	ids := make([]string, 0, len(c.RBAC.Roles))
	for id := range c.RBAC.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PolicyRules decodes the configured rules in order.
func (c *Config) PolicyRules() ([]policy.Rule, error) {
	out := make([]policy.Rule, 0, len(c.Policy.Rules))
	for _, r := range c.Policy.Rules {
		params, err := policy.DecodeParams(policy.Category(r.Category), r.Definition)
		if err != nil {
			return nil, fmt.Errorf("policy rule %s: %w", r.ID, err)
		}
		name := r.Name
		if name == "" {
			name = r.ID
		}
		out = append(out, policy.Rule{
			ID:       r.ID,
			Name:     name,
			Category: policy.Category(r.Category),
			Severity: policy.Severity(r.Severity),
			Mode:     policy.Mode(r.EnforcementMode),
			Phases:   append([]domain.State(nil), r.Phases...),
			Params:   params,
		})
	}
	return out, nil
}

func containsState(states []domain.State, s domain.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

const defaultTemplate = `organization: %s

lifecycle:
  states: [draft, scoped, data_approved, security_approved, pilot_running, review_complete, decision_finalized]
  transitions:
    - from: draft
      to: scoped
      roles: [project_owner, governance_lead, admin]
      gates: []
      label: Define scope
      description: Pilot scope, team and tooling are agreed.
    - from: scoped
      to: data_approved
      roles: [data_steward, governance_lead, admin]
      gates: [data_review]
      label: Approve data access
      description: Data assets the tool may touch are classified and approved.
    - from: data_approved
      to: security_approved
      roles: [security_reviewer, admin]
      gates: [security_review]
      label: Approve security posture
      description: Security baseline controls pass review.
    - from: security_approved
      to: pilot_running
      roles: [project_owner, governance_lead, admin]
      gates: [pilot_readiness]
      label: Launch pilot
      description: Readiness review cleared; the pilot starts.
    - from: pilot_running
      to: review_complete
      roles: [governance_lead, admin]
      gates: [pilot_review]
      label: Complete review
      description: Pilot outcomes and incidents are reviewed.
    - from: review_complete
      to: decision_finalized
      roles: [executive_sponsor, admin]
      gates: [final_decision]
      label: Finalize decision
      description: Adopt, extend or stop the tool.

rbac:
  roles:
    admin:
      description: "Full access within the organization"
      permissions: [project.create, project.read, project.transition, gate.submit, data.manage, risk.manage, policy.manage, control.record, team.manage, compliance.evaluate, escalation.manage, audit.read]
    governance_lead:
      description: "Runs the governance program"
      permissions: [project.create, project.read, project.transition, gate.submit, policy.manage, team.manage, compliance.evaluate, escalation.manage, audit.read]
    project_owner:
      description: "Owns one pilot"
      permissions: [project.create, project.read, project.transition, data.manage, risk.manage, team.manage, compliance.evaluate]
    security_reviewer:
      description: "Reviews security controls and risks"
      permissions: [project.read, project.transition, gate.submit, control.record, risk.manage, compliance.evaluate]
    data_steward:
      description: "Approves data access"
      permissions: [project.read, project.transition, gate.submit, data.manage, compliance.evaluate]
    engineering_manager:
      description: "Tracks remediation work"
      permissions: [project.read, risk.manage, control.record, compliance.evaluate, escalation.manage]
    executive_sponsor:
      description: "Signs off the final decision"
      permissions: [project.read, project.transition, gate.submit, compliance.evaluate, audit.read]
    viewer:
      description: "Read-only access"
      permissions: [project.read]

sla:
  policies:
    - id: gate-review
      name: Gate review turnaround
      target_days: 10
      warning_days: 7
      applies_to: gate_review
      escalation_chain: [owner, manager, director, executive]
    - id: risk-remediation
      name: High risk remediation
      target_days: 14
      warning_days: 10
      applies_to: risk_remediation
      escalation_chain: [owner, manager, director, executive]

policy:
  strict_categories: false
  rules:
    - id: data-classified
      name: Data assets are classified
      category: data_classification
      severity: high
      enforcement_mode: enforce
      definition:
        allowed_classifications: [public, internal, confidential, restricted]
    - id: data-approved
      name: Sensitive data is approved
      category: data_approval
      severity: critical
      enforcement_mode: enforce
      definition:
        requires_approval: [confidential, restricted]
    - id: data-gate
      name: Data review gate passed
      category: gate_completion
      severity: high
      enforcement_mode: enforce
      phases: [data_approved, security_approved, pilot_running, review_complete, decision_finalized]
      definition:
        required_gates: [data_review]
    - id: risks-mitigated
      name: High risks are mitigated
      category: risk_assessment
      severity: high
      enforcement_mode: enforce
      definition:
        requires_mitigation: [high, critical]
        require_owner: true
    - id: team-coverage
      name: Core roles are staffed
      category: owner_coverage
      severity: medium
      enforcement_mode: warn
      definition:
        required_roles: [project_owner, security_reviewer, data_steward]
    - id: pii-handling
      name: PII is protected
      category: pii_handling
      severity: critical
      enforcement_mode: enforce
      definition:
        minimum_classification: confidential
        require_approval: true
    - id: security-baseline
      name: Security baseline met
      category: security_baseline
      severity: high
      enforcement_mode: enforce
      phases: [security_approved, pilot_running, review_complete, decision_finalized]
      definition:
        threshold_percent: 80
    - id: policies-approved
      name: Governing policies approved
      category: policy_review
      severity: medium
      enforcement_mode: enforce
      phases: [pilot_running, review_complete, decision_finalized]
      definition:
        required_status: approved
        disallowed_statuses: [draft, retired]

events:
  capacity: 1000

webhooks: []

log:
  level: info
  format: json
`
