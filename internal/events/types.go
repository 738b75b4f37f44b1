package events

import "time"

// Type names an event. The set is closed; handlers subscribe by Type or All.
type Type string

const (
	ProjectCreated             Type = "project.created"
	GateSubmitted              Type = "gate.submitted"
	LifecycleTransitionChecked Type = "lifecycle.transition.checked"
	LifecycleTransitioned      Type = "lifecycle.transitioned"
	PolicyEvaluated            Type = "policy.evaluated"
	PermissionDenied           Type = "permission.denied"
	SLAOpened                  Type = "sla.opened"
	SLAEscalated               Type = "sla.escalated"
	SLABreached                Type = "sla.breached"
	SLAResolved                Type = "sla.resolved"
	SnapshotUpdated            Type = "snapshot.updated"

	// All subscribes a handler to every type.
	All Type = "*"
)

// Types lists every concrete event type.
var Types = []Type{
	ProjectCreated,
	GateSubmitted,
	LifecycleTransitionChecked,
	LifecycleTransitioned,
	PolicyEvaluated,
	PermissionDenied,
	SLAOpened,
	SLAEscalated,
	SLABreached,
	SLAResolved,
	SnapshotUpdated,
}

// KnownType reports whether t is a concrete event type.
func KnownType(t Type) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

type ProjectCreatedPayload struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type GateSubmittedPayload struct {
	GateID     string `json:"gate_id"`
	GateType   string `json:"gate_type"`
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id,omitempty"`
}

type TransitionCheckedPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Role    string `json:"role"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type TransitionedPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

type PolicyEvaluatedPayload struct {
	State       string   `json:"state"`
	Total       int      `json:"total_rules"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Warnings    int      `json:"warnings"`
	FailedRules []string `json:"failed_rules,omitempty"`
}

type PermissionDeniedPayload struct {
	Role          string `json:"role"`
	Permission    string `json:"permission"`
	ResourceOrgID string `json:"resource_org_id,omitempty"`
	Reason        string `json:"reason"`
}

type SLAOpenedPayload struct {
	RecordID     string    `json:"record_id"`
	PolicyID     string    `json:"sla_policy_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	DueAt        time.Time `json:"due_at"`
}

type SLAEscalatedPayload struct {
	RecordID  string `json:"record_id"`
	PolicyID  string `json:"sla_policy_id"`
	FromLevel string `json:"from_level"`
	ToLevel   string `json:"to_level"`
	Status    string `json:"status"`
}

type SLABreachedPayload struct {
	RecordID     string    `json:"record_id"`
	PolicyID     string    `json:"sla_policy_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Level        string    `json:"level"`
	DueAt        time.Time `json:"due_at"`
}

type SLAResolvedPayload struct {
	RecordID     string `json:"record_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

type SnapshotUpdatedPayload struct {
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Change     string `json:"change"`
}
