package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for persisted timestamps so
// that text comparison orders them chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// State is a lifecycle phase of a pilot project.
type State string

const (
	StateDraft             State = "draft"
	StateScoped            State = "scoped"
	StateDataApproved      State = "data_approved"
	StateSecurityApproved  State = "security_approved"
	StatePilotRunning      State = "pilot_running"
	StateReviewComplete    State = "review_complete"
	StateDecisionFinalized State = "decision_finalized"
)

// DefaultStates is the canonical lifecycle order.
var DefaultStates = []State{
	StateDraft,
	StateScoped,
	StateDataApproved,
	StateSecurityApproved,
	StatePilotRunning,
	StateReviewComplete,
	StateDecisionFinalized,
}

// Decision is the outcome recorded on a gate review.
type Decision string

const (
	DecisionPending               Decision = "pending"
	DecisionApproved              Decision = "approved"
	DecisionConditionallyApproved Decision = "conditionally_approved"
	DecisionRejected              Decision = "rejected"
	DecisionDeferred              Decision = "deferred"
)

// Accepting reports whether the decision satisfies a transition gate.
func (d Decision) Accepting() bool {
	return d == DecisionApproved || d == DecisionConditionallyApproved
}

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPending, DecisionApproved, DecisionConditionallyApproved, DecisionRejected, DecisionDeferred:
		return true
	}
	return false
}

// GateDecision is the minimal view of a gate review consumed by the state machine.
type GateDecision struct {
	GateType  string    `json:"gate_type"`
	Decision  Decision  `json:"decision" enum:"pending,approved,conditionally_approved,rejected,deferred"`
	DecidedAt time.Time `json:"decided_at,omitempty" format:"date-time"`
}

type Project struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time `json:"updated_at" format:"date-time"`
}

type DataAsset struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Classification string `json:"classification,omitempty"`
	ContainsPII    bool   `json:"contains_pii"`
	Approved       bool   `json:"approved"`
}

type GateReview struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	GateType   string    `json:"gate_type"`
	Decision   Decision  `json:"decision" enum:"pending,approved,conditionally_approved,rejected,deferred"`
	ReviewerID string    `json:"reviewer_id,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	DecidedAt  time.Time `json:"decided_at" format:"date-time"`
}

type Risk struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	Tier       string `json:"tier"`
	Mitigation string `json:"mitigation,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

type Policy struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// Control check results.
const (
	ControlPass          = "pass"
	ControlFail          = "fail"
	ControlNotApplicable = "not_applicable"
)

type ControlCheck struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ControlID string `json:"control_id"`
	Result    string `json:"result" enum:"pass,fail,not_applicable"`
}

type TeamMember struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// Snapshot is a read-only aggregate of one project's governance data.
// Callers build a fresh one per evaluation; the engine never mutates it.
type Snapshot struct {
	Project  Project        `json:"project"`
	Assets   []DataAsset    `json:"assets"`
	Gates    []GateReview   `json:"gates"`
	Risks    []Risk         `json:"risks"`
	Policies []Policy       `json:"policies"`
	Controls []ControlCheck `json:"controls"`
	Members  []TeamMember   `json:"members"`
}

// GateDecisions projects the snapshot's gate reviews, oldest first.
func (s Snapshot) GateDecisions() []GateDecision {
	out := make([]GateDecision, 0, len(s.Gates))
	for _, g := range s.Gates {
		out = append(out, GateDecision{GateType: g.GateType, Decision: g.Decision, DecidedAt: g.DecidedAt})
	}
	return out
}

// Roles returns the distinct team roles in assignment order.
func (s Snapshot) Roles() []string {
	seen := map[string]bool{}
	var roles []string
	for _, m := range s.Members {
		if m.Role == "" || seen[m.Role] {
			continue
		}
		seen[m.Role] = true
		roles = append(roles, m.Role)
	}
	return roles
}

// Actor is the principal requesting a decision.
type Actor struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	OrgID string `json:"org_id"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
