package server

import (
	"pilotgate/internal/domain"
	"pilotgate/internal/engine/lifecycle"
	"pilotgate/internal/engine/sla"
	"pilotgate/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type AssetRequest struct {
	Name           string `json:"name"`
	Classification string `json:"classification,omitempty"`
	ContainsPII    bool   `json:"contains_pii,omitempty"`
	Approved       bool   `json:"approved,omitempty"`
}

type AssetApprovalRequest struct {
	Approved bool `json:"approved"`
}

type GateRequest struct {
	GateType string `json:"gate_type"`
	Decision string `json:"decision,omitempty" enum:"pending,approved,conditionally_approved,rejected,deferred"`
	Notes    string `json:"notes,omitempty"`
}

type RiskRequest struct {
	Title      string `json:"title"`
	Tier       string `json:"tier"`
	Mitigation string `json:"mitigation,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

type MitigationRequest struct {
	Mitigation string `json:"mitigation"`
	Owner      string `json:"owner,omitempty"`
}

type PolicyRequest struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

type PolicyStatusRequest struct {
	Status string `json:"status"`
}

type ControlRequest struct {
	ControlID string `json:"control_id"`
	Result    string `json:"result" enum:"pass,fail,not_applicable"`
}

type MemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type TransitionRequest struct {
	Target string `json:"target"`
}

// Responses

type TransitionCheckResponse struct {
	ProjectID  string                `json:"project_id"`
	From       domain.State          `json:"from"`
	To         domain.State          `json:"to"`
	Allowed    bool                  `json:"allowed"`
	Reason     string                `json:"reason,omitempty"`
	Transition *lifecycle.Transition `json:"transition,omitempty"`
}

type BlockersResponse struct {
	ProjectID string       `json:"project_id"`
	State     domain.State `json:"state"`
	Progress  int          `json:"progress"`
	Blockers  []string     `json:"blockers"`
}

type EscalationChangeResponse struct {
	RecordID   string     `json:"record_id"`
	ProjectID  string     `json:"project_id,omitempty"`
	FromLevel  string     `json:"from_level"`
	ToLevel    string     `json:"to_level"`
	FromStatus sla.Status `json:"from_status"`
	ToStatus   sla.Status `json:"to_status"`
}

type TickResponse struct {
	Changes []EscalationChangeResponse `json:"changes"`
}

type paginatedEvents struct {
	Items      []repo.StoredEvent `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type RoleResponse struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Role        string   `json:"role"`
	Source      string   `json:"source"`
	Permissions []string `json:"permissions"`
}

func changeResponses(changes []sla.Change) []EscalationChangeResponse {
	out := make([]EscalationChangeResponse, 0, len(changes))
	for _, c := range changes {
		out = append(out, EscalationChangeResponse{
			RecordID:   c.After.ID,
			ProjectID:  c.After.ProjectID,
			FromLevel:  c.Before.CurrentLevel,
			ToLevel:    c.After.CurrentLevel,
			FromStatus: c.Before.Status,
			ToStatus:   c.After.Status,
		})
	}
	return out
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
