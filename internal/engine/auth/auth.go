// Package auth resolves role permissions and tenant isolation for governance actions.
package auth

import (
	"fmt"
	"sort"
)

// Permission identifiers used across the engine and the API.
const (
	PermProjectCreate      = "project.create"
	PermProjectRead        = "project.read"
	PermProjectTransition  = "project.transition"
	PermGateSubmit         = "gate.submit"
	PermDataManage         = "data.manage"
	PermRiskManage         = "risk.manage"
	PermPolicyManage       = "policy.manage"
	PermControlRecord      = "control.record"
	PermTeamManage         = "team.manage"
	PermComplianceEvaluate = "compliance.evaluate"
	PermEscalationManage   = "escalation.manage"
	PermAuditRead          = "audit.read"
)

// ForbiddenError indicates a role lacks a permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %q does not have permission %q", e.Role, e.Permission)
}

// CrossTenantError indicates an actor reached for another organization's resource.
type CrossTenantError struct {
	ResourceOrgID string
	UserOrgID     string
}

func (e CrossTenantError) Error() string {
	return fmt.Sprintf("cross-tenant access denied: resource belongs to organization %q, actor belongs to %q", e.ResourceOrgID, e.UserOrgID)
}

// Decision is the outcome of CanPerformAction.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Authority holds an immutable role -> permission matrix.
// There is no inheritance and no wildcard matching.
type Authority struct {
	grants map[string]map[string]struct{}
	roles  []string
}

// New copies matrix into an Authority.
func New(matrix map[string][]string) *Authority {
	a := &Authority{grants: make(map[string]map[string]struct{}, len(matrix))}
	for role, perms := range matrix {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		a.grants[role] = set
		a.roles = append(a.roles, role)
	}
	sort.Strings(a.roles)
	return a
}

// HasPermission reports whether role was explicitly granted permission.
func (a *Authority) HasPermission(role, permission string) bool {
	perms, ok := a.grants[role]
	if !ok {
		return false
	}
	_, ok = perms[permission]
	return ok
}

// Check enforces tenant isolation first, then the permission table.
// Isolation cannot be bypassed by any role.
func (a *Authority) Check(role, permission, resourceOrgID, userOrgID string) error {
	if resourceOrgID != userOrgID {
		return CrossTenantError{ResourceOrgID: resourceOrgID, UserOrgID: userOrgID}
	}
	if !a.HasPermission(role, permission) {
		return ForbiddenError{Role: role, Permission: permission}
	}
	return nil
}

// CanPerformAction is the non-error form of Check.
func (a *Authority) CanPerformAction(role, permission, resourceOrgID, userOrgID string) Decision {
	if err := a.Check(role, permission, resourceOrgID, userOrgID); err != nil {
		return Decision{Allowed: false, Reason: err.Error()}
	}
	return Decision{Allowed: true}
}

// RolesWithPermission returns, sorted, every role holding permission.
func (a *Authority) RolesWithPermission(permission string) []string {
	var out []string
	for _, role := range a.roles {
		if _, ok := a.grants[role][permission]; ok {
			out = append(out, role)
		}
	}
	return out
}

// Roles returns all known roles, sorted.
func (a *Authority) Roles() []string {
	return append([]string(nil), a.roles...)
}

// Permissions returns the sorted permissions granted to role.
func (a *Authority) Permissions(role string) []string {
	var out []string
	for p := range a.grants[role] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
