// Package sla computes deadline status and escalation level for open,
// time-bound governance obligations.
package sla

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWithin   Status = "within"
	StatusWarning  Status = "warning"
	StatusBreached Status = "breached"
)

// DefaultLevel names the single level of a policy with an empty chain.
const DefaultLevel = "owner"

// Policy is a static SLA definition.
type Policy struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	TargetDays      float64  `json:"target_days" yaml:"target_days"`
	WarningDays     float64  `json:"warning_days" yaml:"warning_days"`
	AppliesTo       string   `json:"applies_to" yaml:"applies_to"`
	EscalationChain []string `json:"escalation_chain" yaml:"escalation_chain"`
}

// Record tracks one open obligation. It is frozen once ResolvedAt is set.
type Record struct {
	ID           string     `json:"id"`
	SLAPolicyID  string     `json:"sla_policy_id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	ProjectID    string     `json:"project_id,omitempty"`
	OrgID        string     `json:"org_id,omitempty"`
	CurrentLevel string     `json:"current_level"`
	Status       Status     `json:"status" enum:"within,warning,breached"`
	OpenedAt     time.Time  `json:"opened_at" format:"date-time"`
	DueAt        time.Time  `json:"due_at" format:"date-time"`
	EscalatedAt  *time.Time `json:"escalated_at,omitempty" format:"date-time"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty" format:"date-time"`
}

// Resolved reports whether the record is frozen.
func (r Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// ElapsedDays returns fractional calendar days between opened and now.
func ElapsedDays(opened, now time.Time) float64 {
	return now.Sub(opened).Hours() / 24
}

// ComputeStatus classifies elapsed time against the policy thresholds.
// Both thresholds are inclusive.
func ComputeStatus(p Policy, opened, now time.Time) Status {
	elapsed := ElapsedDays(opened, now)
	switch {
	case elapsed >= p.TargetDays:
		return StatusBreached
	case elapsed >= p.WarningDays:
		return StatusWarning
	default:
		return StatusWithin
	}
}

// ComputeLevel returns the escalation chain index reached after the elapsed
// time. The target window is split evenly across the chain and the index
// never passes the final entry.
func ComputeLevel(p Policy, opened, now time.Time) int {
	n := len(p.EscalationChain)
	if n == 0 {
		return 0
	}
	elapsed := ElapsedDays(opened, now)
	if p.TargetDays <= 0 || elapsed >= p.TargetDays {
		return n - 1
	}
	idx := int(math.Floor(elapsed / (p.TargetDays / float64(n))))
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

// LevelName maps a chain index to its level name.
func (p Policy) LevelName(idx int) string {
	if len(p.EscalationChain) == 0 {
		return DefaultLevel
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.EscalationChain) {
		idx = len(p.EscalationChain) - 1
	}
	return p.EscalationChain[idx]
}

// CurrentLevel is ComputeLevel resolved to its chain entry.
func (p Policy) CurrentLevel(opened, now time.Time) string {
	return p.LevelName(ComputeLevel(p, opened, now))
}

// NewRecord seeds an open record at the first chain level.
func NewRecord(p Policy, resourceType, resourceID string, opened time.Time) Record {
	return Record{
		ID:           uuid.NewString(),
		SLAPolicyID:  p.ID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CurrentLevel: p.LevelName(0),
		Status:       StatusWithin,
		OpenedAt:     opened,
		DueAt:        opened.Add(time.Duration(p.TargetDays * 24 * float64(time.Hour))),
	}
}

// Evaluate recomputes open records as of now. Resolved records are dropped
// from the result; records naming an unknown policy are returned unchanged.
// EscalatedAt is set only when the level changes. The input is not modified.
func Evaluate(records []Record, policies []Policy, now time.Time) []Record {
	byID := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byID[p.ID] = p
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Resolved() {
			continue
		}
		next := r.clone()
		p, ok := byID[r.SLAPolicyID]
		if !ok {
			out = append(out, next)
			continue
		}
		next.Status = ComputeStatus(p, r.OpenedAt, now)
		level := p.CurrentLevel(r.OpenedAt, now)
		if level != r.CurrentLevel {
			next.CurrentLevel = level
			at := now
			next.EscalatedAt = &at
		}
		out = append(out, next)
	}
	return out
}

func (r Record) clone() Record {
	c := r
	if r.EscalatedAt != nil {
		t := *r.EscalatedAt
		c.EscalatedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Change describes how a record moved between two evaluations.
type Change struct {
	Before Record `json:"before"`
	After  Record `json:"after"`
}

// Escalated reports whether the level moved.
func (c Change) Escalated() bool {
	return c.Before.CurrentLevel != c.After.CurrentLevel
}

// Breached reports whether the record crossed into breach.
func (c Change) Breached() bool {
	return c.Before.Status != StatusBreached && c.After.Status == StatusBreached
}

// Diff pairs each evaluated record with its prior version and returns only
// those whose status or level changed.
func Diff(before, after []Record) []Change {
	prev := make(map[string]Record, len(before))
	for _, r := range before {
		prev[r.ID] = r
	}
	var out []Change
	for _, a := range after {
		b, ok := prev[a.ID]
		if !ok {
			continue
		}
		if b.Status != a.Status || b.CurrentLevel != a.CurrentLevel {
			out = append(out, Change{Before: b, After: a})
		}
	}
	return out
}

// ForResource returns the first policy whose AppliesTo matches resourceType.
func ForResource(policies []Policy, resourceType string) (Policy, bool) {
	for _, p := range policies {
		if p.AppliesTo == resourceType {
			return p, true
		}
	}
	return Policy{}, false
}
