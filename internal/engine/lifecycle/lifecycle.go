// Package lifecycle validates project phase transitions against a linear,
// role- and gate-guarded edge table.
package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"pilotgate/internal/domain"
)

// Transition is one static edge of the lifecycle graph.
type Transition struct {
	From        domain.State `json:"from" yaml:"from"`
	To          domain.State `json:"to" yaml:"to"`
	Roles       []string     `json:"roles" yaml:"roles"`
	Gates       []string     `json:"gates" yaml:"gates"`
	Label       string       `json:"label,omitempty" yaml:"label"`
	Description string       `json:"description,omitempty" yaml:"description"`
}

// Result is the outcome of a transition check. Failures are values, never errors.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	Transition *Transition `json:"transition,omitempty"`
}

// Machine is immutable once built and safe for concurrent use.
type Machine struct {
	states []domain.State
	index  map[domain.State]int
	next   map[domain.State]Transition
}

// New builds a machine and rejects any edge set that is not a simple path
// visiting every state once in the declared order.
func New(states []domain.State, transitions []Transition) (*Machine, error) {
	if len(states) == 0 {
		return nil, errors.New("lifecycle: at least one state required")
	}
	m := &Machine{
		states: append([]domain.State(nil), states...),
		index:  make(map[domain.State]int, len(states)),
		next:   make(map[domain.State]Transition, len(transitions)),
	}
	for i, s := range states {
		if s == "" {
			return nil, fmt.Errorf("lifecycle: state %d is empty", i)
		}
		if _, dup := m.index[s]; dup {
			return nil, fmt.Errorf("lifecycle: duplicate state %s", s)
		}
		m.index[s] = i
	}
	for _, t := range transitions {
		if _, ok := m.index[t.From]; !ok {
			return nil, fmt.Errorf("lifecycle: transition from unknown state %s", t.From)
		}
		if _, ok := m.index[t.To]; !ok {
			return nil, fmt.Errorf("lifecycle: transition to unknown state %s", t.To)
		}
		if _, dup := m.next[t.From]; dup {
			return nil, fmt.Errorf("lifecycle: state %s has more than one outgoing transition", t.From)
		}
		if len(t.Roles) == 0 {
			return nil, fmt.Errorf("lifecycle: transition %s -> %s has no roles", t.From, t.To)
		}
		t.Roles = append([]string(nil), t.Roles...)
		t.Gates = append([]string(nil), t.Gates...)
		m.next[t.From] = t
	}
	if len(m.next) != len(states)-1 {
		return nil, fmt.Errorf("lifecycle: %d states need %d transitions, got %d", len(states), len(states)-1, len(m.next))
	}
	for i := 0; i < len(states)-1; i++ {
		t, ok := m.next[states[i]]
		if !ok || t.To != states[i+1] {
			return nil, fmt.Errorf("lifecycle: state %s must lead to %s", states[i], states[i+1])
		}
	}
	return m, nil
}

// CanTransition checks a hypothetical move from current to target.
func (m *Machine) CanTransition(current, target domain.State, role string, gates []domain.GateDecision) Result {
	t, ok := m.next[current]
	if !ok || t.To != target {
		return Result{Reason: fmt.Sprintf("no valid transition from %s to %s", current, target)}
	}
	if reasons := check(t, role, gates, true); len(reasons) > 0 {
		return Result{Reason: reasons[0], Transition: &t}
	}
	return Result{Allowed: true, Transition: &t}
}

// AvailableTransitions returns the outgoing edges of state (at most one).
func (m *Machine) AvailableTransitions(state domain.State) []Transition {
	t, ok := m.next[state]
	if !ok {
		return nil
	}
	return []Transition{t}
}

// StateProgress returns the state's position as a 0-100 percentage.
// Unknown states report 0.
func (m *Machine) StateProgress(state domain.State) int {
	i, ok := m.index[state]
	if !ok {
		return 0
	}
	edges := len(m.states) - 1
	if edges == 0 {
		return 100
	}
	return int(math.Round(float64(i) / float64(edges) * 100))
}

// Blockers lists every reason the outgoing edges of state would be refused.
// An empty result means the next edge is fully satisfied, or state is terminal.
func (m *Machine) Blockers(state domain.State, role string, gates []domain.GateDecision) []string {
	var out []string
	for _, t := range m.AvailableTransitions(state) {
		out = append(out, check(t, role, gates, false)...)
	}
	return out
}

// States returns the ordered states.
func (m *Machine) States() []domain.State {
	return append([]domain.State(nil), m.states...)
}

// Transitions returns every edge in state order.
func (m *Machine) Transitions() []Transition {
	out := make([]Transition, 0, len(m.next))
	for _, s := range m.states {
		if t, ok := m.next[s]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Initial returns the first state.
func (m *Machine) Initial() domain.State {
	return m.states[0]
}

// Known reports whether state belongs to the machine.
func (m *Machine) Known(state domain.State) bool {
	_, ok := m.index[state]
	return ok
}

// IsTerminal reports whether state has no outgoing edge.
func (m *Machine) IsTerminal(state domain.State) bool {
	_, ok := m.next[state]
	return m.Known(state) && !ok
}

func check(t Transition, role string, gates []domain.GateDecision, firstOnly bool) []string {
	var reasons []string
	if !contains(t.Roles, role) {
		reasons = append(reasons, fmt.Sprintf("role %q is not authorized for %s -> %s; allowed roles: %s",
			role, t.From, t.To, strings.Join(t.Roles, ", ")))
		if firstOnly {
			return reasons
		}
	}
	latest := LatestDecisions(gates)
	for _, gate := range t.Gates {
		d, ok := latest[gate]
		switch {
		case !ok:
			reasons = append(reasons, fmt.Sprintf("gate %q has not been submitted", gate))
		case !d.Accepting():
			reasons = append(reasons, fmt.Sprintf("gate %q is %s; approved or conditionally_approved required", gate, d))
		default:
			continue
		}
		if firstOnly {
			return reasons
		}
	}
	return reasons
}

// LatestDecisions returns the most recent decision per gate type. Later
// entries win; an entry with an earlier DecidedAt never replaces a newer one.
func LatestDecisions(gates []domain.GateDecision) map[string]domain.Decision {
	seen := make(map[string]domain.GateDecision, len(gates))
	for _, g := range gates {
		if prev, ok := seen[g.GateType]; ok && !g.DecidedAt.IsZero() && g.DecidedAt.Before(prev.DecidedAt) {
			continue
		}
		seen[g.GateType] = g
	}
	out := make(map[string]domain.Decision, len(seen))
	for k, v := range seen {
		out[k] = v.Decision
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
