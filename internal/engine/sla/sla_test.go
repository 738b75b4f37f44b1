package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func days(d float64) time.Time {
	return t0.Add(time.Duration(d * 24 * float64(time.Hour)))
}

func TestComputeStatusThresholdsInclusive(t *testing.T) {
	p := Policy{ID: "p", TargetDays: 14, WarningDays: 10}
	cases := []struct {
		elapsed float64
		want    Status
	}{
		{0, StatusWithin},
		{9, StatusWithin},
		{9.99, StatusWithin},
		{10, StatusWarning},
		{13.5, StatusWarning},
		{14, StatusBreached},
		{40, StatusBreached},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ComputeStatus(p, t0, days(tc.elapsed)), "elapsed %v", tc.elapsed)
	}
}

func TestComputeLevel(t *testing.T) {
	p := Policy{TargetDays: 12, EscalationChain: []string{"owner", "manager", "director", "executive"}}
	cases := []struct {
		elapsed float64
		want    int
	}{
		{0, 0},
		{1, 0},
		{3, 1},
		{6.5, 2},
		{9, 3},
		{12, 3},
		{30, 3},
		{-2, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ComputeLevel(p, t0, days(tc.elapsed)), "elapsed %v", tc.elapsed)
	}
	assert.Equal(t, "executive", p.CurrentLevel(t0, days(30)))

	empty := Policy{TargetDays: 12}
	assert.Equal(t, 0, ComputeLevel(empty, t0, days(30)))
	assert.Equal(t, DefaultLevel, empty.CurrentLevel(t0, days(30)))
}

func TestNewRecord(t *testing.T) {
	p := Policy{ID: "gate", TargetDays: 5, WarningDays: 3, EscalationChain: []string{"owner", "manager"}}
	r := NewRecord(p, "gate_review", "g1", t0)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "gate", r.SLAPolicyID)
	assert.Equal(t, "owner", r.CurrentLevel)
	assert.Equal(t, StatusWithin, r.Status)
	assert.Equal(t, days(5), r.DueAt)
	assert.Nil(t, r.EscalatedAt)
	assert.Nil(t, r.ResolvedAt)
}

func TestEvaluate(t *testing.T) {
	p := Policy{ID: "risk", TargetDays: 12, WarningDays: 8, EscalationChain: []string{"owner", "manager", "director", "executive"}}
	resolvedAt := days(2)
	records := []Record{
		NewRecord(p, "risk", "r1", t0),
		NewRecord(p, "risk", "r2", t0),
		{ID: "orphan", SLAPolicyID: "gone", CurrentLevel: "stale", Status: StatusWithin, OpenedAt: t0},
	}
	records[1].ResolvedAt = &resolvedAt
	before := append([]Record(nil), records...)

	now := days(9)
	out := Evaluate(records, []Policy{p}, now)
	require.Len(t, out, 2)
	assert.Equal(t, before, records)

	assert.Equal(t, "r1", out[0].ResourceID)
	assert.Equal(t, StatusWarning, out[0].Status)
	assert.Equal(t, "executive", out[0].CurrentLevel)
	require.NotNil(t, out[0].EscalatedAt)
	assert.Equal(t, now, *out[0].EscalatedAt)

	assert.Equal(t, records[2], out[1])

	// Same level on a later tick keeps the original escalation timestamp.
	again := Evaluate(out, []Policy{p}, days(10))
	require.NotNil(t, again[0].EscalatedAt)
	assert.Equal(t, now, *again[0].EscalatedAt)
	assert.Equal(t, StatusWarning, again[0].Status)

	changes := Diff(out, Evaluate(out, []Policy{p}, days(13)))
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Breached())
	assert.False(t, changes[0].Escalated())
}

func TestEvaluateDoesNotAliasPointers(t *testing.T) {
	p := Policy{ID: "p", TargetDays: 4, WarningDays: 2, EscalationChain: []string{"a", "b"}}
	esc := t0
	records := []Record{{ID: "x", SLAPolicyID: "p", CurrentLevel: "a", OpenedAt: t0, EscalatedAt: &esc}}
	out := Evaluate(records, []Policy{p}, days(1))
	require.Len(t, out, 1)
	*out[0].EscalatedAt = days(100)
	assert.Equal(t, t0, esc)
}

func TestForResource(t *testing.T) {
	policies := []Policy{{ID: "g", AppliesTo: "gate_review"}, {ID: "r", AppliesTo: "risk_remediation"}}
	p, ok := ForResource(policies, "risk_remediation")
	assert.True(t, ok)
	assert.Equal(t, "r", p.ID)
	_, ok = ForResource(policies, "other")
	assert.False(t, ok)
}
