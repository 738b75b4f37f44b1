package pilotgatesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransitionSendsBearerAndTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/projects/p%201/transitions/check", r.URL.EscapedPath())
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "data_approved", body["target"])
		_, _ = w.Write([]byte(`{"project_id":"p 1","from":"scoped","to":"data_approved","allowed":false,"reason":"missing approval for gate data_review"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.CheckTransition(context.Background(), "p 1", "data_approved")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "scoped", res.From)
	assert.Contains(t, res.Reason, "data_review")
}

func TestApplyTransitionDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"transition_denied","message":"denied","details":{"to":"data_approved"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "pg_key"
	_, err := c.ApplyTransition(context.Background(), "p1", "data_approved")
	require.Error(t, err)
	assert.True(t, IsCode(err, "transition_denied"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "data_approved", apiErr.Details["to"])
}

func TestEvaluateComplianceAllPhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pg_key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "true", r.URL.Query().Get("all_phases"))
		_, _ = w.Write([]byte(`{"total_rules":2,"passed":1,"failed":1,"warnings":0,"results":[{"rule_id":"r1","passed":false,"severity":"high"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "pg_key"
	sum, err := c.EvaluateCompliance(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.False(t, sum.Compliant())
	require.Len(t, sum.Results, 1)
	assert.Equal(t, "r1", sum.Results[0].RuleID)
}

func TestQueryEventsEncodesFilters(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/events", r.URL.Path)
		assert.Equal(t, "p1", q.Get("project_id"))
		assert.Equal(t, []string{"permission.denied", "lifecycle.transitioned"}, q["type"])
		assert.Equal(t, "2026-03-01T12:00:00Z", q.Get("since"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "42", q.Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[{"seq":41,"type":"permission.denied","payload":{"reason":"x"}}],"next_cursor":"41"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "api"
	page, err := c.QueryEvents(context.Background(), EventQuery{
		ProjectID: "p1",
		Types:     []string{"permission.denied", "lifecycle.transitioned"},
		Since:     since,
		Limit:     5,
		Cursor:    "42",
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(41), page.Items[0].Seq)
	assert.JSONEq(t, `{"reason":"x"}`, string(page.Items[0].Payload))
	assert.Equal(t, "41", page.NextCursor)
}
