package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"pilotgate/internal/app"
	"pilotgate/internal/config"
	"pilotgate/internal/db"
	"pilotgate/internal/domain"
	"pilotgate/internal/engine"
	"pilotgate/internal/events"
	"pilotgate/internal/metrics"
	"pilotgate/internal/migrate"
	"pilotgate/internal/repo"
)

const testSecret = "test-secret"

var (
	adminActor   = domain.Actor{ID: "alice", OrgID: "org-1", Role: "admin"}
	viewerActor  = domain.Actor{ID: "vic", OrgID: "org-1", Role: "viewer"}
	outsideActor = domain.Actor{ID: "mallory", OrgID: "org-2", Role: "admin"}
)

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	bus.Subscribe(events.All, events.AuditWriter{DB: conn}.Handler())
	m := metrics.New()
	m.Subscribe(bus)
	eng, err := engine.FromConfig(config.Default("org-1"), bus)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	svc := app.New(conn, eng, nil)
	svc.Metrics = m
	handler, err := New(Config{
		Service:  svc,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   svc.Repo,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func tokenHeaders(t *testing.T, actor domain.Actor) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, 0)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(body))
	}
	return env.Error.Code
}

func createProject(t *testing.T, srv *testServer, id string) domain.Project {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   id,
		"name": "Copilot pilot",
	}, tokenHeaders(t, adminActor))
	expectStatus(t, res, body, http.StatusCreated)
	var p domain.Project
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestHealthIsPublicAndAPIRequiresCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	expectStatus(t, res, body, http.StatusUnauthorized)
	if code := errorCode(t, body); code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, res, body, http.StatusUnauthorized)
	if code := errorCode(t, body); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}

	forged, err := SignToken("other-secret", adminActor, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectStatus(t, res, body, http.StatusUnauthorized)
}

func TestTransitionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := tokenHeaders(t, adminActor)
	p := createProject(t, srv, "p1")
	if p.State != domain.StateDraft || p.OrgID != "org-1" {
		t.Fatalf("unexpected project: %+v", p)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/transitions", map[string]any{"target": "scoped"}, admin)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/transitions/check", map[string]any{"target": "data_approved"}, admin)
	expectStatus(t, res, body, http.StatusOK)
	var check TransitionCheckResponse
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.Allowed || check.From != domain.StateScoped || !strings.Contains(check.Reason, "data_review") {
		t.Fatalf("expected gate denial from scoped, got %+v", check)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/transitions", map[string]any{"target": "data_approved"}, admin)
	expectStatus(t, res, body, http.StatusUnprocessableEntity)
	if code := errorCode(t, body); code != "transition_denied" {
		t.Fatalf("expected transition_denied, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/p1/blockers", nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var blockers BlockersResponse
	if err := json.Unmarshal(body, &blockers); err != nil {
		t.Fatalf("unmarshal blockers: %v", err)
	}
	if len(blockers.Blockers) != 1 || blockers.State != domain.StateScoped {
		t.Fatalf("expected one blocker at scoped, got %+v", blockers)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/gates", map[string]any{
		"gate_type": "data_review",
		"decision":  "approved",
	}, admin)
	expectStatus(t, res, body, http.StatusCreated)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/transitions", map[string]any{"target": "data_approved"}, admin)
	expectStatus(t, res, body, http.StatusOK)
	var moved domain.Project
	if err := json.Unmarshal(body, &moved); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if moved.State != domain.StateDataApproved {
		t.Fatalf("expected data_approved, got %s", moved.State)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/p1/status", nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var st app.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Progress != 33 || st.Terminal || len(st.Next) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestTenantAndPermissionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "p1")

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/p1", nil, tokenHeaders(t, outsideActor))
	expectStatus(t, res, body, http.StatusForbidden)
	if code := errorCode(t, body); code != "cross_tenant" {
		t.Fatalf("expected cross_tenant, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/transitions/check", map[string]any{"target": "scoped"}, tokenHeaders(t, outsideActor))
	expectStatus(t, res, body, http.StatusOK)
	var check TransitionCheckResponse
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.Allowed || check.From != "" || !strings.Contains(check.Reason, "cross-tenant") {
		t.Fatalf("expected hidden cross-tenant denial, got %+v", check)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/transitions", map[string]any{"target": "scoped"}, tokenHeaders(t, viewerActor))
	expectStatus(t, res, body, http.StatusForbidden)
	if code := errorCode(t, body); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/missing", nil, tokenHeaders(t, adminActor))
	expectStatus(t, res, body, http.StatusNotFound)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "name": "again"}, tokenHeaders(t, adminActor))
	expectStatus(t, res, body, http.StatusConflict)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/members", map[string]any{"user_id": "bob", "role": "wizard"}, tokenHeaders(t, adminActor))
	expectStatus(t, res, body, http.StatusBadRequest)
}

func TestComplianceAndEscalations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := tokenHeaders(t, adminActor)
	createProject(t, srv, "p1")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/gates", map[string]any{"gate_type": "data_review"}, admin)
	expectStatus(t, res, body, http.StatusCreated)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalations?project_id=p1", nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var open []map[string]any
	if err := json.Unmarshal(body, &open); err != nil {
		t.Fatalf("unmarshal escalations: %v", err)
	}
	if len(open) != 1 || open[0]["resource_type"] != app.ResourceGateReview || open[0]["current_level"] != "owner" {
		t.Fatalf("expected one open gate review obligation, got %v", open)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/tick", nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var tick TickResponse
	if err := json.Unmarshal(body, &tick); err != nil {
		t.Fatalf("unmarshal tick: %v", err)
	}
	if len(tick.Changes) != 0 {
		t.Fatalf("fresh obligation should not move, got %+v", tick.Changes)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/compliance?all_phases=true", nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var sum struct {
		Total   int `json:"total_rules"`
		Failed  int `json:"failed"`
		Results []struct {
			RuleID string `json:"rule_id"`
			Passed bool   `json:"passed"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if sum.Total == 0 || sum.Total != len(sum.Results) || sum.Failed == 0 {
		t.Fatalf("expected failing full evaluation of an empty project, got %+v", sum)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/compliance", nil, tokenHeaders(t, viewerActor))
	expectStatus(t, res, body, http.StatusForbidden)
}

func TestEventQueryPagesNewestFirst(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := tokenHeaders(t, adminActor)
	createProject(t, srv, "p1")
	for _, name := range []string{"repo-a", "repo-b", "repo-c"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p1/assets", map[string]any{
			"name":           name,
			"classification": "internal",
		}, admin)
		expectStatus(t, res, body, http.StatusCreated)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=p1&type=snapshot.updated&limit=2", nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %d items cursor %q", len(page.Items), page.NextCursor)
	}
	if page.Items[0].Seq <= page.Items[1].Seq {
		t.Fatalf("expected newest first, got seq %d then %d", page.Items[0].Seq, page.Items[1].Seq)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=p1&type=snapshot.updated&limit=2&cursor="+page.NextCursor, nil, admin)
	expectStatus(t, res, body, http.StatusOK)
	var rest paginatedEvents
	if err := json.Unmarshal(body, &rest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("expected last page of one, got %d items cursor %q", len(rest.Items), rest.NextCursor)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=made.up", nil, admin)
	expectStatus(t, res, body, http.StatusBadRequest)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=p1", nil, tokenHeaders(t, viewerActor))
	expectStatus(t, res, body, http.StatusForbidden)
}

func TestAPIKeyPrincipalAndRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	err := srv.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "k1",
		ActorID: "ci-bot",
		OrgID:   "org-1",
		Role:    "engineering_manager",
		KeyHash: repo.HashAPIKey("s3cret-key"),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret-key"})
	expectStatus(t, res, body, http.StatusOK)
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "ci-bot" || who.Role != "engineering_manager" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}
	found := false
	for _, p := range who.Permissions {
		if p == "escalation.manage" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected escalation.manage in %v", who.Permissions)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	expectStatus(t, res, body, http.StatusUnauthorized)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rbac/roles", nil, map[string]string{"X-Api-Key": "s3cret-key"})
	expectStatus(t, res, body, http.StatusOK)
	var roles []RoleResponse
	if err := json.Unmarshal(body, &roles); err != nil {
		t.Fatalf("unmarshal roles: %v", err)
	}
	if len(roles) != 8 {
		t.Fatalf("expected 8 roles, got %d", len(roles))
	}
}

func TestMetricsAndOpenAPIAreServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "p1")

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	if !strings.Contains(string(body), `pilotgate_events_total{type="project.created"} 1`) {
		t.Fatalf("expected project.created counter in metrics output")
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	var oas map[string]any
	if err := json.Unmarshal(body, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v0/projects/{project_id}/transitions/check"]; !ok {
		t.Fatalf("expected transition check path in openapi document")
	}
}
