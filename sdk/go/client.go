// Package pilotgatesdk is a small client for the Pilotgate HTTP API. It
// covers the calls coding tools make before acting: transition checks,
// compliance evaluation and audit queries.
package pilotgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one Pilotgate server. BasePath defaults to /v0.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with a 10s timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// TransitionCheck is the outcome of a dry-run transition. A denial is a
// normal result with Allowed false.
type TransitionCheck struct {
	ProjectID string `json:"project_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// Project is the lifecycle view of a pilot.
type Project struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleResult is one evaluated compliance rule.
type RuleResult struct {
	RuleID      string         `json:"rule_id"`
	RuleName    string         `json:"rule_name"`
	Category    string         `json:"category"`
	Severity    string         `json:"severity"`
	Passed      bool           `json:"passed"`
	Message     string         `json:"message"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
}

// ComplianceSummary aggregates rule results.
type ComplianceSummary struct {
	Total    int          `json:"total_rules"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Warnings int          `json:"warnings"`
	Results  []RuleResult `json:"results"`
}

// Compliant reports whether no rule failed above info severity.
func (s ComplianceSummary) Compliant() bool { return s.Failed == 0 }

// Event is one audit log entry.
type Event struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	OrganizationID string          `json:"organization_id"`
	ProjectID      string          `json:"project_id,omitempty"`
	Actor          string          `json:"actor"`
	Payload        json.RawMessage `json:"payload"`
	TraceID        string          `json:"trace_id"`
}

// EventQuery filters the audit log. Zero values are ignored.
type EventQuery struct {
	ProjectID string
	Types     []string
	Since     time.Time
	Limit     int
	Cursor    string
}

// EventPage is one page of events, newest first.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("pilotgate: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pilotgate: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code, such as
// "forbidden", "cross_tenant" or "transition_denied".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CheckTransition asks whether the caller may move projectID to target.
func (c *Client) CheckTransition(ctx context.Context, projectID, target string) (TransitionCheck, error) {
	var resp TransitionCheck
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions/check"), map[string]string{"target": target}, &resp)
	return resp, err
}

// ApplyTransition moves projectID to target. Denials come back as an
// APIError with code transition_denied or forbidden.
func (c *Client) ApplyTransition(ctx context.Context, projectID, target string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions"), map[string]string{"target": target}, &resp)
	return resp, err
}

// EvaluateCompliance runs the policy rules of the project's current phase,
// or every rule when allPhases is set.
func (c *Client) EvaluateCompliance(ctx context.Context, projectID string, allPhases bool) (ComplianceSummary, error) {
	endpoint := projectPath(projectID, "compliance")
	if allPhases {
		endpoint += "?all_phases=true"
	}
	var resp ComplianceSummary
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// QueryEvents returns one page of the audit log.
func (c *Client) QueryEvents(ctx context.Context, q EventQuery) (EventPage, error) {
	v := url.Values{}
	if q.ProjectID != "" {
		v.Set("project_id", q.ProjectID)
	}
	for _, t := range q.Types {
		v.Add("type", t)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	endpoint := "events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}
