package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pilotgate/internal/config"
	"pilotgate/internal/events"
)

type outcomes struct {
	mu  sync.Mutex
	got []string
}

func (o *outcomes) record(s string) {
	o.mu.Lock()
	o.got = append(o.got, s)
	o.mu.Unlock()
}

func (o *outcomes) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.got...)
}

func testOptions(o *outcomes) DispatcherOptions {
	return DispatcherOptions{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		OnResult:    o.record,
	}
}

func emit(t *testing.T, d *Dispatcher, typ events.Type) events.Event {
	t.Helper()
	bus := events.NewBus()
	bus.Subscribe(events.All, d.Handler())
	return bus.Emit(context.Background(), typ, events.SLABreachedPayload{RecordID: "r1", Level: "director"}, events.Meta{OrganizationID: "org-1", ProjectID: "p1", Actor: "system"})
}

func TestDeliverySignedAndFiltered(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var o outcomes
	d := NewDispatcher([]config.Webhook{{URL: srv.URL, Events: []string{string(events.SLABreached)}, Secret: "s3cret"}}, testOptions(&o))
	d.Start(context.Background())

	bus := events.NewBus()
	bus.Subscribe(events.All, d.Handler())
	bus.Emit(context.Background(), events.ProjectCreated, nil, events.Meta{OrganizationID: "org-1"})
	sent := bus.Emit(context.Background(), events.SLABreached, events.SLABreachedPayload{RecordID: "r1"}, events.Meta{OrganizationID: "org-1", ProjectID: "p1"})
	d.Close()

	require.Len(t, bodies, 1)
	assert.Equal(t, []string{OutcomeDelivered}, o.list())
	h := headers[0]
	assert.Equal(t, string(events.SLABreached), h.Get("X-Pilotgate-Event"))
	assert.Equal(t, sent.ID, h.Get("X-Pilotgate-Delivery"))
	assert.True(t, Verify("s3cret", h.Get("X-Pilotgate-Timestamp"), bodies[0], h.Get("X-Pilotgate-Signature")))
	assert.False(t, Verify("other", h.Get("X-Pilotgate-Timestamp"), bodies[0], h.Get("X-Pilotgate-Signature")))

	var got map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	assert.Equal(t, "sla.breached", got["type"])
	assert.Equal(t, "p1", got["project_id"])
}

func TestServerErrorsAreRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var o outcomes
	d := NewDispatcher([]config.Webhook{{URL: srv.URL}}, testOptions(&o))
	d.Start(context.Background())
	emit(t, d, events.SLABreached)
	d.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, []string{OutcomeDelivered}, o.list())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var o outcomes
	d := NewDispatcher([]config.Webhook{{URL: srv.URL}}, testOptions(&o))
	d.Start(context.Background())
	emit(t, d, events.SLAEscalated)
	d.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Equal(t, []string{OutcomeFailed}, o.list())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	var o outcomes
	opts := testOptions(&o)
	opts.QueueSize = 1
	d := NewDispatcher([]config.Webhook{{URL: "http://127.0.0.1:1"}}, opts)
	h := d.Handler()

	e := events.Event{ID: "e1", Type: events.SLAOpened}
	require.NoError(t, h(context.Background(), e))
	err := h(context.Background(), e)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, []string{OutcomeDropped}, o.list())

	d.Close()
	assert.NoError(t, h(context.Background(), e), "closed dispatcher ignores events")
}

func TestInactiveWebhooksAreSkipped(t *testing.T) {
	off := false
	d := NewDispatcher([]config.Webhook{{URL: "http://a", Enabled: &off}, {URL: " "}, {URL: "http://b"}}, DispatcherOptions{})
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, "unknown", d.BreakerState("http://b"))
}

func TestAlertsLogDenialsAndBreaches(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	bus := events.NewBus()
	bus.Subscribe(events.All, Alerts{Logger: zap.New(core)}.Handler())
	ctx := context.Background()

	bus.Emit(ctx, events.PermissionDenied, events.PermissionDeniedPayload{Role: "viewer", Permission: "project.transition"}, events.Meta{OrganizationID: "org-1"})
	bus.Emit(ctx, events.SLABreached, events.SLABreachedPayload{RecordID: "r1", Level: "executive"}, events.Meta{OrganizationID: "org-1"})
	bus.Emit(ctx, events.SnapshotUpdated, events.SnapshotUpdatedPayload{EntityKind: "risk"}, events.Meta{OrganizationID: "org-1"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "permission denied", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "sla breached", entries[1].Message)
	assert.Equal(t, "executive", entries[1].ContextMap()["level"])
}
