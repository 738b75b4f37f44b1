// Package events is the in-process domain event log and publish/subscribe bus.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultCapacity bounds the in-memory log when no capacity is configured.
const DefaultCapacity = 1000

// Event is immutable once emitted.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Timestamp      time.Time `json:"timestamp" format:"date-time"`
	OrganizationID string    `json:"organization_id"`
	ProjectID      string    `json:"project_id,omitempty"`
	Actor          string    `json:"actor"`
	Payload        any       `json:"payload"`
	TraceID        string    `json:"trace_id"`
}

// Meta carries the envelope fields supplied by the caller.
type Meta struct {
	OrganizationID string
	ProjectID      string
	Actor          string
	TraceID        string
}

// Handler receives dispatched events. Returned errors and panics are logged
// and never reach the emitter. Handlers must not call Emit on the same bus.
type Handler func(ctx context.Context, e Event) error

// Filter selects events from the log. Zero fields match everything.
type Filter struct {
	ProjectID      string
	OrganizationID string
	Types          []Type
	Since          time.Time
	Limit          int
}

func (f Filter) matches(e Event) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == e.Type {
				return true
			}
		}
		return false
	}
	return true
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus appends each event to a bounded FIFO log and then dispatches it
// synchronously: type handlers first, then All handlers, each in
// registration order. Concurrent emits are serialized.
type Bus struct {
	capacity  int
	logger    *zap.Logger
	now       func() time.Time
	onFailure func(Event, error)

	emitMu sync.Mutex

	mu       sync.RWMutex
	log      []Event
	handlers map[Type][]subscription
	nextID   uint64
}

type Option func(*Bus)

// WithCapacity sets the log bound. Non-positive values keep the default.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFailureHook is called once per failed handler invocation.
func WithFailureHook(fn func(Event, error)) Option {
	return func(b *Bus) { b.onFailure = fn }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		capacity: DefaultCapacity,
		logger:   zap.NewNop(),
		now:      time.Now,
		handlers: map[Type][]subscription{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit records and dispatches one event. It never fails.
func (b *Bus) Emit(ctx context.Context, typ Type, payload any, meta Meta) Event {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	e := Event{
		ID:             uuid.NewString(),
		Type:           typ,
		Timestamp:      b.now().UTC(),
		OrganizationID: meta.OrganizationID,
		ProjectID:      meta.ProjectID,
		Actor:          meta.Actor,
		Payload:        payload,
		TraceID:        traceID(ctx, meta.TraceID),
	}

	b.mu.Lock()
	b.log = append(b.log, e)
	if over := len(b.log) - b.capacity; over > 0 {
		// Copy down so the backing array does not pin dropped events.
		b.log = append(b.log[:0:0], b.log[over:]...)
	}
	typed := append([]subscription(nil), b.handlers[typ]...)
	var wild []subscription
	if typ != All {
		wild = append(wild, b.handlers[All]...)
	}
	b.mu.Unlock()

	b.logger.Debug("event emitted", zap.String("event_id", e.ID), zap.String("type", string(e.Type)))
	for i, s := range typed {
		b.dispatch(ctx, e, s, i)
	}
	for i, s := range wild {
		b.dispatch(ctx, e, s, len(typed)+i)
	}
	return e
}

func (b *Bus) dispatch(ctx context.Context, e Event, s subscription, idx int) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = s.handler(ctx, e)
	}()
	if err == nil {
		return
	}
	b.logger.Warn("event handler failed",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int("handler", idx),
		zap.Error(err))
	if b.onFailure != nil {
		b.onFailure(e, err)
	}
}

// Subscribe registers h for typ (or All). The returned func removes it and
// is safe to call more than once.
func (b *Bus) Subscribe(typ Type, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[typ]
			for i, s := range subs {
				if s.id == id {
					b.handlers[typ] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Query returns matching events newest first.
func (b *Bus) Query(f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for i := len(b.log) - 1; i >= 0; i-- {
		if !f.matches(b.log[i]) {
			continue
		}
		out = append(out, b.log[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of events currently held.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.log)
}

func (b *Bus) Capacity() int {
	return b.capacity
}

func traceID(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			return sc.TraceID().String()
		}
	}
	return uuid.NewString()
}
