package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
	"go.uber.org/zap"

	"pilotgate/internal/config"
	"pilotgate/internal/events"
)

const (
	defaultQueueSize        = 256
	defaultWorkers          = 2
	defaultWebhookTimeout   = 5 * time.Second
	defaultMaxAttempts      = 3
	defaultRetryDelay       = 500 * time.Millisecond
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// Delivery outcomes reported to OnResult.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

var (
	// ErrQueueFull is returned by the bus handler when a delivery is dropped.
	ErrQueueFull = errors.New("webhook queue full")
	// ErrRejected marks 4xx answers, which are not retried.
	ErrRejected = errors.New("webhook rejected")
)

type DispatcherOptions struct {
	QueueSize        int
	Workers          int
	MaxAttempts      int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	Client           *http.Client
	Logger           *zap.Logger
	// OnResult is called once per delivery with one of the Outcome values.
	OnResult func(outcome string)
}

type hook struct {
	config.Webhook
	all     bool
	types   map[events.Type]struct{}
	timeout time.Duration
}

func newHook(w config.Webhook) hook {
	h := hook{Webhook: w, types: map[events.Type]struct{}{}, timeout: defaultWebhookTimeout}
	if w.TimeoutSeconds > 0 {
		h.timeout = time.Duration(w.TimeoutSeconds) * time.Second
	}
	for _, t := range w.Events {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if events.Type(t) == events.All {
			h.all = true
		}
		h.types[events.Type(t)] = struct{}{}
	}
	if len(h.types) == 0 {
		h.all = true
	}
	return h
}

func (h hook) match(t events.Type) bool {
	if h.all {
		return true
	}
	_, ok := h.types[t]
	return ok
}

type job struct {
	hook  hook
	event events.Event
}

// Dispatcher delivers bus events to configured webhooks from a bounded
// queue. Emitters never wait on the network; a full queue drops the delivery.
type Dispatcher struct {
	hooks    []hook
	queue    chan job
	client   *http.Client
	logger   *zap.Logger
	onResult func(string)
	workers  int
	retrier  retry.Retry[int]

	threshold      int
	breakerTimeout time.Duration
	breakersMu     sync.Mutex
	breakers       map[string]circuitbreaker.CircuitBreaker[int]

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher keeps only active webhooks with a URL.
func NewDispatcher(webhooks []config.Webhook, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaultBreakerTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:    make(chan job, opts.QueueSize),
		client:   opts.Client,
		logger:   opts.Logger,
		onResult: opts.OnResult,
		workers:  opts.Workers,
		retrier: retry.New[int](retry.Config{
			MaxAttempts:        opts.MaxAttempts,
			InitialDelay:       opts.RetryDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         2.0,
			NonRetryableErrors: []error{ErrRejected},
		}),
		threshold:      opts.BreakerThreshold,
		breakerTimeout: opts.BreakerTimeout,
		breakers:       map[string]circuitbreaker.CircuitBreaker[int]{},
	}
	for _, w := range webhooks {
		if !w.Active() || strings.TrimSpace(w.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, newHook(w))
	}
	return d
}

// Len reports how many webhooks are active.
func (d *Dispatcher) Len() int {
	return len(d.hooks)
}

// Start launches the delivery workers. They exit after Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				d.deliver(ctx, j)
			}
		}()
	}
}

// Close stops accepting deliveries and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Handler returns a wildcard bus handler that enqueues matching deliveries.
func (d *Dispatcher) Handler() events.Handler {
	return func(_ context.Context, e events.Event) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return nil
		}
		var dropped int
		for _, h := range d.hooks {
			if !h.match(e.Type) {
				continue
			}
			select {
			case d.queue <- job{hook: h, event: e}:
			default:
				dropped++
				d.report(OutcomeDropped)
			}
		}
		if dropped > 0 {
			return fmt.Errorf("%w: %d deliveries of %s dropped", ErrQueueFull, dropped, e.ID)
		}
		return nil
	}
}

func (d *Dispatcher) report(outcome string) {
	if d.onResult != nil {
		d.onResult(outcome)
	}
}

func (d *Dispatcher) breaker(url string) circuitbreaker.CircuitBreaker[int] {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if b, ok := d.breakers[url]; ok {
		return b
	}
	threshold := uint32(d.threshold) // #nosec G115 -- positive, set in NewDispatcher
	b := circuitbreaker.New[int](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    d.breakerTimeout,
		Timeout:     d.breakerTimeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	d.breakers[url] = b
	return b
}

// BreakerState returns the circuit state for url, or "unknown" before the first delivery.
func (d *Dispatcher) BreakerState(url string) string {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if b, ok := d.breakers[url]; ok {
		return b.State().String()
	}
	return "unknown"
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	body, err := json.Marshal(j.event)
	if err != nil {
		d.logger.Error("webhook: encode event", zap.String("event_id", j.event.ID), zap.Error(err))
		d.report(OutcomeFailed)
		return
	}
	status, err := d.breaker(j.hook.URL).Execute(ctx, func(ctx context.Context) (int, error) {
		return d.retrier.Do(ctx, func(ctx context.Context) (int, error) {
			return d.post(ctx, j.hook, j.event, body)
		})
	})
	if err != nil {
		d.logger.Error("webhook delivery failed",
			zap.String("url", j.hook.URL),
			zap.String("event_id", j.event.ID),
			zap.String("type", string(j.event.Type)),
			zap.Error(err))
		d.report(OutcomeFailed)
		return
	}
	d.logger.Debug("webhook delivered", zap.String("url", j.hook.URL), zap.String("event_id", j.event.ID), zap.Int("status", status))
	d.report(OutcomeDelivered)
}

func (d *Dispatcher) post(ctx context.Context, h hook, e events.Event, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pilotgate-Event", string(e.Type))
	req.Header.Set("X-Pilotgate-Delivery", e.ID)
	if h.Secret != "" {
		ts := strconv.FormatInt(e.Timestamp.Unix(), 10)
		req.Header.Set("X-Pilotgate-Timestamp", ts)
		req.Header.Set("X-Pilotgate-Signature", Sign(h.Secret, ts, body))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return res.StatusCode, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return res.StatusCode, fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(msg)))
}

// Sign returns the signature header value for a delivery: an HMAC-SHA256 of
// "<timestamp>.<body>" keyed by the webhook secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
