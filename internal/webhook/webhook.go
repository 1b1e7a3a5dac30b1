// Package webhook implements the WebhookDispatcher: a durable-intent,
// non-blocking outbound delivery pipeline with exponential backoff retry and
// a dead-letter ring for permanent failures. The retry client and
// dead-letter store follow a callback dispatcher's shape, adapted to
// PayGate's single-sink Gate event stream.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/paygate/gateway/internal/logger"
)

// Event is the payload PayGate emits for gate allow/deny decisions, credit
// refunds, and key lifecycle changes.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DeadLetter is a delivery that exhausted every retry attempt.
type DeadLetter struct {
	Event      Event  `json:"event"`
	LastError  string `json:"lastError"`
	Attempts   int    `json:"attempts"`
	FailedAt   time.Time `json:"failedAt"`
}

type delivery struct {
	event   Event
	attempt int
}

// Config bounds the dispatcher's retry/backoff/queue behavior. Zero values
// are resolved to the spec's defaults by New.
type Config struct {
	URL            string
	Secret         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	DLQSize        int
}

// Dispatcher owns a single background worker draining a bounded queue.
// Emit is always non-blocking: once the queue is full, the oldest event is
// dropped to make room (drop-oldest overflow), never the caller's call.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	queue  chan delivery

	mu  sync.Mutex
	dlq []DeadLetter

	stop chan struct{}
	done chan struct{}
}

// New constructs a Dispatcher and starts its worker. cfg.URL == "" disables
// delivery entirely: Emit becomes a no-op so callers don't need to branch.
func New(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DLQSize <= 0 {
		cfg.DLQSize = 1000
	}
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan delivery, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Close stops the worker, letting any in-flight delivery finish.
func (d *Dispatcher) Close() {
	close(d.stop)
	<-d.done
}

// Emit enqueues event for delivery. Non-blocking: if the queue is full the
// oldest queued event is dropped to admit the new one.
func (d *Dispatcher) Emit(event Event) {
	if d == nil || d.cfg.URL == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	job := delivery{event: event, attempt: 1}
	select {
	case d.queue <- job:
		return
	default:
	}
	// Queue full: drop the oldest, then admit the new one.
	select {
	case <-d.queue:
	default:
	}
	select {
	case d.queue <- job:
	default:
		logger.Warn("webhook: queue saturated, dropping event", "type", event.Type)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.queue:
			d.attempt(job)
		}
	}
}

// attempt delivers job, re-queuing with backoff on failure up to
// cfg.MaxAttempts, after which it moves to the dead-letter ring.
func (d *Dispatcher) attempt(job delivery) {
	if err := d.deliver(job.event); err != nil {
		if job.attempt >= d.cfg.MaxAttempts {
			d.deadLetter(job.event, err, job.attempt)
			return
		}
		backoff := d.backoffFor(job.attempt)
		logger.Warn("webhook: delivery failed, will retry", "type", job.event.Type, "attempt", job.attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			return
		}
		d.attempt(delivery{event: job.event, attempt: job.attempt + 1})
	}
}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	backoff := d.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return backoff
}

func (d *Dispatcher) deliver(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(body, d.cfg.Secret))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) deadLetter(event Event, err error, attempts int) {
	logger.Error("webhook: delivery exhausted retries, moving to dead letter", "type", event.Type, "error", err)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dlq = append(d.dlq, DeadLetter{Event: event, LastError: err.Error(), Attempts: attempts, FailedAt: time.Now()})
	if len(d.dlq) > d.cfg.DLQSize {
		d.dlq = d.dlq[len(d.dlq)-d.cfg.DLQSize:]
	}
}

// DeadLetters returns a snapshot of the dead-letter ring for admin queries.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.dlq))
	copy(out, d.dlq)
	return out
}

// Sign computes the hex-encoded HMAC-SHA256 of body under secret, the value
// carried in the X-Webhook-Signature header (prefixed "sha256=").
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "webhook endpoint returned status " + http.StatusText(e.code)
}
