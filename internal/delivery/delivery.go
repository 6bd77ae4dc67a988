// Package delivery runs a single process-wide FIFO of outbound send
// attempts with rate pacing, retry-with-backoff, a preflight hook for
// dispatch-id/abort checks, and a short media-dedup window (spec §4.9),
// grounded on internal/channels/manager.go's dispatchOutbound loop and the
// bounded-map-with-TTL idiom in internal/channels/ratelimit.go.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DropReason is the closed set of non-retriable drop reasons (spec §4.7/§4.9).
type DropReason string

const (
	DropDispatchIDMismatch DropReason = "dispatch_id_mismatch"
	DropDispatchAborted    DropReason = "dispatch_aborted"
)

// ErrDropped wraps a non-retriable preflight rejection.
type ErrDropped struct{ Reason DropReason }

func (e *ErrDropped) Error() string { return "delivery: dropped: " + string(e.Reason) }

// PreflightFunc runs immediately before each send attempt. When it returns
// true, the send is aborted with the returned DropReason and is not retried.
type PreflightFunc func() (DropReason, bool)

// SendFunc performs the actual network send; return a retriable error for
// transient failures the queue should retry.
type SendFunc func(ctx context.Context) error

// Task is one opaque unit of outbound work.
type Task struct {
	MediaDedupKey string // non-empty for send_media tasks eligible for dedup
	Preflight     PreflightFunc
	Send          SendFunc
	Retriable     func(error) bool
	RequeueLeft   int
}

var retriableSubstrings = []string{
	"websocket", "not open", "timeout", "timed out", "econnreset",
	"socket hang up", "broken pipe", "temporarily unavailable",
}

// DefaultRetriable matches the spec §4.9 closed list of transient error
// substrings.
func DefaultRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retriableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Queue is the global outbound FIFO.
type Queue struct {
	items chan Task
	limiter *rate.Limiter

	jitter     time.Duration
	maxRetries int
	retryMin   time.Duration
	retryMax   time.Duration
	retryJitterRatio float64
	waitForReconnect time.Duration

	isConnected func() bool

	mu        sync.Mutex
	dedupSeen map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config mirrors the spec §4.9 tunables (all in milliseconds per config.Config).
type Config struct {
	BaseDelayMs       int
	JitterMs          int
	MaxRetries        int
	RetryMinDelayMs   int
	RetryMaxDelayMs   int
	RetryJitterRatio  float64
	WaitForReconnectMs int
}

const mediaDedupWindow = 45 * time.Second

// New builds a Queue. isConnected is polled during the preflight connectivity
// wait; it may be nil to skip the connectivity check (tests).
func New(cfg Config, isConnected func() bool) *Queue {
	q := &Queue{
		items:            make(chan Task, 1024),
		limiter:          rate.NewLimiter(rate.Every(time.Duration(cfg.BaseDelayMs)*time.Millisecond), 1),
		jitter:           time.Duration(cfg.JitterMs) * time.Millisecond,
		maxRetries:       cfg.MaxRetries,
		retryMin:         time.Duration(cfg.RetryMinDelayMs) * time.Millisecond,
		retryMax:         time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		retryJitterRatio: cfg.RetryJitterRatio,
		waitForReconnect: time.Duration(cfg.WaitForReconnectMs) * time.Millisecond,
		isConnected:      isConnected,
		dedupSeen:        make(map[string]time.Time),
		stop:             make(chan struct{}),
	}
	return q
}

// Start launches the FIFO worker loop.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop halts the worker loop and waits for it to return. A send already in
// progress finishes first; tasks still waiting in the queue are not sent.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Push enqueues a send task. Blocks if the queue is full (backpressure).
func (q *Queue) Push(t Task) {
	q.items <- t
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case t := <-q.items:
			q.process(ctx, t)
			q.pace(ctx)
		}
	}
}

// pace waits for the base-rate token (golang.org/x/time/rate enforces the
// sendQueueBaseDelayMs floor between sends) then adds a random extra delay
// in [0, jitter) on top. The jitter only lengthens the pause; it is never
// shorter than the base delay.
func (q *Queue) pace(ctx context.Context) {
	_ = q.limiter.Wait(ctx)
	if q.jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(q.jitter)))):
		case <-ctx.Done():
		case <-q.stop:
		}
	}
}

func (q *Queue) process(ctx context.Context, t Task) {
	if t.MediaDedupKey != "" && q.seenRecently(t.MediaDedupKey) {
		slog.Debug("delivery: suppressing media dedup retry", "key", t.MediaDedupKey)
		return
	}

	err := q.sendWithRetry(ctx, t)
	if err == nil {
		return
	}

	var dropped *ErrDropped
	if errors.As(err, &dropped) {
		slog.Info("delivery: dropped", "reason", dropped.Reason)
		return
	}

	retriable := t.Retriable
	if retriable == nil {
		retriable = DefaultRetriable
	}
	if retriable(err) && t.RequeueLeft > 0 {
		t.RequeueLeft--
		slog.Warn("delivery: requeueing after transient failure", "error", err, "requeueLeft", t.RequeueLeft)
		go func() {
			select {
			case <-time.After(q.waitForReconnect):
			case <-ctx.Done():
				return
			}
			q.Push(t)
		}()
		return
	}
	slog.Warn("delivery: send failed, dropping", "error", err)
}

func (q *Queue) seenRecently(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	if ts, ok := q.dedupSeen[key]; ok && now.Sub(ts) < mediaDedupWindow {
		return true
	}
	q.dedupSeen[key] = now
	for k, ts := range q.dedupSeen {
		if now.Sub(ts) >= mediaDedupWindow {
			delete(q.dedupSeen, k)
		}
	}
	return false
}

// sendWithRetry performs the preflight-gated, connectivity-waited, backoff
// retry loop for one task (spec §4.9 "sendWithRetry").
func (q *Queue) sendWithRetry(ctx context.Context, t Task) error {
	maxRetries := q.maxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if t.Preflight != nil {
			if reason, drop := t.Preflight(); drop {
				return &ErrDropped{Reason: reason}
			}
		}
		if q.isConnected != nil && !q.waitConnected(ctx) {
			lastErr = errors.New("websocket not open")
		} else {
			lastErr = t.Send(ctx)
			if lastErr == nil {
				return nil
			}
		}
		if attempt < maxRetries {
			select {
			case <-time.After(q.retryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (q *Queue) waitConnected(ctx context.Context) bool {
	if q.isConnected() {
		return true
	}
	deadline := time.Now().Add(q.waitForReconnect)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
		if q.isConnected() {
			return true
		}
	}
	return false
}

// retryDelay implements spec §4.9's
// clamp(min * 2^(attempt-1), min, max) ± jitterRatio.
func (q *Queue) retryDelay(attempt int) time.Duration {
	base := float64(q.retryMin) * math.Pow(2, float64(attempt-1))
	if base < float64(q.retryMin) {
		base = float64(q.retryMin)
	}
	if base > float64(q.retryMax) {
		base = float64(q.retryMax)
	}
	jitterSpan := base * q.retryJitterRatio
	delta := (rand.Float64()*2 - 1) * jitterSpan
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	return d
}
