// Package tasks runs heavy dispatch work (media-bearing or long inbound)
// off the hot dispatch path: a per-route FIFO with a concurrency cap,
// retry/timeout guardrails, a 24h idempotency cache, and an atomic
// three-file persistence trail per task (spec §4.8), grounded on the
// worker-pool/lease discipline of other_examples' engine.go generalized to
// per-route in-process queues over a DB-backed global one, since this
// gateway persists to files, not SQL.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Status is the closed set of task lifecycle states (spec §4.8).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

const idempotencyWindow = 24 * time.Hour

// Request is one unit of heavy work submitted to a route's queue.
type Request struct {
	Route      string
	DispatchID string

	// MsgID, TaskKind, and PayloadSummary feed taskKeyFor's spec §3 formula
	// (taskKey = f(route, msgId, taskKind, payloadSummary)) when TaskKey is
	// left empty. DispatchID deliberately plays no part in the derived key:
	// it is minted fresh per dispatch (routestate.go) so keying on it would
	// make every inbound look "new" and idempotency would never fire.
	MsgID          string
	TaskKind       string
	PayloadSummary string

	TaskKey  string // if set, used verbatim instead of the derived key
	Run      func(ctx context.Context) (any, error)
	OnFailed func(err error, status Status)
}

// Record is the persisted snapshot of one task's lifecycle, written at
// every transition (spec §4.8 "three files atomically per step").
type Record struct {
	TaskKey    string    `json:"taskKey"`
	Route      string    `json:"route"`
	DispatchID string    `json:"dispatchId"`
	Status     Status    `json:"status"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Deduped    bool      `json:"deduped,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type lifecycleLine struct {
	Record
	Event string `json:"event"`
}

// Store persists task state under <metaDir>. One Store instance is shared
// across all routes; callers provide metaDir per-route at call time.
type Store interface {
	MetaDir(route string) string
}

// Queue runs tasks for one account with a shared concurrency cap and a
// per-route FIFO ordering (spec §4.8: "Per-route FIFO with concurrency cap").
type Queue struct {
	store Store
	sem   *semaphore.Weighted

	maxRuntime time.Duration
	maxRetries int

	mu          sync.Mutex
	routeLocks  map[string]*sync.Mutex
	idempotency map[string]idemEntry
}

type idemEntry struct {
	result    any
	err       error
	status    Status
	expiresAt time.Time
}

// New builds a Queue backed by store, with the given concurrency cap and
// guardrails (spec §4.8 defaults: runtime 120s, retries 1, concurrency 1).
func New(store Store, maxConcurrency int, maxRuntime time.Duration, maxRetries int) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Queue{
		store:       store,
		sem:         semaphore.NewWeighted(int64(maxConcurrency)),
		maxRuntime:  maxRuntime,
		maxRetries:  maxRetries,
		routeLocks:  make(map[string]*sync.Mutex),
		idempotency: make(map[string]idemEntry),
	}
}

func (q *Queue) routeLock(route string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.routeLocks[route]
	if !ok {
		l = &sync.Mutex{}
		q.routeLocks[route] = l
	}
	return l
}

// taskKeyFor implements spec §3's idempotency key: taskKey = f(route, msgId,
// taskKind, payloadSummary). Two inbounds that describe the same logical
// unit of work collide here and dedupe through the idempotency cache, even
// if they arrive under distinct dispatch IDs.
func taskKeyFor(req Request) string {
	if req.TaskKey != "" {
		return req.TaskKey
	}
	sum := sha256.Sum256([]byte(req.Route + "|" + req.MsgID + "|" + req.TaskKind + "|" + req.PayloadSummary))
	return hex.EncodeToString(sum[:])[:32]
}

// Submit runs req, blocking the caller's route lane until a concurrency
// slot is free. It enforces idempotency, timeout, and bounded retries, and
// persists each transition via Store.
func (q *Queue) Submit(ctx context.Context, req Request) (result any, deduped bool, err error) {
	key := taskKeyFor(req)

	q.mu.Lock()
	if e, ok := q.idempotency[key]; ok && time.Now().Before(e.expiresAt) {
		q.mu.Unlock()
		slog.Info("tasks: idempotent replay skipped", "taskKey", key, "route", req.Route)
		q.appendLifecycle(req.Route, Record{TaskKey: key, Route: req.Route, DispatchID: req.DispatchID, Status: e.status, Deduped: true, UpdatedAt: time.Now()}, "idempotent_replay_skipped")
		return e.result, true, e.err
	}
	q.mu.Unlock()

	lock := q.routeLock(req.Route)
	lock.Lock()
	defer lock.Unlock()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return nil, false, fmt.Errorf("tasks: acquire concurrency slot: %w", err)
	}
	defer q.sem.Release(1)

	q.persist(req.Route, Record{TaskKey: key, Route: req.Route, DispatchID: req.DispatchID, Status: StatusQueued, UpdatedAt: time.Now()})
	q.appendLifecycle(req.Route, Record{TaskKey: key, Route: req.Route, DispatchID: req.DispatchID, Status: StatusRunning, UpdatedAt: time.Now()}, "running")

	maxRetries := q.maxRetries
	var lastErr error
	var status Status

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, q.maxRuntime)
		res, runErr := req.Run(runCtx)
		timedOut := runCtx.Err() == context.DeadlineExceeded
		cancel()

		if runErr == nil {
			status = StatusSucceeded
			q.persistFinal(req.Route, key, req.DispatchID, status, attempt, "")
			q.rememberIdempotent(key, res, nil, status)
			return res, false, nil
		}

		lastErr = runErr
		if timedOut {
			status = StatusTimeout
		} else {
			status = StatusFailed
		}
		if attempt <= maxRetries {
			slog.Warn("tasks: attempt failed, retrying", "taskKey", key, "attempt", attempt, "error", runErr)
			continue
		}
	}

	q.persistFinal(req.Route, key, req.DispatchID, status, maxRetries+1, lastErr.Error())
	q.rememberIdempotent(key, nil, lastErr, status)
	if req.OnFailed != nil {
		req.OnFailed(lastErr, status)
	}
	return nil, false, lastErr
}

func (q *Queue) rememberIdempotent(key string, result any, err error, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idempotency[key] = idemEntry{result: result, err: err, status: status, expiresAt: time.Now().Add(idempotencyWindow)}
}

func (q *Queue) persistFinal(route, key, dispatchID string, status Status, attempt int, errMsg string) {
	rec := Record{TaskKey: key, Route: route, DispatchID: dispatchID, Status: status, Attempt: attempt, Error: errMsg, UpdatedAt: time.Now()}
	q.persist(route, rec)
	q.appendLifecycle(route, rec, string(status))
}

func (q *Queue) persist(route string, rec Record) {
	dir := q.store.MetaDir(route)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("tasks: mkdir meta dir failed", "route", route, "error", err)
		return
	}
	writeAtomic(filepath.Join(dir, "task-state.json"), rec)
	writeAtomic(filepath.Join(dir, fmt.Sprintf("task-%s.json", rec.TaskKey)), rec)
}

func (q *Queue) appendLifecycle(route string, rec Record, event string) {
	dir := q.store.MetaDir(route)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	line := lifecycleLine{Record: rec, Event: event}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	data = append(data, '\n')
	f, err := os.OpenFile(filepath.Join(dir, "task-lifecycle.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(data)
}

func writeAtomic(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	tmp := fmt.Sprintf("%s.tmp%d", path, rand.Int63())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
	}
}
