// Package routestate tracks the in-memory, per-route runtime context the
// dispatch engine needs across a route's lifetime: which dispatch is
// in-flight, what superseded it, and when the route last timed out (spec
// §4.6), grounded on the `cancels map[string]context.CancelFunc` leaf-mutex
// pattern in other_examples and the teacher's channels.Manager.runs
// sync.Map bookkeeping.
package routestate

import (
	"fmt"
	"sync"
	"time"
)

// InFlight is the record for a currently-running dispatch on a route.
type InFlight struct {
	DispatchID string
	MsgID      string
	StartedAt  time.Time
	Cancel     func()
}

// Tracker holds the three per-route maps spec §4.6 names: in-flight,
// pending-latest, and last-timeout-at, plus the file-task-lock and
// coalescing-claim bookkeeping the dispatch engine layers on top.
type Tracker struct {
	mu             sync.Mutex
	inFlight       map[string]*InFlight
	pendingLatest  map[string]any
	lastTimeoutAt  map[string]time.Time
	seq            map[string]int64
	fileTaskLockAt map[string]time.Time
	coalescing     map[string]struct{}
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{
		inFlight:       make(map[string]*InFlight),
		pendingLatest:  make(map[string]any),
		lastTimeoutAt:  make(map[string]time.Time),
		seq:            make(map[string]int64),
		fileTaskLockAt: make(map[string]time.Time),
		coalescing:     make(map[string]struct{}),
	}
}

// BeginRouteInFlight allocates a new monotonic dispatch id for route,
// installs it as the in-flight record, and returns the previous in-flight
// record (nil if none) so the caller may preempt/abort it (spec §4.6).
func (t *Tracker) BeginRouteInFlight(route, msgID string, cancel func()) (dispatchID string, previous *InFlight) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq[route]++
	dispatchID = fmt.Sprintf("%s:%d:%d", route, t.seq[route], time.Now().UnixMilli())
	previous = t.inFlight[route]
	t.inFlight[route] = &InFlight{DispatchID: dispatchID, MsgID: msgID, StartedAt: time.Now(), Cancel: cancel}
	return dispatchID, previous
}

// ClearRouteInFlight clears route's in-flight record only if it still
// matches dispatchID — a late preempted flow's clear must not wipe out the
// flow that superseded it (spec §4.6 exact-match invariant).
func (t *Tracker) ClearRouteInFlight(route, dispatchID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.inFlight[route]
	if !ok || cur.DispatchID != dispatchID {
		return false
	}
	delete(t.inFlight, route)
	return true
}

// CurrentInFlight returns route's in-flight record, if any.
func (t *Tracker) CurrentInFlight(route string) (*InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.inFlight[route]
	return cur, ok
}

// SetPendingLatest stashes the most recent superseded-or-queued payload for
// route, overwriting anything previously pending (queue-latest semantics).
func (t *Tracker) SetPendingLatest(route string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingLatest[route] = payload
}

// TakePendingLatest returns and clears route's pending-latest payload.
func (t *Tracker) TakePendingLatest(route string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.pendingLatest[route]
	if ok {
		delete(t.pendingLatest, route)
	}
	return v, ok
}

// RecordTimeout stamps route's last-timeout-at to now, arming the adaptive
// interrupt degrade window (spec §4.6).
func (t *Tracker) RecordTimeout(route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTimeoutAt[route] = time.Now()
}

// InDegradeWindow reports whether route timed out within window of now —
// the adaptive interrupt policy uses this to downgrade preempt to
// queue-latest and avoid thrashing a consistently-slow route (spec §4.6/§4.7).
func (t *Tracker) InDegradeWindow(route string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastTimeoutAt[route]
	if !ok {
		return false
	}
	return time.Since(last) < window
}

// MarkFileTaskLock stamps route as currently running a heavy-file task,
// armed for lockMs — the adaptive interrupt policy consults this so a route
// mid-file-task is queued rather than preempted (spec §4.6/§4.7).
func (t *Tracker) MarkFileTaskLock(route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fileTaskLockAt[route] = time.Now()
}

// InFileTaskLock reports whether route is still within its file-task lock
// window.
func (t *Tracker) InFileTaskLock(route string, lockMs time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.fileTaskLockAt[route]
	if !ok {
		return false
	}
	return time.Since(last) < lockMs
}

// TryClaimCoalesce atomically claims route's coalescing slot. Only the
// caller that wins the claim sleeps out the coalesce window and may go on
// to dispatch; every other concurrent arrival on an idle route must fall
// back to pending-latest instead of independently invoking the agent
// runtime (spec §4.7's "no dispatch started" guarantee for the superseded
// inbound).
func (t *Tracker) TryClaimCoalesce(route string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.coalescing[route]; busy {
		return false
	}
	t.coalescing[route] = struct{}{}
	return true
}

// ReleaseCoalesce releases route's coalescing claim.
func (t *Tracker) ReleaseCoalesce(route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.coalescing, route)
}
