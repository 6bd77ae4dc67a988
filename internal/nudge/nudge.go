// Package nudge implements the proactive-DM tick: send a short nudge into a
// quiet conversation once both a silence and a minimum-interval threshold
// have passed (spec §4.15), grounded on the teacher's cron-triggered
// "keepalive" style invocation in cmd/gateway_cron.go, generalized to a
// standalone tickable engine with its own durable per-route state file
// rather than being fused into the cron job handler.
package nudge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds the proactiveDm* tunables (spec §6 recognized options).
type Config struct {
	Enabled       bool
	Route         string
	MinSilenceMs  int64
	MinIntervalMs int64
	LogVerbose    bool
}

// routeState is the persisted per-route bookkeeping (spec §4.15).
type routeState struct {
	LastInboundAtMs   int64 `json:"lastInboundAtMs"`
	LastProactiveAtMs int64 `json:"lastProactiveAtMs"`
}

// DeliverFunc sends a nudge through the same deliver path as a normal reply.
type DeliverFunc func(ctx context.Context, route, text string) error

// Engine tracks per-route inbound/proactive timestamps and fires nudges on
// Tick, hydrated once from a single durable state file.
type Engine struct {
	mu       sync.Mutex
	path     string
	state    map[string]*routeState
	texts    []string
	randIntn func(n int) int
}

// defaultTexts are short, low-stakes openers; never the only content of a
// conversation turn, just enough to re-invite a reply.
var defaultTexts = []string{
	"在吗？",
	"有空聊聊吗？",
	"最近怎么样？",
}

// Load hydrates an Engine from path, creating an empty state map if the
// file does not yet exist.
func Load(path string) (*Engine, error) {
	e := &Engine{path: path, state: map[string]*routeState{}, texts: defaultTexts, randIntn: rand.Intn}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nudge: read state: %w", err)
	}
	if err := json.Unmarshal(data, &e.state); err != nil {
		return nil, fmt.Errorf("nudge: parse state: %w", err)
	}
	return e, nil
}

// SetTexts overrides the candidate nudge strings (tests, or config-supplied
// localization).
func (e *Engine) SetTexts(texts []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(texts) > 0 {
		e.texts = texts
	}
}

// RecordInbound marks route as having received an inbound message at now,
// so a future Tick can measure silence against it.
func (e *Engine) RecordInbound(route string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateForLocked(route)
	st.LastInboundAtMs = now.UnixMilli()
	e.persistLocked()
}

func (e *Engine) stateForLocked(route string) *routeState {
	st, ok := e.state[route]
	if !ok {
		st = &routeState{}
		e.state[route] = st
	}
	return st
}

// Tick evaluates one proactive-nudge opportunity for cfg.Route: it fires a
// nudge through deliver only once enabled, a prior inbound exists, silence
// and interval thresholds have both elapsed, and policyCheck passes.
func (e *Engine) Tick(ctx context.Context, cfg Config, now time.Time, policyCheck func(route string) error, deliver DeliverFunc) (sent bool, skipReason string, err error) {
	if !cfg.Enabled || cfg.Route == "" {
		return false, "disabled", nil
	}

	e.mu.Lock()
	st, ok := e.state[cfg.Route]
	if !ok || st.LastInboundAtMs == 0 {
		e.mu.Unlock()
		return false, "no_inbound_yet", nil
	}
	silence := now.UnixMilli() - st.LastInboundAtMs
	if silence < cfg.MinSilenceMs {
		e.mu.Unlock()
		return false, "silence_not_reached", nil
	}
	if st.LastProactiveAtMs != 0 && now.UnixMilli()-st.LastProactiveAtMs < cfg.MinIntervalMs {
		e.mu.Unlock()
		return false, "interval_not_reached", nil
	}
	e.mu.Unlock()

	if policyCheck != nil {
		if err := policyCheck(cfg.Route); err != nil {
			return false, "policy_blocked", nil
		}
	}

	e.mu.Lock()
	text := e.texts[e.randIntn(len(e.texts))]
	e.mu.Unlock()

	if err := deliver(ctx, cfg.Route, text); err != nil {
		return false, "", fmt.Errorf("nudge: deliver: %w", err)
	}

	e.mu.Lock()
	st = e.stateForLocked(cfg.Route)
	st.LastProactiveAtMs = now.UnixMilli()
	e.persistLocked()
	e.mu.Unlock()

	return true, "", nil
}

func (e *Engine) persistLocked() {
	if e.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(e.state, "", "  ")
	if err != nil {
		return
	}
	tmp := e.path + ".tmp"
	if os.WriteFile(tmp, data, 0o644) != nil {
		return
	}
	_ = os.Rename(tmp, e.path)
}
