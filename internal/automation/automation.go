// Package automation reconciles a set of scheduled targets and drives agent
// turns through the same dispatch path as chat inbound (spec §4.13),
// grounded on the teacher's absent internal/cron package (referenced by
// cmd/gateway_cron.go's makeCronJobHandler lane-based trigger→dispatch
// wiring, not present in the retrieval pack) using the real
// github.com/adhocore/gronx cron matcher in place of the teacher's missing
// implementation.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// ScheduleKind is the closed set of automation trigger shapes (spec §4.13).
type ScheduleKind string

const (
	ScheduleCron  ScheduleKind = "cron"
	ScheduleEvery ScheduleKind = "every"
	ScheduleAt    ScheduleKind = "at"
)

// ExecutionMode constrains how a target's trigger is allowed to run.
type ExecutionMode string

const (
	ExecutionAgentOnly      ExecutionMode = "agent-only"
	ExecutionLegacyDeliver  ExecutionMode = "legacy-deliver"
)

// Schedule describes when a target becomes due.
type Schedule struct {
	Kind    ScheduleKind
	Expr    string        // cron
	TZ      string        // cron, optional IANA zone name
	EveryMs int64         // every
	At      time.Time     // at
}

// SmartConfig gates an otherwise-due target behind conversation activity
// (spec §4.13 smart throttle).
type SmartConfig struct {
	Enabled                   bool
	MinSilenceMinutes         int
	ActiveConversationMinutes int
	RandomIntervalMinMinutes  int
	RandomIntervalMaxMinutes  int
	MaxChars                  int
}

// Job is the automation payload a due target executes.
type Job struct {
	Type           string
	Schedule       Schedule
	Message        string
	Thinking       string
	Model          string
	TimeoutSeconds int
	Smart          *SmartConfig
}

// Target is one scheduled automation entry (spec §4.13, §6 schema).
type Target struct {
	ID            string
	Enabled       bool
	Route         string
	ExecutionMode ExecutionMode
	Job           Job
}

// SkipReason is the closed set of smart-throttle skip codes.
type SkipReason string

const (
	SkipNoInboundYet       SkipReason = "no_inbound_yet"
	SkipSilenceNotReached  SkipReason = "silence_not_reached"
	SkipActiveConversation SkipReason = "active_conversation"
	SkipIntervalNotReached SkipReason = "interval_not_reached"
)

// LatestState is the persisted per-target record (spec §4.13, §6
// automation-latest.json).
type LatestState struct {
	LastTriggeredAtMs int64      `json:"lastTriggeredAtMs,omitempty"`
	LastSentAtMs      int64      `json:"lastSentAtMs,omitempty"`
	NextEligibleAtMs  int64      `json:"nextEligibleAtMs,omitempty"`
	LastRunResult     string     `json:"lastRunResult,omitempty"`
	LastSkipReason    SkipReason `json:"lastSkipReason,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	LastCronBucket    string     `json:"lastCronBucket,omitempty"`
	AtFired           bool       `json:"atFired,omitempty"`
}

// stateLine is one automation-state.ndjson entry.
type stateLine struct {
	TimestampMs int64      `json:"timestampMs"`
	TargetID    string     `json:"targetId"`
	Route       string     `json:"route"`
	Triggered   bool       `json:"triggered"`
	Produced    bool       `json:"produced"`
	Skipped     bool       `json:"skipped"`
	Note        string     `json:"note,omitempty"`
}

// RouteStore is the persistence seam automation writes target state through
// (satisfied by *internal/routestore.Store).
type RouteStore interface {
	MetaDir(route string) string
}

// ActivityTracker answers the conversation-activity questions the smart
// throttle needs (satisfied by the diagnostics/route layer tracking inbound
// and outbound timestamps per route).
type ActivityTracker interface {
	// LastInboundAt reports the most recent inbound message time for route.
	LastInboundAt(route string) (time.Time, bool)
	// LastActivityAt reports the most recent inbound-or-outbound time.
	LastActivityAt(route string) (time.Time, bool)
}

// TriggerFunc invokes one agent turn through the dispatch engine, returning
// whether a reply was actually produced.
type TriggerFunc func(ctx context.Context, target Target, message string) (produced bool, err error)

// Outcome summarizes one reconcile pass's handling of a single target, for
// logging and tests.
type Outcome struct {
	TargetID  string
	Route     string
	Due       bool
	Triggered bool
	Produced  bool
	Skipped   bool
	SkipReason SkipReason
	Err       error
}

// Engine reconciles targets on a timer and drives them through TriggerFunc.
type Engine struct {
	mu              sync.Mutex
	targets         map[string]Target
	latest          map[string]*LatestState
	store           RouteStore
	activity        ActivityTracker
	trigger         TriggerFunc
	cron            gronx.Gronx
	randIntn        func(n int) int
	strictAgentOnly bool
}

// New builds an Engine. activity may be nil if no smart-throttled targets
// are configured. When strictAgentOnly is set (spec §4.13, config
// strictAgentOnly), any target whose ExecutionMode isn't ExecutionAgentOnly
// is rejected at reconcile time rather than silently run as legacy-deliver.
func New(store RouteStore, activity ActivityTracker, trigger TriggerFunc, strictAgentOnly bool) *Engine {
	return &Engine{
		targets:         map[string]Target{},
		latest:          map[string]*LatestState{},
		store:           store,
		activity:        activity,
		trigger:         trigger,
		cron:            gronx.New(),
		randIntn:        rand.Intn,
		strictAgentOnly: strictAgentOnly,
	}
}

// SetTargets replaces the full target set, preserving any already-loaded
// latest-state for targets whose id survives.
func (e *Engine) SetTargets(targets []Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]Target, len(targets))
	for _, tgt := range targets {
		next[tgt.ID] = tgt
		if _, ok := e.latest[tgt.ID]; !ok {
			e.latest[tgt.ID] = e.loadLatestLocked(tgt)
		}
	}
	e.targets = next
}

func (e *Engine) loadLatestLocked(tgt Target) *LatestState {
	state := &LatestState{}
	if e.store == nil {
		return state
	}
	path := filepath.Join(e.store.MetaDir(tgt.Route), fmt.Sprintf("automation-latest-%s.json", tgt.ID))
	data, err := os.ReadFile(path)
	if err != nil {
		return state
	}
	_ = json.Unmarshal(data, state)
	return state
}

// Reconcile evaluates every enabled target once, triggering the due ones
// (subject to the smart throttle) and persisting their latest state.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) []Outcome {
	e.mu.Lock()
	targets := make([]Target, 0, len(e.targets))
	for _, tgt := range e.targets {
		targets = append(targets, tgt)
	}
	e.mu.Unlock()

	outcomes := make([]Outcome, 0, len(targets))
	for _, tgt := range targets {
		if !tgt.Enabled {
			continue
		}
		outcomes = append(outcomes, e.reconcileOne(ctx, tgt, now))
	}
	return outcomes
}

func (e *Engine) reconcileOne(ctx context.Context, tgt Target, now time.Time) Outcome {
	e.mu.Lock()
	state, ok := e.latest[tgt.ID]
	if !ok {
		state = e.loadLatestLocked(tgt)
		e.latest[tgt.ID] = state
	}
	e.mu.Unlock()

	out := Outcome{TargetID: tgt.ID, Route: tgt.Route}
	if e.strictAgentOnly && tgt.ExecutionMode != ExecutionAgentOnly {
		out.Err = fmt.Errorf("automation: target %q requires executionMode=agent-only under strictAgentOnly, got %q", tgt.ID, tgt.ExecutionMode)
		return out
	}

	due, bucket, err := e.isDue(tgt.Job.Schedule, state, now)
	if err != nil {
		out.Err = err
		return out
	}
	if !due {
		return out
	}
	out.Due = true

	skip := e.smartSkip(tgt, now)
	line := stateLine{TimestampMs: now.UnixMilli(), TargetID: tgt.ID, Route: tgt.Route, Triggered: true}

	if skip != "" {
		out.Skipped = true
		out.SkipReason = skip
		state.LastRunResult = "skipped"
		state.LastSkipReason = skip
		line.Skipped = true
		line.Note = "skip:" + string(skip)
	} else {
		produced, runErr := e.trigger(ctx, tgt, tgt.Job.Message)
		out.Triggered = true
		out.Produced = produced
		if runErr != nil {
			out.Err = runErr
			state.LastRunResult = "failed"
			state.LastError = runErr.Error()
			line.Note = "error:" + runErr.Error()
		} else {
			state.LastRunResult = "succeeded"
			state.LastError = ""
			if produced {
				state.LastSentAtMs = now.UnixMilli()
			}
		}
		line.Produced = produced
	}

	state.LastTriggeredAtMs = now.UnixMilli()
	if tgt.Job.Schedule.Kind == ScheduleCron {
		state.LastCronBucket = bucket
	}
	if tgt.Job.Schedule.Kind == ScheduleEvery {
		state.NextEligibleAtMs = now.UnixMilli() + tgt.Job.Schedule.EveryMs
	}
	if tgt.Job.Schedule.Kind == ScheduleAt {
		state.AtFired = true
	}

	e.persist(tgt, state, line)
	return out
}

func (e *Engine) isDue(sched Schedule, state *LatestState, now time.Time) (due bool, bucket string, err error) {
	switch sched.Kind {
	case ScheduleEvery:
		if sched.EveryMs < 60_000 {
			return false, "", fmt.Errorf("automation: every schedule requires everyMs >= 60000")
		}
		if state.LastTriggeredAtMs == 0 {
			return true, "", nil
		}
		return now.UnixMilli()-state.LastTriggeredAtMs >= sched.EveryMs, "", nil
	case ScheduleAt:
		if state.AtFired {
			return false, "", nil
		}
		return !now.Before(sched.At), "", nil
	case ScheduleCron:
		loc := time.UTC
		if sched.TZ != "" {
			l, err := time.LoadLocation(sched.TZ)
			if err != nil {
				return false, "", fmt.Errorf("automation: load tz %q: %w", sched.TZ, err)
			}
			loc = l
		}
		ref := now.In(loc)
		bucket = ref.Format("200601021504")
		ok, err := e.cron.IsDue(sched.Expr, ref)
		if err != nil {
			return false, bucket, fmt.Errorf("automation: parse cron %q: %w", sched.Expr, err)
		}
		if !ok || bucket == state.LastCronBucket {
			return false, bucket, nil
		}
		return true, bucket, nil
	default:
		return false, "", fmt.Errorf("automation: unknown schedule kind %q", sched.Kind)
	}
}

// smartSkip applies the smart-throttle guard in priority order: a target
// still within its active-conversation window always wins over a merely
// not-yet-silent one, matching the gateway's "don't interrupt" intent.
func (e *Engine) smartSkip(tgt Target, now time.Time) SkipReason {
	smart := tgt.Job.Smart
	if smart == nil || !smart.Enabled || e.activity == nil {
		return ""
	}
	lastInbound, hasInbound := e.activity.LastInboundAt(tgt.Route)
	if !hasInbound {
		return SkipNoInboundYet
	}
	activeWindow := smart.ActiveConversationMinutes
	if activeWindow <= 0 {
		activeWindow = 25
	}
	if lastActivity, ok := e.activity.LastActivityAt(tgt.Route); ok {
		if now.Sub(lastActivity) < time.Duration(activeWindow)*time.Minute {
			return SkipActiveConversation
		}
	}
	minSilence := smart.MinSilenceMinutes
	if minSilence <= 0 {
		minSilence = 30
	}
	if now.Sub(lastInbound) < time.Duration(minSilence)*time.Minute {
		return SkipSilenceNotReached
	}

	e.mu.Lock()
	state := e.latest[tgt.ID]
	e.mu.Unlock()
	if state != nil && state.LastSentAtMs != 0 {
		minI := smart.RandomIntervalMinMinutes
		if minI <= 0 {
			minI = 60
		}
		maxI := smart.RandomIntervalMaxMinutes
		if maxI < minI {
			maxI = minI
		}
		interval := minI
		if maxI > minI {
			interval += e.randIntn(maxI - minI + 1)
		}
		lastSent := time.UnixMilli(state.LastSentAtMs)
		if now.Sub(lastSent) < time.Duration(interval)*time.Minute {
			return SkipIntervalNotReached
		}
	}
	return ""
}

func (e *Engine) persist(tgt Target, state *LatestState, line stateLine) {
	if e.store == nil {
		return
	}
	dir := e.store.MetaDir(tgt.Route)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	latestPath := filepath.Join(dir, fmt.Sprintf("automation-latest-%s.json", tgt.ID))
	if data, err := json.MarshalIndent(state, "", "  "); err == nil {
		tmp := latestPath + ".tmp"
		if os.WriteFile(tmp, data, 0o644) == nil {
			_ = os.Rename(tmp, latestPath)
		}
	}
	lineData, err := json.Marshal(line)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "automation-state.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(lineData, '\n'))
}
