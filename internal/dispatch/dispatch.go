// Package dispatch implements the central per-route state machine: it
// decides whether an inbound message preempts, queues, or coalesces with
// whatever is already running on that route, invokes the agent runtime
// under a timeout, and routes heavy inbound to internal/tasks instead of a
// direct call (spec §4.7), grounded on the teacher's internal/agent/loop.go
// Loop.Run/runLoop shape and other_examples' Engine.worker cancel-map.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/openclaw/qq-gateway/internal/agentrt"
	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/internal/routestate"
	"github.com/openclaw/qq-gateway/internal/tasks"
)

// DropReason is the closed set of non-delivery outcomes (spec §4.7/§7).
type DropReason string

const (
	DropQueuedSuperseded        DropReason = "queued_superseded_by_newer_inbound"
	DropCoalesceSuperseded      DropReason = "coalesce_superseded_after_preempt"
	DropMergedIntoNewer         DropReason = "merged_into_newer_inbound"
	DropDispatchTimeout         DropReason = "dispatch_timeout"
	DropDispatchIDMismatch      DropReason = "dispatch_id_mismatch"
	DropDispatchAborted         DropReason = "dispatch_aborted"
)

// heavyTextThreshold is the spec §4.7 inbound-text-length trigger for
// task-unit offload.
const heavyTextThreshold = 800

// Inbound is one parsed, aggregated inbound message ready for dispatch.
type Inbound struct {
	Route          string
	SessionKey     string
	MsgID          string
	Text           string
	MediaURLs      []string
	MediaItemsTotal int
	Seq            int64
}

// Outcome is the result of one Handle call.
type Outcome struct {
	Delivered  bool
	DropReason DropReason
	Result     *agentrt.RunResult
}

// Hooks lets the caller observe/gate the lifecycle without the engine
// depending on routestore/policy/diag directly.
type Hooks struct {
	BeforeDispatch func(route string) (allow bool, reason string)
	RecordInbound  func(route, msgID string)
	EnsureAgent    func(route string) error
	Deliver        agentrt.DeliverFunc
	FastAck        func(route string) error
}

// Engine is the dispatch state machine for one channel account.
type Engine struct {
	cfg     *config.Config
	runtime agentrt.Runtime
	state   *routestate.Tracker
	taskQ   *tasks.Queue
	hooks   Hooks
}

// New builds an Engine.
func New(cfg *config.Config, runtime agentrt.Runtime, state *routestate.Tracker, taskQ *tasks.Queue, hooks Hooks) *Engine {
	return &Engine{cfg: cfg, runtime: runtime, state: state, taskQ: taskQ, hooks: hooks}
}

// Handle runs the full dispatch lifecycle for one inbound (spec §4.7
// Lifecycle steps 1-7). It blocks until a delivered/dropped outcome is
// known; callers typically invoke it from a per-inbound goroutine.
func (e *Engine) Handle(ctx context.Context, in Inbound) Outcome {
	if e.hooks.RecordInbound != nil {
		e.hooks.RecordInbound(in.Route, in.MsgID)
	}

	if dropped, reason := e.applyInterruptPolicy(in); dropped {
		return Outcome{DropReason: reason}
	}

	coalesced, reason, dispatchIn := e.coalesce(ctx, in)
	if coalesced {
		return Outcome{DropReason: reason}
	}
	in = dispatchIn

	if e.hooks.BeforeDispatch != nil {
		if allow, reason := e.hooks.BeforeDispatch(in.Route); !allow {
			slog.Info("dispatch: beforeDispatch denied", "route", in.Route, "reason", reason)
			return Outcome{}
		}
	}
	if e.hooks.EnsureAgent != nil {
		if err := e.hooks.EnsureAgent(in.Route); err != nil {
			slog.Warn("dispatch: ensureAgent failed", "route", in.Route, "error", err)
			return Outcome{}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	dispatchID, previous := e.state.BeginRouteInFlight(in.Route, in.MsgID, cancel)
	if previous != nil && previous.Cancel != nil {
		// Reaching here means applyInterruptPolicy didn't queue us, which
		// only happens under preempt (or adaptive outside its degrade
		// window) — in both cases the predecessor must be aborted.
		previous.Cancel()
	}
	defer cancel()

	if in.MediaItemsTotal > 0 && e.hooks.FastAck != nil {
		if err := e.hooks.FastAck(in.Route); err != nil {
			slog.Debug("dispatch: fast-ack failed", "route", in.Route, "error", err)
		}
	}

	var result *agentrt.RunResult
	var runErr error
	if e.isHeavy(in) && e.taskQ != nil {
		if in.MediaItemsTotal > 0 {
			e.state.MarkFileTaskLock(in.Route)
		}
		result, runErr = e.runAsTask(runCtx, in, dispatchID)
	} else {
		result, runErr = e.runDirect(runCtx, in, dispatchID)
	}

	if !e.state.ClearRouteInFlight(in.Route, dispatchID) {
		// A newer dispatch superseded ours while we were running; any
		// delivery carrying our dispatch id must short-circuit upstream.
		return Outcome{DropReason: DropDispatchIDMismatch}
	}

	if pending, ok := e.state.TakePendingLatest(in.Route); ok {
		if next, ok := pending.(Inbound); ok && next.Seq <= in.Seq {
			go e.Handle(ctx, next)
		}
	}

	if runErr != nil {
		if runErr == context.DeadlineExceeded {
			e.state.RecordTimeout(in.Route)
			return Outcome{DropReason: DropDispatchTimeout}
		}
		return Outcome{}
	}

	return Outcome{Delivered: true, Result: result}
}

// isHeavy reports whether this inbound should offload to task units
// (spec §4.7 "Heavy-task offload").
func (e *Engine) isHeavy(in Inbound) bool {
	return in.MediaItemsTotal > 0 || len(in.Text) >= heavyTextThreshold
}

func (e *Engine) runDirect(ctx context.Context, in Inbound, dispatchID string) (*agentrt.RunResult, error) {
	timeout := time.Duration(e.cfg.ReplyRunTimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := agentrt.RunRequest{SessionKey: in.SessionKey, Route: in.Route, Message: in.Text, MediaURLs: in.MediaURLs, RunID: dispatchID, DispatchID: dispatchID}
	result, err := e.runtime.DispatchReply(runCtx, req, e.hooks.Deliver)
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		if e.cfg.ReplyAbortOnTimeout {
			cancel()
		}
		return nil, context.DeadlineExceeded
	}
	return result, err
}

// taskKindFor classifies an inbound's heavy-task offload reason (spec §4.7),
// used as one of taskKeyFor's idempotency key inputs.
func taskKindFor(in Inbound) string {
	if in.MediaItemsTotal > 0 {
		return "media"
	}
	return "long-text"
}

// payloadSummaryFor builds a stable, order-preserving summary of what the
// inbound actually carries, so two inbounds with identical text+media
// collide on taskKeyFor's derived key even under different dispatch IDs.
func payloadSummaryFor(in Inbound) string {
	var b strings.Builder
	b.WriteString(in.Text)
	for _, u := range in.MediaURLs {
		b.WriteByte('|')
		b.WriteString(u)
	}
	return b.String()
}

func (e *Engine) runAsTask(ctx context.Context, in Inbound, dispatchID string) (*agentrt.RunResult, error) {
	res, _, err := e.taskQ.Submit(ctx, tasks.Request{
		Route:          in.Route,
		DispatchID:     dispatchID,
		MsgID:          in.MsgID,
		TaskKind:       taskKindFor(in),
		PayloadSummary: payloadSummaryFor(in),
		Run: func(taskCtx context.Context) (any, error) {
			return e.runDirect(taskCtx, in, dispatchID)
		},
	})
	if err != nil {
		return nil, err
	}
	result, _ := res.(*agentrt.RunResult)
	return result, nil
}

// applyInterruptPolicy implements the preempt/queue-latest/adaptive choice
// (spec §4.7 "Interrupt policy"). It returns dropped=true when the inbound
// itself must not proceed to dispatch (queue-latest superseding an older
// pending item).
func (e *Engine) applyInterruptPolicy(in Inbound) (dropped bool, reason DropReason) {
	policy := e.effectivePolicy(in.Route)

	if _, running := e.state.CurrentInFlight(in.Route); !running {
		return false, ""
	}

	switch policy {
	case config.InterruptPreempt:
		return false, "" // predecessor abort happens in Handle once our dispatch-id is installed
	case config.InterruptQueueLatest:
		if _, hadPending := e.state.TakePendingLatest(in.Route); hadPending {
			slog.Debug("dispatch: dropping older pending-latest", "route", in.Route, "reason", DropQueuedSuperseded)
		}
		e.state.SetPendingLatest(in.Route, in)
		return true, DropQueuedSuperseded
	default: // adaptive
		degraded := e.state.InDegradeWindow(in.Route, time.Duration(e.cfg.AdaptiveTimeoutDegradeWindowMs)*time.Millisecond)
		lockedByFileTask := e.state.InFileTaskLock(in.Route, time.Duration(e.cfg.FileTaskLockMs)*time.Millisecond)
		if degraded || lockedByFileTask {
			e.state.SetPendingLatest(in.Route, in)
			return true, DropQueuedSuperseded
		}
		return false, ""
	}
}

func (e *Engine) effectivePolicy(route string) config.InterruptPolicy {
	if e.cfg.InterruptPolicy == "" {
		return config.InterruptAdaptive
	}
	return e.cfg.InterruptPolicy
}

// coalesce implements the "sleep interruptWindowMs, bail if superseded"
// step of spec §4.7. It reports coalesced=true when this invocation must
// not proceed to dispatch; otherwise it returns the Inbound that should
// actually be dispatched (normally in itself, but a newer arrival that
// raced in during the sleep if one showed up).
//
// Only one coalesce per route runs the actual sleep at a time
// (routestate.TryClaimCoalesce): concurrent arrivals on an idle route would
// otherwise each pass CurrentInFlight's not-running check, each sleep
// independently, and each invoke the agent runtime — violating spec §4.7's
// "no dispatch started" guarantee for the superseded inbound. A losing
// arrival queues itself via pending-latest instead and never sleeps or
// dispatches on its own.
func (e *Engine) coalesce(ctx context.Context, in Inbound) (coalesced bool, reason DropReason, dispatchIn Inbound) {
	windowMs := e.cfg.InterruptWindowMs
	if windowMs == 0 {
		windowMs = e.cfg.AggregateWindowMs
	}
	if windowMs == 0 || !e.cfg.InterruptCoalesceEnabled {
		return false, "", in
	}

	current := in
	for {
		if !e.state.TryClaimCoalesce(current.Route) {
			e.state.SetPendingLatest(current.Route, current)
			return true, DropCoalesceSuperseded, Inbound{}
		}

		select {
		case <-time.After(time.Duration(windowMs) * time.Millisecond):
		case <-ctx.Done():
			e.state.ReleaseCoalesce(current.Route)
			return true, DropCoalesceSuperseded, Inbound{}
		}

		pending, ok := e.state.TakePendingLatest(current.Route)
		e.state.ReleaseCoalesce(current.Route)
		if !ok {
			return false, "", current
		}
		next, ok := pending.(Inbound)
		if !ok || next.Seq <= current.Seq {
			return false, "", current
		}
		// A newer inbound raced in and queued behind us while we slept;
		// dispatch it instead, but give it its own coalesce window rather
		// than rushing it out immediately.
		current = next
	}
}
