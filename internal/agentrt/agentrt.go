// Package agentrt defines the opaque agent-runtime collaborator named in
// spec §1: "dispatchReply(ctx, opts)" with cancellation. The real runtime
// is out of scope (spec §1 Non-goals); this package is the thin seam the
// dispatch engine (internal/dispatch) calls through, plus a stub used by
// tests, grounded on the request/result shape of the teacher's
// internal/agent/loop.go Loop.Run (trimmed to what dispatch needs).
package agentrt

import "context"

// RunRequest is the input for one agent turn.
type RunRequest struct {
	SessionKey string
	Route      string
	Message    string
	MediaURLs  []string
	RunID      string
	DispatchID string
}

// MediaReply is one media attachment the agent produced in its reply.
type MediaReply struct {
	URL         string
	ContentType string
	AsVoice     bool
}

// RunResult is the agent's reply to one turn.
type RunResult struct {
	Text  string
	Media []MediaReply
}

// DeliverFunc lets the runtime stream partial replies before it returns
// (spec §4.7 "Fast-ack for heavy" goes through the dispatch engine's
// separate Hooks.FastAck; DeliverFunc covers runtimes that stream incrementally).
type DeliverFunc func(ctx context.Context, partial RunResult) error

// Runtime is the seam to the agent runtime. Implementations must honor
// ctx cancellation cooperatively (spec §5 "Cancellation and timeouts").
type Runtime interface {
	// DispatchReply runs one agent turn. deliver, if non-nil, may be called
	// zero or more times with partial results before the final return.
	DispatchReply(ctx context.Context, req RunRequest, deliver DeliverFunc) (*RunResult, error)
}

// EchoRuntime is an in-memory stub Runtime for tests: it echoes the
// inbound message back, optionally after an injected delay, and respects
// context cancellation.
type EchoRuntime struct {
	Prefix     string
	Delay      func() <-chan struct{} // optional: returns a channel that closes when "done thinking"
	OnDispatch func()                 // optional: called once per DispatchReply invocation, for call-count assertions
}

// DispatchReply implements Runtime.
func (e EchoRuntime) DispatchReply(ctx context.Context, req RunRequest, deliver DeliverFunc) (*RunResult, error) {
	if e.OnDispatch != nil {
		e.OnDispatch()
	}
	if e.Delay != nil {
		select {
		case <-e.Delay():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &RunResult{Text: e.Prefix + req.Message}, nil
}
