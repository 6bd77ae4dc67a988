package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openclaw/qq-gateway/internal/agentrt"
	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/internal/routestate"
)

func baseCfg() *config.Config {
	return (&config.Config{ReplyRunTimeoutMs: 200}).WithDefaults()
}

func TestHandle_DirectDeliverySucceeds(t *testing.T) {
	eng := New(baseCfg(), agentrt.EchoRuntime{Prefix: "echo:"}, routestate.New(), nil, Hooks{})
	out := eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "hi", Seq: 1})
	if !out.Delivered || out.Result == nil || out.Result.Text != "echo:hi" {
		t.Fatalf("got %+v", out)
	}
}

func TestHandle_TimeoutRecordsDispatchTimeout(t *testing.T) {
	cfg := baseCfg()
	cfg.ReplyRunTimeoutMs = 10
	delay := func() <-chan struct{} {
		ch := make(chan struct{})
		go func() { time.Sleep(200 * time.Millisecond); close(ch) }()
		return ch
	}
	eng := New(cfg, agentrt.EchoRuntime{Prefix: "echo:", Delay: delay}, routestate.New(), nil, Hooks{})
	out := eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "hi", Seq: 1})
	if out.Delivered {
		t.Fatalf("expected timeout, got delivered: %+v", out)
	}
	if out.DropReason != DropDispatchTimeout {
		t.Fatalf("expected DropDispatchTimeout, got %q", out.DropReason)
	}
}

func TestHandle_QueueLatestSupersedesOlderPending(t *testing.T) {
	cfg := baseCfg()
	cfg.InterruptPolicy = config.InterruptQueueLatest
	st := routestate.New()
	st.BeginRouteInFlight("route:a", "m0", func() {})

	eng := New(cfg, agentrt.EchoRuntime{Prefix: "echo:"}, st, nil, Hooks{})
	out1 := eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "first", Seq: 1})
	if out1.DropReason != DropQueuedSuperseded {
		t.Fatalf("expected first queued inbound superseded-pending-set outcome, got %+v", out1)
	}
	out2 := eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "second", Seq: 2})
	if out2.DropReason != DropQueuedSuperseded {
		t.Fatalf("expected second inbound to also report queued, got %+v", out2)
	}

	pending, ok := st.TakePendingLatest("route:a")
	if !ok {
		t.Fatal("expected a pending-latest entry")
	}
	in, ok := pending.(Inbound)
	if !ok || in.Text != "second" {
		t.Fatalf("expected pending-latest to hold the newer inbound, got %+v", pending)
	}
}

func TestHandle_BeforeDispatchDenyBlocksDelivery(t *testing.T) {
	eng := New(baseCfg(), agentrt.EchoRuntime{Prefix: "echo:"}, routestate.New(), nil, Hooks{
		BeforeDispatch: func(route string) (bool, string) { return false, "blocked_user" },
	})
	out := eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "hi", Seq: 1})
	if out.Delivered {
		t.Fatalf("expected denial to block delivery, got %+v", out)
	}
}

func TestHandle_CoalesceClaimsOnlyOneDispatchPerRoute(t *testing.T) {
	cfg := baseCfg()
	cfg.InterruptCoalesceEnabled = true
	cfg.InterruptWindowMs = 20

	var calls int32
	runtime := agentrt.EchoRuntime{Prefix: "echo:", OnDispatch: func() { atomic.AddInt32(&calls, 1) }}
	eng := New(cfg, runtime, routestate.New(), nil, Hooks{})

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	wg.Add(2)
	go func() { defer wg.Done(); outs[0] = eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "first", Seq: 1}) }()
	time.Sleep(2 * time.Millisecond)
	go func() { defer wg.Done(); outs[1] = eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "second", Seq: 2}) }()
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one agent invocation for two near-simultaneous inbounds, got %d", calls)
	}
	delivered := 0
	for _, o := range outs {
		if o.Delivered {
			delivered++
			if o.Result.Text != "echo:second" {
				t.Fatalf("expected the newer inbound to win the coalesce, got %+v", o.Result)
			}
		}
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one delivered outcome, got %d: %+v", delivered, outs)
	}
}

func TestHandle_HeavyInboundWithoutTaskQueueFallsBackToDirect(t *testing.T) {
	// nil taskQ means heavy inbound falls back to direct dispatch rather
	// than panicking — verifies the isHeavy guard is consulted safely.
	eng := New(baseCfg(), agentrt.EchoRuntime{Prefix: "echo:"}, routestate.New(), nil, Hooks{})
	out := eng.Handle(context.Background(), Inbound{Route: "route:a", Text: "hi", MediaItemsTotal: 1, Seq: 1})
	if !out.Delivered {
		t.Fatalf("expected delivery via direct fallback, got %+v", out)
	}
}
