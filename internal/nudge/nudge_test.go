package nudge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

var errBlocked = errors.New("blocked")

func baseCfg(route string) Config {
	return Config{Enabled: true, Route: route, MinSilenceMs: 1000, MinIntervalMs: 2000}
}

func TestTick_SkipsWithNoInboundYet(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	sent, reason, err := e.Tick(context.Background(), baseCfg("user:1"), time.Now(), nil, func(ctx context.Context, route, text string) error { return nil })
	if err != nil || sent || reason != "no_inbound_yet" {
		t.Fatalf("got sent=%v reason=%q err=%v", sent, reason, err)
	}
}

func TestTick_SkipsUntilSilenceThresholdElapses(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	e.RecordInbound("user:1", now)

	sent, reason, err := e.Tick(context.Background(), baseCfg("user:1"), now.Add(500*time.Millisecond), nil, func(ctx context.Context, route, text string) error { return nil })
	if err != nil || sent || reason != "silence_not_reached" {
		t.Fatalf("got sent=%v reason=%q err=%v", sent, reason, err)
	}

	var delivered string
	sent2, _, err := e.Tick(context.Background(), baseCfg("user:1"), now.Add(2*time.Second), nil, func(ctx context.Context, route, text string) error {
		delivered = text
		return nil
	})
	if err != nil || !sent2 || delivered == "" {
		t.Fatalf("expected nudge sent after silence elapsed, got sent=%v err=%v text=%q", sent2, err, delivered)
	}
}

func TestTick_SkipsUntilIntervalSinceLastProactiveElapses(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	e.RecordInbound("user:1", now)

	noop := func(ctx context.Context, route, text string) error { return nil }
	if sent, _, err := e.Tick(context.Background(), baseCfg("user:1"), now.Add(2*time.Second), nil, noop); err != nil || !sent {
		t.Fatalf("expected first nudge to send, got sent=%v err=%v", sent, err)
	}
	if sent, reason, err := e.Tick(context.Background(), baseCfg("user:1"), now.Add(3*time.Second), nil, noop); err != nil || sent || reason != "interval_not_reached" {
		t.Fatalf("expected interval_not_reached, got sent=%v reason=%q err=%v", sent, reason, err)
	}
}

func TestTick_PolicyBlockSuppressesSend(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	e.RecordInbound("user:1", now)

	var deliverCalls int
	sent, reason, err := e.Tick(context.Background(), baseCfg("user:1"), now.Add(2*time.Second),
		func(route string) error { return errBlocked },
		func(ctx context.Context, route, text string) error { deliverCalls++; return nil })
	if err != nil || sent || reason != "policy_blocked" || deliverCalls != 0 {
		t.Fatalf("got sent=%v reason=%q err=%v deliverCalls=%d", sent, reason, err, deliverCalls)
	}
}

func TestLoad_RehydratesPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	e, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	e.RecordInbound("user:1", now)

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	sent, reason, err := reloaded.Tick(context.Background(), baseCfg("user:1"), now.Add(500*time.Millisecond), nil, func(ctx context.Context, route, text string) error { return nil })
	if err != nil || sent || reason != "silence_not_reached" {
		t.Fatalf("expected rehydrated state to still block on silence, got sent=%v reason=%q err=%v", sent, reason, err)
	}
}
