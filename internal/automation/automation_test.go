package automation

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type fakeStore struct{ dir string }

func (f fakeStore) MetaDir(route string) string { return filepath.Join(f.dir, route) }

type fakeActivity struct {
	inbound  map[string]time.Time
	activity map[string]time.Time
}

func (f fakeActivity) LastInboundAt(route string) (time.Time, bool) {
	t, ok := f.inbound[route]
	return t, ok
}

func (f fakeActivity) LastActivityAt(route string) (time.Time, bool) {
	t, ok := f.activity[route]
	return t, ok
}

func TestReconcile_EveryScheduleFiresOnFirstTickOnly(t *testing.T) {
	var calls int
	eng := New(fakeStore{dir: t.TempDir()}, nil, func(ctx context.Context, tgt Target, message string) (bool, error) {
		calls++
		return true, nil
	}, false)
	eng.SetTargets([]Target{{
		ID: "t1", Enabled: true, Route: "user:1", ExecutionMode: ExecutionAgentOnly,
		Job: Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}, Message: "hi"},
	}})

	now := time.Unix(1_700_000_000, 0)
	outs := eng.Reconcile(context.Background(), now)
	if len(outs) != 1 || !outs[0].Due || !outs[0].Produced {
		t.Fatalf("expected first reconcile to fire, got %+v", outs)
	}
	outs2 := eng.Reconcile(context.Background(), now.Add(30*time.Second))
	if outs2[0].Due {
		t.Fatalf("expected second reconcile within everyMs to not be due, got %+v", outs2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one trigger call, got %d", calls)
	}
}

func TestReconcile_CronBucketPreventsDoubleFire(t *testing.T) {
	var calls int
	eng := New(fakeStore{dir: t.TempDir()}, nil, func(ctx context.Context, tgt Target, message string) (bool, error) {
		calls++
		return true, nil
	}, false)
	eng.SetTargets([]Target{{
		ID: "t1", Enabled: true, Route: "user:1",
		Job: Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "UTC"}, Message: "hi"},
	}})

	due := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	out1 := eng.Reconcile(context.Background(), due)
	if !out1[0].Due {
		t.Fatalf("expected cron minute to be due, got %+v", out1)
	}
	out2 := eng.Reconcile(context.Background(), due.Add(30*time.Second))
	if out2[0].Due {
		t.Fatalf("expected same-minute reconcile to be suppressed by bucket dedup, got %+v", out2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one trigger within the cron minute, got %d", calls)
	}
}

func TestReconcile_SmartThrottleSkipsActiveConversation(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	activity := fakeActivity{
		inbound:  map[string]time.Time{"user:1001": now.Add(-5 * time.Minute)},
		activity: map[string]time.Time{"user:1001": now.Add(-5 * time.Minute)},
	}
	var calls int
	eng := New(fakeStore{dir: t.TempDir()}, activity, func(ctx context.Context, tgt Target, message string) (bool, error) {
		calls++
		return true, nil
	}, false)
	eng.SetTargets([]Target{{
		ID: "t1", Enabled: true, Route: "user:1001",
		Job: Job{
			Schedule: Schedule{Kind: ScheduleCron, Expr: "0 10 * * *", TZ: "UTC"},
			Message:  "hi",
			Smart:    &SmartConfig{Enabled: true, MinSilenceMinutes: 30, ActiveConversationMinutes: 25},
		},
	}})

	outs := eng.Reconcile(context.Background(), now)
	if !outs[0].Due || !outs[0].Skipped || outs[0].SkipReason != SkipActiveConversation {
		t.Fatalf("expected active_conversation skip, got %+v", outs)
	}
	if calls != 0 {
		t.Fatalf("expected trigger not invoked when skipped, got %d calls", calls)
	}
}

func TestReconcile_SmartThrottleSkipsNoInboundYet(t *testing.T) {
	now := time.Now()
	eng := New(fakeStore{dir: t.TempDir()}, fakeActivity{inbound: map[string]time.Time{}, activity: map[string]time.Time{}}, func(ctx context.Context, tgt Target, message string) (bool, error) {
		return true, nil
	}, false)
	eng.SetTargets([]Target{{
		ID: "t1", Enabled: true, Route: "user:9",
		Job: Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}, Smart: &SmartConfig{Enabled: true}},
	}})
	outs := eng.Reconcile(context.Background(), now)
	if !outs[0].Skipped || outs[0].SkipReason != SkipNoInboundYet {
		t.Fatalf("expected no_inbound_yet skip, got %+v", outs)
	}
}

func TestReconcile_StrictAgentOnlyRejectsLegacyDeliverTarget(t *testing.T) {
	var calls int
	eng := New(fakeStore{dir: t.TempDir()}, nil, func(ctx context.Context, tgt Target, message string) (bool, error) {
		calls++
		return true, nil
	}, true)
	eng.SetTargets([]Target{{
		ID: "t1", Enabled: true, Route: "user:1", ExecutionMode: ExecutionLegacyDeliver,
		Job: Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}, Message: "hi"},
	}})

	outs := eng.Reconcile(context.Background(), time.Unix(1_700_000_000, 0))
	if outs[0].Err == nil {
		t.Fatalf("expected strictAgentOnly to reject a legacy-deliver target, got %+v", outs)
	}
	if calls != 0 {
		t.Fatalf("expected trigger not invoked for a rejected target, got %d calls", calls)
	}
}

func TestReconcile_AtScheduleFiresOnceAfterDeadline(t *testing.T) {
	var calls int
	eng := New(fakeStore{dir: t.TempDir()}, nil, func(ctx context.Context, tgt Target, message string) (bool, error) {
		calls++
		return true, nil
	}, false)
	at := time.Unix(1_700_000_000, 0)
	eng.SetTargets([]Target{{
		ID: "t1", Enabled: true, Route: "user:1",
		Job: Job{Schedule: Schedule{Kind: ScheduleAt, At: at}},
	}})

	before := eng.Reconcile(context.Background(), at.Add(-time.Minute))
	if before[0].Due {
		t.Fatalf("expected not due before the at-time, got %+v", before)
	}
	after := eng.Reconcile(context.Background(), at.Add(time.Minute))
	if !after[0].Due || !after[0].Produced {
		t.Fatalf("expected due and produced after the at-time, got %+v", after)
	}
	again := eng.Reconcile(context.Background(), at.Add(time.Hour))
	if again[0].Due {
		t.Fatalf("expected at-schedule to fire only once, got %+v", again)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one trigger call, got %d", calls)
	}
}
