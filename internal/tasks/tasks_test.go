package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct{ dir string }

func (f *fakeStore) MetaDir(route string) string { return filepath.Join(f.dir, route, "meta") }

func TestSubmit_SuccessPersists(t *testing.T) {
	store := &fakeStore{dir: t.TempDir()}
	q := New(store, 1, time.Second, 1)
	res, deduped, err := q.Submit(context.Background(), Request{
		Route: "route:a", DispatchID: "route:a:1:100",
		Run: func(ctx context.Context) (any, error) { return "ok", nil },
	})
	if err != nil || deduped {
		t.Fatalf("unexpected: res=%v deduped=%v err=%v", res, deduped, err)
	}
	if res != "ok" {
		t.Fatalf("got %v", res)
	}
}

func TestSubmit_RetriesThenFails(t *testing.T) {
	store := &fakeStore{dir: t.TempDir()}
	q := New(store, 1, time.Second, 2)
	var attempts int32
	_, _, err := q.Submit(context.Background(), Request{
		Route: "route:a", DispatchID: "route:a:1:100",
		Run: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("boom")
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Fatalf("expected 1 initial + 2 retries = 3 attempts, got %d", attempts)
	}
}

func TestSubmit_IdempotentReplaySkipsSecondRun(t *testing.T) {
	store := &fakeStore{dir: t.TempDir()}
	q := New(store, 1, time.Second, 0)
	var runs int32
	req := Request{
		Route: "route:a", DispatchID: "d1", TaskKey: "fixed-key",
		Run: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&runs, 1)
			return "first", nil
		},
	}
	res1, deduped1, err1 := q.Submit(context.Background(), req)
	res2, deduped2, err2 := q.Submit(context.Background(), req)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if deduped1 {
		t.Fatal("first call should not be deduped")
	}
	if !deduped2 {
		t.Fatal("second call with same taskKey should be deduped")
	}
	if res1 != "first" || res2 != "first" {
		t.Fatalf("expected cached result reused, got %v %v", res1, res2)
	}
	if runs != 1 {
		t.Fatalf("expected Run invoked once, got %d", runs)
	}
}

func TestSubmit_DerivedKeyIgnoresDispatchID(t *testing.T) {
	store := &fakeStore{dir: t.TempDir()}
	q := New(store, 1, time.Second, 0)
	var runs int32
	run := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&runs, 1)
		return "first", nil
	}
	// Same logical inbound (route, msgId, taskKind, payloadSummary) arriving
	// under two distinct dispatch IDs must collide on the derived taskKey.
	_, deduped1, err1 := q.Submit(context.Background(), Request{
		Route: "route:a", DispatchID: "route:a:1:100",
		MsgID: "msg-1", TaskKind: "media", PayloadSummary: "pic.png",
		Run: run,
	})
	_, deduped2, err2 := q.Submit(context.Background(), Request{
		Route: "route:a", DispatchID: "route:a:2:200",
		MsgID: "msg-1", TaskKind: "media", PayloadSummary: "pic.png",
		Run: run,
	})
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if deduped1 {
		t.Fatal("first call should not be deduped")
	}
	if !deduped2 {
		t.Fatal("second call with identical route/msgId/taskKind/payloadSummary should dedupe despite a different dispatchId")
	}
	if runs != 1 {
		t.Fatalf("expected Run invoked once, got %d", runs)
	}
}

func TestSubmit_TimeoutRecordsTimeoutStatus(t *testing.T) {
	store := &fakeStore{dir: t.TempDir()}
	q := New(store, 1, 10*time.Millisecond, 0)
	var failedStatus Status
	_, _, err := q.Submit(context.Background(), Request{
		Route: "route:a", DispatchID: "d1",
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		OnFailed: func(err error, status Status) { failedStatus = status },
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if failedStatus != StatusTimeout {
		t.Fatalf("expected StatusTimeout, got %v", failedStatus)
	}
}
