package routestate

import (
	"testing"
	"time"
)

func TestBeginRouteInFlight_MonotonicAndReturnsPrevious(t *testing.T) {
	tr := New()
	id1, prev1 := tr.BeginRouteInFlight("route:a", "m1", nil)
	if prev1 != nil {
		t.Fatalf("expected no previous on first begin, got %+v", prev1)
	}
	id2, prev2 := tr.BeginRouteInFlight("route:a", "m2", nil)
	if id1 == id2 {
		t.Fatalf("expected distinct monotonic dispatch ids, got %q twice", id1)
	}
	if prev2 == nil || prev2.DispatchID != id1 {
		t.Fatalf("expected previous to be id1, got %+v", prev2)
	}
}

func TestClearRouteInFlight_ExactMatchOnly(t *testing.T) {
	tr := New()
	id1, _ := tr.BeginRouteInFlight("route:a", "m1", nil)
	id2, _ := tr.BeginRouteInFlight("route:a", "m2", nil)

	if tr.ClearRouteInFlight("route:a", id1) {
		t.Fatal("clearing a superseded dispatch id must fail")
	}
	cur, ok := tr.CurrentInFlight("route:a")
	if !ok || cur.DispatchID != id2 {
		t.Fatalf("expected current in-flight to remain id2, got %+v", cur)
	}
	if !tr.ClearRouteInFlight("route:a", id2) {
		t.Fatal("clearing the current dispatch id should succeed")
	}
	if _, ok := tr.CurrentInFlight("route:a"); ok {
		t.Fatal("expected in-flight cleared")
	}
}

func TestPendingLatest_SetTakeOverwrite(t *testing.T) {
	tr := New()
	tr.SetPendingLatest("route:a", "first")
	tr.SetPendingLatest("route:a", "second")
	v, ok := tr.TakePendingLatest("route:a")
	if !ok || v != "second" {
		t.Fatalf("expected latest overwrite semantics, got %v", v)
	}
	if _, ok := tr.TakePendingLatest("route:a"); ok {
		t.Fatal("expected pending cleared after take")
	}
}

func TestInDegradeWindow(t *testing.T) {
	tr := New()
	if tr.InDegradeWindow("route:a", time.Second) {
		t.Fatal("expected false with no recorded timeout")
	}
	tr.RecordTimeout("route:a")
	if !tr.InDegradeWindow("route:a", time.Second) {
		t.Fatal("expected true immediately after timeout")
	}
	time.Sleep(15 * time.Millisecond)
	if tr.InDegradeWindow("route:a", 10*time.Millisecond) {
		t.Fatal("expected false after window elapses")
	}
}

func TestInFileTaskLock(t *testing.T) {
	tr := New()
	if tr.InFileTaskLock("route:a", time.Second) {
		t.Fatal("expected false with no file-task lock marked")
	}
	tr.MarkFileTaskLock("route:a")
	if !tr.InFileTaskLock("route:a", time.Second) {
		t.Fatal("expected true immediately after marking")
	}
	time.Sleep(15 * time.Millisecond)
	if tr.InFileTaskLock("route:a", 10*time.Millisecond) {
		t.Fatal("expected false after lock window elapses")
	}
}

func TestTryClaimCoalesce_OnlyOneClaimantAtATime(t *testing.T) {
	tr := New()
	if !tr.TryClaimCoalesce("route:a") {
		t.Fatal("expected first claim to succeed")
	}
	if tr.TryClaimCoalesce("route:a") {
		t.Fatal("expected second concurrent claim to fail while the first holds it")
	}
	tr.ReleaseCoalesce("route:a")
	if !tr.TryClaimCoalesce("route:a") {
		t.Fatal("expected claim to succeed again after release")
	}
}

func TestRoutesAreIndependent(t *testing.T) {
	tr := New()
	tr.BeginRouteInFlight("route:a", "m1", nil)
	_, ok := tr.CurrentInFlight("route:b")
	if ok {
		t.Fatal("route:b should have no in-flight record")
	}
}
