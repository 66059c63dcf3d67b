package locker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocker_FirstGetIsMustCompute(t *testing.T) {
	l := New(nil)
	h, err := l.Get(42)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status() != MustCompute {
		t.Errorf("Status() = %v, want MustCompute", h.Status())
	}
}

func TestLocker_SecondGetWhileClaimedIsComputationPending(t *testing.T) {
	l := New(nil)
	if _, err := l.Get(1); err != nil {
		t.Fatal(err)
	}
	h2, err := l.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Status() != ComputationPending {
		t.Errorf("Status() = %v, want ComputationPending", h2.Status())
	}
}

func TestLocker_GetAfterInsertInCacheIsCached(t *testing.T) {
	l := New(nil)
	h1, err := l.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if err := h1.InsertInCache(); err != nil {
		t.Fatal(err)
	}
	h2, err := l.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Status() != Cached {
		t.Errorf("Status() = %v, want Cached", h2.Status())
	}
}

func TestLocker_WaitForPendingEntry_ResolvesOnInsert(t *testing.T) {
	l := New(nil)
	h1, err := l.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Status() != MustCompute {
		t.Fatalf("Status() = %v, want MustCompute", h1.Status())
	}
	h2, err := l.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Status() != ComputationPending {
		t.Fatalf("Status() = %v, want ComputationPending", h2.Status())
	}

	var wg sync.WaitGroup
	var gotStatus Status
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		gotStatus, waitErr = h2.WaitForPendingEntry(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h1.InsertInCache(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if waitErr != nil {
		t.Fatalf("WaitForPendingEntry: %v", waitErr)
	}
	if gotStatus != Cached {
		t.Errorf("WaitForPendingEntry resolved to %v, want Cached", gotStatus)
	}
}

func TestLocker_WaitForPendingEntry_CancelledContext(t *testing.T) {
	l := New(nil)
	h1, err := l.Get(9)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := l.Get(9)
	if err != nil {
		t.Fatal(err)
	}
	_ = h1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h2.WaitForPendingEntry(ctx); err == nil {
		t.Error("expected error from a cancelled context")
	}
}

func TestLocker_Release_FallsBackToMustCompute(t *testing.T) {
	l := New(nil)
	if _, err := l.Get(5); err != nil {
		t.Fatal(err)
	}
	l.Release(5)
	h, err := l.Get(5)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status() != MustCompute {
		t.Errorf("Status() after Release = %v, want MustCompute", h.Status())
	}
}
