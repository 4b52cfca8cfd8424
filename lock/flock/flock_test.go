package flock

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l := New(path)

	ctx := context.Background()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestTryLockBlocksSecondAcquirer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	a := New(path)
	b := New(path)

	ctx := context.Background()
	ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryLock = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = b.TryLock(ctx)
	if err != nil {
		t.Fatalf("second TryLock error: %v", err)
	}
	if ok {
		t.Fatal("second TryLock should fail while the first holder is active")
	}

	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	ok, err = b.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock after release = (%v, %v), want (true, nil)", ok, err)
	}
	_ = b.Unlock(ctx)
}

func TestUnlockTwiceIsHarmless(t *testing.T) {
	// Confirms Lock's own Unlock is idempotent-safe to call twice
	// in a row without panicking (second call is a no-op unlock).
	path := filepath.Join(t.TempDir(), "test.lock")
	l := New(path)
	ctx := context.Background()

	if err := l.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("second Unlock should be harmless, got: %v", err)
	}
}

func TestLockRespectsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	holder := New(path)
	waiter := New(path)

	ctx := context.Background()
	if _, err := holder.TryLock(ctx); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock(ctx) //nolint:errcheck

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := waiter.Lock(cctx); err == nil {
		t.Fatal("expected Lock to fail once the context deadline is exceeded")
	}
}
