package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestLockManagerWeakReadsConcurrent(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	r1, err := lm.Acquire(ctx, WeakRead)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := lm.Acquire(ctx, WeakRead)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	r1()
	r2()
}

func TestLockManagerWriteExcludesWrite(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	release, err := lm.Acquire(ctx, Write)
	if err != nil {
		t.Fatalf("acquire write: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := lm.Acquire(cctx, Write); err != ErrCancelled {
		t.Fatalf("expected ErrCancelled for contended write, got %v", err)
	}
	release()
}

func TestLockManagerWriteCompatibleWithWeakRead(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	releaseR, err := lm.Acquire(ctx, WeakRead)
	if err != nil {
		t.Fatalf("acquire weak read: %v", err)
	}
	releaseW, err := lm.Acquire(ctx, Write)
	if err != nil {
		t.Fatalf("acquire write alongside weak read: %v", err)
	}
	releaseR()
	releaseW()
}

func TestLockManagerExclusiveBlocksEverything(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	releaseR, err := lm.Acquire(ctx, WeakRead)
	if err != nil {
		t.Fatalf("acquire weak read: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := lm.Acquire(cctx, Exclusive); err != ErrCancelled {
		t.Fatalf("expected exclusive to block on held reader, got %v", err)
	}
	releaseR()

	release, err := lm.Acquire(ctx, Exclusive)
	if err != nil {
		t.Fatalf("acquire exclusive once drained: %v", err)
	}
	release()
}

func TestLockManagerFIFOOrdering(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	releaseW, err := lm.Acquire(ctx, Write)
	if err != nil {
		t.Fatalf("acquire write: %v", err)
	}

	grantedStrong := make(chan struct{})
	go func() {
		release, err := lm.Acquire(ctx, StrongRead)
		if err != nil {
			t.Errorf("acquire strong read: %v", err)
			return
		}
		close(grantedStrong)
		release()
	}()

	time.Sleep(10 * time.Millisecond)

	grantedWeak := make(chan struct{})
	go func() {
		release, err := lm.Acquire(ctx, WeakRead)
		if err != nil {
			t.Errorf("acquire weak read: %v", err)
			return
		}
		close(grantedWeak)
		release()
	}()

	select {
	case <-grantedWeak:
		t.Fatal("weak read granted before strong read that queued ahead of it")
	case <-time.After(10 * time.Millisecond):
	}

	releaseW()

	select {
	case <-grantedStrong:
	case <-time.After(time.Second):
		t.Fatal("strong read never granted after write released")
	}
	select {
	case <-grantedWeak:
	case <-time.After(time.Second):
		t.Fatal("weak read never granted after strong read released")
	}
}

func TestLockManagerBarrierDrainsReaders(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	releaseR, err := lm.Acquire(ctx, WeakRead)
	if err != nil {
		t.Fatalf("acquire weak read: %v", err)
	}

	barrierDone := make(chan struct{})
	go func() {
		if err := lm.Barrier(ctx); err != nil {
			t.Errorf("barrier: %v", err)
		}
		close(barrierDone)
	}()

	select {
	case <-barrierDone:
		t.Fatal("barrier completed while reader still held")
	case <-time.After(10 * time.Millisecond):
	}

	releaseR()

	select {
	case <-barrierDone:
	case <-time.After(time.Second):
		t.Fatal("barrier never completed after reader released")
	}
}

func TestLockManagerAcquireCancelled(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	release, err := lm.Acquire(ctx, Exclusive)
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	defer release()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := lm.Acquire(cctx, WeakRead); err != ErrCancelled {
		t.Fatalf("expected immediate cancellation, got %v", err)
	}
}
