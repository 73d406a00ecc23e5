package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquirePermitImmediateWhenFull(t *testing.T) {
	b := NewBucket(10, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.AcquirePermit(ctx, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAcquirePermitWaitsForRefill(t *testing.T) {
	b := NewBucket(1, 10) // refills 1 token every 100ms
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := b.AcquirePermit(ctx, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	start := time.Now()
	if err := b.AcquirePermit(ctx, 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected to wait for refill, only waited %v", elapsed)
	}
}

func TestAcquirePermitRespectsContext(t *testing.T) {
	b := NewBucket(1, 0.001)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = b.AcquirePermit(context.Background(), 1) // drain the bucket

	if err := b.AcquirePermit(ctx, 1); err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	max := 30 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(attempt, time.Second, max)
		if d > max+max/4+time.Second {
			t.Fatalf("attempt %d: backoff %v exceeded cap+jitter bound", attempt, d)
		}
	}
}
