package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeRecordsWaits(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if err := Sleep(context.Background(), c, time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := Sleep(context.Background(), c, 2*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	if got := c.Now().Sub(start); got != 3*time.Second {
		t.Fatalf("fake time advanced by %v, want 3s", got)
	}
	waits := c.Waits()
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("unexpected waits: %v", waits)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, Real(), time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestSleepZeroDoesNotWait(t *testing.T) {
	c := NewFake(time.Time{})
	if err := Sleep(context.Background(), c, 0); err != nil {
		t.Fatalf("Sleep(0): %v", err)
	}
	if len(c.Waits()) != 0 {
		t.Fatalf("Sleep(0) should not touch the clock")
	}
}
