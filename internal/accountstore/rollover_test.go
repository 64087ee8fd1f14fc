package accountstore

import (
	"context"
	"testing"
	"time"
)

func TestRolloverSchedulerFiresAtMidnightOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Account{ID: "acc-1", Login: "u", WindowName: "w"}
	if err := s.Create(ctx, a, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.IncrementDaily(ctx, "acc-1"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	r := NewRolloverScheduler(s, time.UTC, nil)
	midnight := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	r.loc = midnight.Location()

	r.maybeRolloverAt(ctx, midnight)
	got, err := s.Get(ctx, "acc-1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DailyUploadCount != 0 {
		t.Fatalf("expected count reset to 0, got %d", got.DailyUploadCount)
	}

	if err := s.IncrementDaily(ctx, "acc-1"); err != nil {
		t.Fatalf("increment again: %v", err)
	}
	r.maybeRolloverAt(ctx, midnight.Add(30*time.Second))
	got, err = s.Get(ctx, "acc-1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DailyUploadCount != 1 {
		t.Fatalf("expected no second rollover within suppression window, got count %d", got.DailyUploadCount)
	}
}

func TestRolloverSchedulerSkipsNonMidnightTicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := NewRolloverScheduler(s, time.UTC, nil)

	noon := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	r.maybeRolloverAt(ctx, noon)
	if !r.lastRun.IsZero() {
		t.Fatal("expected no rollover recorded for a non-midnight tick")
	}
}
