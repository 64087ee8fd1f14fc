package accountstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ImViper/youtube-uploader-sub002/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "test-secret-key")
}

func TestCreateAndGetRoundTripsCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Account{ID: "acc-1", Login: "user1", WindowName: "win-1"}
	if err := s.Create(ctx, a, []byte(`{"cookie":"secret"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "acc-1", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Credentials) != `{"cookie":"secret"}` {
		t.Fatalf("credentials did not round-trip, got %q", got.Credentials)
	}
	if got.Status != StatusActive || got.HealthScore != 100 || got.DailyUploadLimit != 2 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestIncrementDailyRejectsAtLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Account{ID: "acc-1", Login: "u", WindowName: "w", DailyUploadLimit: 2}
	if err := s.Create(ctx, a, []byte("x")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.IncrementDaily(ctx, "acc-1"); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if err := s.IncrementDaily(ctx, "acc-1"); err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if err := s.IncrementDaily(ctx, "acc-1"); err != ErrAtLimit {
		t.Fatalf("expected ErrAtLimit, got %v", err)
	}
}

func TestUpdateHealthCapsAndFloors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Account{ID: "acc-1", Login: "u", WindowName: "w"}
	if err := s.Create(ctx, a, []byte("x")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.UpdateHealth(ctx, "acc-1", true); err != nil {
			t.Fatalf("update health success: %v", err)
		}
	}
	got, _ := s.Get(ctx, "acc-1", false)
	if got.HealthScore != 100 {
		t.Fatalf("expected health capped at 100, got %d", got.HealthScore)
	}

	for i := 0; i < 20; i++ {
		if err := s.UpdateHealth(ctx, "acc-1", false); err != nil {
			t.Fatalf("update health failure: %v", err)
		}
	}
	got, _ = s.Get(ctx, "acc-1", false)
	if got.HealthScore != 0 {
		t.Fatalf("expected health floored at 0, got %d", got.HealthScore)
	}
}

func TestGetEligibleOrdersByHealthThenLastUpload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Create(ctx, &Account{ID: id, Login: id, WindowName: "win-" + id}, []byte("x")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.UpdateHealth(ctx, "a", false); err != nil {
		t.Fatalf("penalize a: %v", err)
	}
	if err := s.UpdateStatus(ctx, "c", StatusSuspended); err != nil {
		t.Fatalf("suspend c: %v", err)
	}

	got, err := s.GetEligible(ctx, 5, 0)
	if err != nil {
		t.Fatalf("get eligible: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible accounts (c suspended), got %d", len(got))
	}
	if got[0].ID != "b" {
		t.Fatalf("expected b (higher health) first, got %s", got[0].ID)
	}
}

func TestRolloverDailyResetsCountsAndRestoresLimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Account{ID: "acc-1", Login: "u", WindowName: "w", DailyUploadLimit: 1}
	if err := s.Create(ctx, a, []byte("x")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.IncrementDaily(ctx, "acc-1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.UpdateStatus(ctx, "acc-1", StatusLimited); err != nil {
		t.Fatalf("limit: %v", err)
	}

	if _, err := s.RolloverDaily(ctx); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	got, err := s.Get(ctx, "acc-1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DailyUploadCount != 0 {
		t.Fatalf("expected daily count reset, got %d", got.DailyUploadCount)
	}
	if got.Status != StatusActive {
		t.Fatalf("expected status restored to active, got %s", got.Status)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope", false); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountByStatusTalliesEachStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Account{ID: "acc-1", Login: "u1", WindowName: "w1"}, nil); err != nil {
		t.Fatalf("create acc-1: %v", err)
	}
	if err := s.Create(ctx, &Account{ID: "acc-2", Login: "u2", WindowName: "w2"}, nil); err != nil {
		t.Fatalf("create acc-2: %v", err)
	}
	if err := s.UpdateStatus(ctx, "acc-2", StatusSuspended); err != nil {
		t.Fatalf("suspend acc-2: %v", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if counts.Total != 2 || counts.Active != 1 || counts.Suspended != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
