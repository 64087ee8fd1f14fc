package uploadworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ImViper/youtube-uploader-sub002/internal/accountstore"
	"github.com/ImViper/youtube-uploader-sub002/internal/breaker"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserclient"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserpool"
	"github.com/ImViper/youtube-uploader-sub002/internal/jobqueue"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
	"github.com/ImViper/youtube-uploader-sub002/internal/progresshub"
	"github.com/ImViper/youtube-uploader-sub002/internal/recovery"
	"github.com/ImViper/youtube-uploader-sub002/internal/selector"
	"github.com/ImViper/youtube-uploader-sub002/internal/store"
)

type testRig struct {
	queue    *jobqueue.Queue
	accts    *accountstore.Store
	sel      *selector.Selector
	pool     *browserpool.Pool
	rec      *recovery.Engine
	br       *breaker.Registry
	hub      *progresshub.Hub
}

func newTestRig(t *testing.T, probeLoggedIn bool) *testRig {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q := jobqueue.New(db, rdb, jobqueue.Config{})
	accts := accountstore.New(db, "secret")
	sel := selector.New(accts, selector.Config{})

	probe := func(ctx context.Context, debugHTTP string) (bool, error) {
		return probeLoggedIn, nil
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browser/open":
			json.NewEncoder(w).Encode(browserclient.OpenResult{WindowID: "win-id", HTTP: "http://127.0.0.1:0"})
		case "/browser/close":
			json.NewEncoder(w).Encode(struct{}{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	bp := browserpool.New(browserclient.New(browserclient.Config{BaseURL: srv.URL}), logging.NewDefault(), 5, 0, probe)
	br := breaker.NewRegistry(breaker.DefaultConfig())
	rec := recovery.New(db, bp, accts, br, logging.NewDefault())
	hub := progresshub.New()

	return &testRig{queue: q, accts: accts, sel: sel, pool: bp, rec: rec, br: br, hub: hub}
}

func (r *testRig) newPool(upload UploadFunc, cfg Config) *Pool {
	return New(r.queue, r.sel, r.pool, r.rec, r.br, r.hub, r.accts, upload, logging.NewDefault(), cfg)
}

func TestProcessJobSuccessPath(t *testing.T) {
	r := newTestRig(t, true)
	ctx := context.Background()

	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "win-1"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account: %v", err)
	}

	job, err := r.queue.Enqueue(ctx, jobqueue.VideoSpec{Title: "v1", SourcePath: "/tmp/a.mp4"}, jobqueue.EnqueueOptions{PinnedAccountID: "acc-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := r.queue.Dequeue(ctx, "test-worker")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	var gotPercent int
	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		progressFn(50, "uploading")
		gotPercent = 50
		return nil
	}

	p := r.newPool(upload, Config{Concurrency: 1})
	p.ctx = ctx
	p.processJob(claimed)

	if gotPercent != 50 {
		t.Fatalf("expected upload to run, got percent=%d", gotPercent)
	}

	updated, err := r.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != jobqueue.StatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	if r.sel.IsLeased("acc-1") {
		t.Fatal("expected account lease released after completion")
	}
}

func TestProcessJobUploadFailureReschedulesOnRetryableError(t *testing.T) {
	r := newTestRig(t, true)
	ctx := context.Background()

	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "win-2"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	job, err := r.queue.Enqueue(ctx, jobqueue.VideoSpec{Title: "v2", SourcePath: "/tmp/b.mp4"}, jobqueue.EnqueueOptions{PinnedAccountID: "acc-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := r.queue.Dequeue(ctx, "test-worker")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		return orcherr.New(orcherr.KindNetwork, "win-2", "connection reset")
	}

	p := r.newPool(upload, Config{Concurrency: 1})
	p.ctx = ctx
	p.processJob(claimed)

	if r.sel.IsLeased("acc-1") {
		t.Fatal("expected account lease released after failure")
	}

	updated, err := r.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != jobqueue.StatusQueued {
		t.Fatalf("expected job rescheduled as queued, got %s", updated.Status)
	}
}

func TestProcessJobNonRetryableErrorFailsJob(t *testing.T) {
	r := newTestRig(t, true)
	ctx := context.Background()

	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "win-3"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	job, err := r.queue.Enqueue(ctx, jobqueue.VideoSpec{Title: "v3", SourcePath: "/tmp/c.mp4"}, jobqueue.EnqueueOptions{PinnedAccountID: "acc-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := r.queue.Dequeue(ctx, "test-worker")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		return orcherr.New(orcherr.KindValidation, "", "bad video file")
	}

	p := r.newPool(upload, Config{Concurrency: 1})
	p.ctx = ctx
	p.processJob(claimed)

	updated, err := r.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != jobqueue.StatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}
}

func TestProcessJobNotLoggedInFailsWithoutUploadAttempt(t *testing.T) {
	r := newTestRig(t, false)
	ctx := context.Background()

	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "win-4"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, err := r.queue.Enqueue(ctx, jobqueue.VideoSpec{Title: "v4", SourcePath: "/tmp/d.mp4"}, jobqueue.EnqueueOptions{PinnedAccountID: "acc-1", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := r.queue.Dequeue(ctx, "test-worker")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	called := false
	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		called = true
		return nil
	}

	p := r.newPool(upload, Config{Concurrency: 1})
	p.ctx = ctx
	p.processJob(claimed)

	if called {
		t.Fatal("expected upload never invoked when session not logged in")
	}
}

func TestProcessJobNotLoggedInUnpinnedReschedulesForReselect(t *testing.T) {
	r := newTestRig(t, false)
	ctx := context.Background()

	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-1", Login: "u1", WindowName: "win-6a"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account acc-1: %v", err)
	}
	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-2", Login: "u2", WindowName: "win-6b"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account acc-2: %v", err)
	}

	job, err := r.queue.Enqueue(ctx, jobqueue.VideoSpec{Title: "v6", SourcePath: "/tmp/f.mp4"}, jobqueue.EnqueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := r.queue.Dequeue(ctx, "test-worker")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed.PinnedAccountID != "" {
		t.Fatalf("expected unpinned job, got pin %q", claimed.PinnedAccountID)
	}

	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		t.Fatal("upload should never run when the leased session isn't logged in")
		return nil
	}

	p := r.newPool(upload, Config{Concurrency: 1})
	p.ctx = ctx
	p.processJob(claimed)

	updated, err := r.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status == jobqueue.StatusFailed {
		t.Fatal("expected unpinned job with attempts remaining to reschedule, not terminal-fail")
	}

	remaining, err := r.accts.GetEligible(ctx, 5, 0)
	if err != nil {
		t.Fatalf("get eligible: %v", err)
	}
	for _, a := range remaining {
		if a.Status != accountstore.StatusActive {
			t.Fatalf("GetEligible returned an ineligible account: %+v", a)
		}
	}
	if len(remaining) != 1 || remaining[0].ID == "" {
		t.Fatalf("expected exactly the other account still eligible, got %+v", remaining)
	}
}

func TestPoolStartStopDrainsActiveJob(t *testing.T) {
	r := newTestRig(t, true)
	ctx := context.Background()

	if err := r.accts.Create(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "win-5"}, []byte("secret-token")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, err := r.queue.Enqueue(ctx, jobqueue.VideoSpec{Title: "v5", SourcePath: "/tmp/e.mp4"}, jobqueue.EnqueueOptions{PinnedAccountID: "acc-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	started := make(chan struct{}, 1)
	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		mu.Lock()
		select {
		case started <- struct{}{}:
		default:
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	p := r.newPool(upload, Config{Concurrency: 1, DequeuePoll: 5 * time.Millisecond})
	p.Start()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected upload to start")
	}

	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
