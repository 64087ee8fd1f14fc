package orchestrator

import (
	"context"
	"path/filepath"
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
	"github.com/ImViper/youtube-uploader-sub002/internal/metrics"
	"github.com/ImViper/youtube-uploader-sub002/internal/progresshub"
	"github.com/ImViper/youtube-uploader-sub002/internal/recovery"
	"github.com/ImViper/youtube-uploader-sub002/internal/selector"
	"github.com/ImViper/youtube-uploader-sub002/internal/store"
	"github.com/ImViper/youtube-uploader-sub002/internal/supervisor"
	"github.com/ImViper/youtube-uploader-sub002/internal/uploadworker"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
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

	queue := jobqueue.New(db, rdb, jobqueue.Config{})
	accts := accountstore.New(db, "secret")
	sel := selector.New(accts, selector.Config{})
	log := logging.NewDefault()

	probe := func(ctx context.Context, debugHTTP string) (bool, error) { return true, nil }
	pool := browserpool.New(browserclient.New(browserclient.Config{BaseURL: "http://127.0.0.1:0"}), log, 5, 0, probe)
	br := breaker.NewRegistry(breaker.DefaultConfig())
	rec := recovery.New(db, pool, accts, br, log)
	hub := progresshub.New()

	upload := func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(int, string)) error {
		return nil
	}
	workers := uploadworker.New(queue, sel, pool, rec, br, hub, accts, upload, log, uploadworker.Config{Concurrency: 1})

	sup := supervisor.New(log, 2*time.Second, supervisor.AlertThresholds{})

	return New(queue, accts, pool, br, hub, workers, sup, metrics.New(), log)
}

func TestSubmitAndStatus(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	job, err := o.Submit(ctx, jobqueue.VideoSpec{Title: "t", SourcePath: "/tmp/a.mp4"}, jobqueue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := o.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}
}

func TestSubmitBatchRoundRobinsPins(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	specs := []jobqueue.VideoSpec{{Title: "a"}, {Title: "b"}, {Title: "c"}}
	jobs, err := o.SubmitBatch(ctx, specs, jobqueue.EnqueueOptions{}, []string{"acc-1", "acc-2"})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].PinnedAccountID != "acc-1" || jobs[1].PinnedAccountID != "acc-2" || jobs[2].PinnedAccountID != "acc-1" {
		t.Fatalf("expected round-robin pin assignment, got %+v", jobs)
	}
}

func TestSystemStatusReportsReadyDepthAndPauseBlocksDequeue(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.Submit(ctx, jobqueue.VideoSpec{Title: "t"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	status, err := o.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if status.Queue.Ready != 1 {
		t.Fatalf("expected 1 ready job, got %d", status.Queue.Ready)
	}

	if err := o.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := o.Queue.Dequeue(ctx, "w1"); err == nil {
		t.Fatal("expected dequeue to fail while paused")
	}
	if err := o.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestSystemStatusReportsAccountBreakdown(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.UpsertAccount(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "w"}, []byte("secret")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := o.DisableAccount(ctx, "acc-1"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	status, err := o.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if status.Accounts.Total != 1 || status.Accounts.Suspended != 1 {
		t.Fatalf("unexpected account breakdown: %+v", status.Accounts)
	}
}

func TestDisableAccountSuspendsIt(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.UpsertAccount(ctx, &accountstore.Account{ID: "acc-1", Login: "u", WindowName: "w"}, []byte("secret")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := o.DisableAccount(ctx, "acc-1"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	accts, err := o.ListAccounts(ctx, accountstore.ListFilter{Status: accountstore.StatusSuspended})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accts) != 1 || accts[0].ID != "acc-1" {
		t.Fatalf("expected suspended acc-1 in list, got %+v", accts)
	}
}

func TestSubmitRecordsMetric(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.Submit(ctx, jobqueue.VideoSpec{Title: "t"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := o.Metrics.GetSnapshot()
	if snap.Submitted != 1 {
		t.Fatalf("expected 1 submitted in metrics snapshot, got %d", snap.Submitted)
	}
}

func TestShutdownStopsWorkers(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Start()
	if err := o.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
