package browserpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/browserclient"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

func newTestPool(t *testing.T, maxSessions int, leaseWait time.Duration) *Pool {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browser/open":
			json.NewEncoder(w).Encode(browserclient.OpenResult{WindowID: "win-1", HTTP: "http://127.0.0.1:0"})
		case "/browser/close":
			json.NewEncoder(w).Encode(struct{}{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := browserclient.New(browserclient.Config{BaseURL: srv.URL, MaxRetries: 1})
	probe := func(ctx context.Context, debugHTTP string) (bool, error) { return true, nil }
	return New(client, logging.NewDefault(), maxSessions, leaseWait, probe)
}

func TestLeaseByNameReusesSessionForSameName(t *testing.T) {
	p := newTestPool(t, 5, time.Second)
	ctx := context.Background()

	s1, err := p.LeaseByName(ctx, "win-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	p.Release(s1)

	s2, err := p.LeaseByName(ctx, "win-a")
	if err != nil {
		t.Fatalf("lease again: %v", err)
	}
	if s1.PoolID != s2.PoolID {
		t.Fatalf("expected same session reused, got %s and %s", s1.PoolID, s2.PoolID)
	}
}

func TestLeaseByNameTimesOutWhenNameBusyThenSucceedsAfterRelease(t *testing.T) {
	p := newTestPool(t, 5, 100*time.Millisecond)
	ctx := context.Background()

	holder, err := p.LeaseByName(ctx, "win-busy")
	if err != nil {
		t.Fatalf("initial lease: %v", err)
	}

	_, err = p.LeaseByName(ctx, "win-busy")
	if orcherr.KindOf(err) != orcherr.KindBusy {
		t.Fatalf("expected KindBusy while name held, got %v", err)
	}

	p.Release(holder)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess, err := p.LeaseByName(ctx, "win-busy")
		if err != nil {
			t.Errorf("expected lease to succeed after release, got %v", err)
			return
		}
		p.Release(sess)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lease after release deadlocked: a timed-out waiter left the name permanently locked")
	}
}

func TestLeaseByNameManyTimeoutsDoNotStarveAFutureWaiter(t *testing.T) {
	p := newTestPool(t, 5, 20*time.Millisecond)
	ctx := context.Background()

	holder, err := p.LeaseByName(ctx, "win-contended")
	if err != nil {
		t.Fatalf("initial lease: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := p.LeaseByName(ctx, "win-contended"); orcherr.KindOf(err) != orcherr.KindBusy {
			t.Fatalf("expected KindBusy on contended attempt %d, got %v", i, err)
		}
	}

	p.Release(holder)

	sess, err := p.LeaseByName(context.Background(), "win-contended")
	if err != nil {
		t.Fatalf("expected lease to succeed once the name is free, got %v", err)
	}
	p.Release(sess)
}
