package accountstore

import (
	"context"
	"sync"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"go.uber.org/zap"
)

// RolloverScheduler ticks once a minute and fires Store.RolloverDaily at
// local midnight in the configured zone, once per day. Shape (ticker loop,
// minute-granularity match, last-run suppression) follows the teacher's
// cron-style job scheduler.
type RolloverScheduler struct {
	store    *Store
	loc      *time.Location
	log      *logging.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	lastRun time.Time
}

// NewRolloverScheduler builds a scheduler for store, firing at local
// midnight in loc. loc defaults to time.Local if nil.
func NewRolloverScheduler(store *Store, loc *time.Location, log *logging.Logger) *RolloverScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &RolloverScheduler{store: store, loc: loc, log: log, interval: time.Minute}
}

// Start launches the check loop. No-op if already running.
func (r *RolloverScheduler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	go r.loop(ctx)
}

// Stop satisfies supervisor.Stoppable; timeout is unused since the loop
// exits promptly on cancellation.
func (r *RolloverScheduler) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.cancel()
	r.running = false
	return nil
}

func (r *RolloverScheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maybeRolloverAt(ctx, time.Now().In(r.loc))
		}
	}
}

func (r *RolloverScheduler) maybeRolloverAt(ctx context.Context, now time.Time) {
	if now.Hour() != 0 || now.Minute() != 0 {
		return
	}

	r.mu.Lock()
	if !r.lastRun.IsZero() && now.Sub(r.lastRun) < 2*time.Minute {
		r.mu.Unlock()
		return
	}
	r.lastRun = now
	r.mu.Unlock()

	n, err := r.store.RolloverDaily(ctx)
	if err != nil {
		if r.log != nil {
			r.log.Warn("daily_rollover_failed", zap.Error(err))
		}
		return
	}
	if r.log != nil {
		r.log.Info("daily_rollover_complete", zap.Int64("accounts_reset", n))
	}
}
