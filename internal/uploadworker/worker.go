// Package uploadworker runs the per-job upload procedure: claim, resolve
// account, lease browser session, verify login, perform the upload, and
// settle outcomes. A pool of these runs concurrently up to a configured
// worker count. Pool shape (start/stop/wait-group lifecycle) follows a
// standard bounded worker pool; the per-job steps are new.
package uploadworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/accountstore"
	"github.com/ImViper/youtube-uploader-sub002/internal/breaker"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserpool"
	"github.com/ImViper/youtube-uploader-sub002/internal/jobqueue"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/metrics"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
	"github.com/ImViper/youtube-uploader-sub002/internal/progresshub"
	"github.com/ImViper/youtube-uploader-sub002/internal/recovery"
	"github.com/ImViper/youtube-uploader-sub002/internal/selector"
	"go.uber.org/zap"
)

// AccountLookup resolves an account id to its stored record. Satisfied by
// *accountstore.Store.
type AccountLookup interface {
	Get(ctx context.Context, id string, decrypt bool) (*accountstore.Account, error)
}

// UploadFunc performs the external upload primitive against an open
// session. Progress is reported through progressFn (percent 0-100, a
// coarse stage label). Implementations own the hard deadline via ctx.
type UploadFunc func(ctx context.Context, session *browserpool.Session, spec jobqueue.VideoSpec, progressFn func(percent int, stage string)) error

// Config tunes the pool.
type Config struct {
	Concurrency   int           // default 5
	UploadTimeout time.Duration // default 30m
	DequeuePoll   time.Duration // default 500ms
}

// Pool runs Concurrency workers pulling from queue.
type Pool struct {
	queue    *jobqueue.Queue
	selector *selector.Selector
	pool     *browserpool.Pool
	recovery *recovery.Engine
	breaker  *breaker.Registry
	hub      *progresshub.Hub
	accounts AccountLookup
	upload   UploadFunc
	log      *logging.Logger
	metrics  *metrics.Collector
	cfg      Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New builds a Pool. upload is the external upload primitive; swap it in
// tests for a fake.
func New(queue *jobqueue.Queue, sel *selector.Selector, bp *browserpool.Pool, rec *recovery.Engine, br *breaker.Registry, hub *progresshub.Hub, accounts AccountLookup, upload UploadFunc, log *logging.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Minute
	}
	if cfg.DequeuePoll <= 0 {
		cfg.DequeuePoll = 500 * time.Millisecond
	}
	return &Pool{
		queue: queue, selector: sel, pool: bp, recovery: rec, breaker: br, hub: hub,
		accounts: accounts, upload: upload, log: log, cfg: cfg,
	}
}

// SetMetrics attaches a metrics collector. Optional; nil-safe if never
// called.
func (p *Pool) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

// Start launches cfg.Concurrency worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(id)
	}
}

// Stop signals all workers to finish their current job and wait, up to
// timeout, for them to exit. In-flight external calls run to their own
// deadline regardless (cancellation during shutdown is cooperative only
// between phases).
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("uploadworker: shutdown timed out after %s", timeout)
	}
}

func (p *Pool) runWorker(id string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.queue.PromoteDelayed(p.ctx)
		job, err := p.queue.Dequeue(p.ctx, id)
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.DequeuePoll):
			}
			continue
		}
		p.processJob(job)
	}
}

func (p *Pool) processJob(job *jobqueue.Job) {
	log := p.log
	started := time.Now()

	lease, err := p.selector.Lease(p.ctx, job.ID, job.PinnedAccountID)
	if err != nil {
		if orcherr.KindOf(err) == orcherr.KindPinUnavailable {
			p.queue.Nack(p.ctx, job.ID, err, false)
			return
		}
		// no eligible account anywhere: release back to queued with a
		// short delay; does not count as an attempt.
		p.queue.Nack(p.ctx, job.ID, orcherr.New(orcherr.KindResource, "", "no account available"), false)
		return
	}

	var session *browserpool.Session
	var accountID = lease.AccountID
	var success bool
	var finalErr error
	pinned := job.PinnedAccountID != ""

	defer func() {
		if session != nil {
			p.pool.Release(session)
		}
		p.selector.Release(p.ctx, accountID, job.ID, success)
		if finalErr == nil {
			p.queue.RecordHistory(p.ctx, job.ID, accountID, sessionPoolID(session), success, time.Since(started), "", started, time.Now())
		} else {
			p.queue.RecordHistory(p.ctx, job.ID, accountID, sessionPoolID(session), false, time.Since(started), finalErr.Error(), started, time.Now())
		}
	}()

	acct, err := p.accounts.Get(p.ctx, accountID, false)
	if err != nil {
		finalErr = err
		p.queue.Nack(p.ctx, job.ID, err, false)
		return
	}
	windowName := acct.WindowName

	allow, breakerErr := p.breaker.Allow(windowName)
	if breakerErr != nil || !allow {
		// The breaker's own error carries KindBreakerOpen, a control-flow
		// sentinel recovery doesn't dispatch on; reclassify as the
		// account-scoped temporary condition it actually is so recovery
		// can apply a health penalty and decide reroute-vs-terminal-fail.
		finalErr = orcherr.New(orcherr.KindTemporary, accountID, "browser session breaker open")
		outcome := p.recovery.Handle(p.ctx, finalErr, nil, accountID, pinned, job.MaxAttempts-job.Attempts)
		p.settleFromOutcome(job, outcome, finalErr)
		return
	}

	session, err = p.pool.LeaseByName(p.ctx, windowName)
	if err != nil {
		finalErr = err
		p.breaker.RecordFailure(windowName)
		outcome := p.recovery.Handle(p.ctx, err, nil, accountID, pinned, job.MaxAttempts-job.Attempts)
		p.settleFromOutcome(job, outcome, err)
		return
	}

	if !session.IsLoggedIn && !p.pool.HealthCheck(p.ctx, session) {
		finalErr = orcherr.New(orcherr.KindAuth, accountID, "session not logged in")
		p.breaker.RecordFailure(windowName)
		outcome := p.recovery.Handle(p.ctx, finalErr, session, accountID, pinned, job.MaxAttempts-job.Attempts)
		p.settleFromOutcome(job, outcome, finalErr)
		return
	}

	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), p.cfg.UploadTimeout)
	defer cancel()

	progressFn := func(percent int, stage string) {
		if p.hub != nil {
			p.hub.Publish(progresshub.Event{JobID: job.ID, Stage: stage, Percent: percent})
		}
	}

	err = p.upload(uploadCtx, session, job.Spec, progressFn)
	if err != nil {
		finalErr = err
		p.breaker.RecordFailure(windowName)
		outcome := p.recovery.Handle(p.ctx, err, session, accountID, pinned, job.MaxAttempts-job.Attempts-1)
		p.settleFromOutcome(job, outcome, err)
		log.Warn("upload_failed", zap.String("job_id", job.ID), zap.String("account_id", accountID))
		if p.metrics != nil && outcome.TerminalFail {
			p.metrics.RecordFailed(time.Since(started))
		}
		return
	}

	success = true
	p.breaker.RecordSuccess(windowName)
	progressFn(100, "completed")
	if err := p.queue.Ack(p.ctx, job.ID, "ok"); err != nil {
		if errors.Is(err, jobqueue.ErrJobCancelled) {
			log.Info("job_cancelled_during_upload", zap.String("job_id", job.ID))
		} else {
			log.Error("job_ack_failed", zap.String("job_id", job.ID))
		}
	}
	if p.metrics != nil {
		p.metrics.RecordCompleted(time.Since(started))
	}
}

// settleFromOutcome applies a recovery Outcome to the queue. A job
// cancelled mid-flight is left cancelled regardless of outcome: Nack and
// RetryLater both refuse to revive a cancelled row.
func (p *Pool) settleFromOutcome(job *jobqueue.Job, outcome recovery.Outcome, cause error) {
	var err error
	switch {
	case outcome.TerminalFail:
		err = p.queue.Nack(p.ctx, job.ID, cause, true)
	case outcome.RetryJob:
		err = p.queue.RetryLater(p.ctx, job.ID, outcome.RetryDelay)
	default:
		err = p.queue.Nack(p.ctx, job.ID, cause, true)
	}
	if err != nil && errors.Is(err, jobqueue.ErrJobCancelled) {
		p.log.Info("job_cancelled_during_upload", zap.String("job_id", job.ID))
	}
}

func sessionPoolID(s *browserpool.Session) string {
	if s == nil {
		return ""
	}
	return s.PoolID
}
