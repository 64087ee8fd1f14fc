// Package orchestrator composes the job queue, account store, selector,
// browser pool, recovery engine, breaker registry, upload worker pool and
// progress hub into the single object a CLI or HTTP surface drives: one
// struct owning queue, registries, and handlers.
package orchestrator

import (
	"context"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/accountstore"
	"github.com/ImViper/youtube-uploader-sub002/internal/breaker"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserpool"
	"github.com/ImViper/youtube-uploader-sub002/internal/jobqueue"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/metrics"
	"github.com/ImViper/youtube-uploader-sub002/internal/progresshub"
	"github.com/ImViper/youtube-uploader-sub002/internal/supervisor"
	"github.com/ImViper/youtube-uploader-sub002/internal/uploadworker"
)

// SystemStatus is a point-in-time snapshot across every subsystem, returned
// by Orchestrator.SystemStatus.
type SystemStatus struct {
	Accounts    accountstore.Counts
	Queue       jobqueue.Stats
	Sessions    browserpool.Metrics
	Connections int
}

// Orchestrator is the top-level facade the operator surface (CLI, HTTP API)
// drives. It does not run its own goroutines beyond what the upload worker
// pool starts; Start launches the worker pool and Shutdown delegates to
// the supervisor.
type Orchestrator struct {
	Queue      *jobqueue.Queue
	Accounts   *accountstore.Store
	Pool       *browserpool.Pool
	Breaker    *breaker.Registry
	Hub        *progresshub.Hub
	Workers    *uploadworker.Pool
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Collector

	log *logging.Logger
}

// New builds an Orchestrator from already-constructed subsystems; wiring
// them together (choosing concrete drivers, opening the DB, dialing Redis)
// is the entrypoint's job, not this package's. collector may be nil to run
// without metrics.
func New(queue *jobqueue.Queue, accounts *accountstore.Store, pool *browserpool.Pool, br *breaker.Registry, hub *progresshub.Hub, workers *uploadworker.Pool, sup *supervisor.Supervisor, collector *metrics.Collector, log *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		Queue: queue, Accounts: accounts, Pool: pool, Breaker: br, Hub: hub,
		Workers: workers, Supervisor: sup, Metrics: collector, log: log,
	}
	sup.Register("upload_workers", stopperFunc(workers.Stop))
	if collector != nil {
		workers.SetMetrics(collector)
	}
	return o
}

type stopperFunc func(timeout time.Duration) error

func (f stopperFunc) Stop(timeout time.Duration) error { return f(timeout) }

// Start launches the upload worker pool.
func (o *Orchestrator) Start() {
	o.Workers.Start()
}

// Shutdown stops every registered subsystem through the supervisor.
func (o *Orchestrator) Shutdown() error {
	return o.Supervisor.Shutdown()
}

// Submit enqueues a single upload job.
func (o *Orchestrator) Submit(ctx context.Context, spec jobqueue.VideoSpec, opts jobqueue.EnqueueOptions) (*jobqueue.Job, error) {
	job, err := o.Queue.Enqueue(ctx, spec, opts)
	if err == nil && o.Metrics != nil {
		o.Metrics.RecordSubmitted()
	}
	return job, err
}

// SubmitBatch enqueues many jobs, round-robining across pinnedAccountIDs
// when provided.
func (o *Orchestrator) SubmitBatch(ctx context.Context, specs []jobqueue.VideoSpec, opts jobqueue.EnqueueOptions, pinnedAccountIDs []string) ([]*jobqueue.Job, error) {
	jobs, err := o.Queue.EnqueueBatch(ctx, specs, opts, pinnedAccountIDs)
	if o.Metrics != nil {
		for range jobs {
			o.Metrics.RecordSubmitted()
		}
	}
	return jobs, err
}

// Cancel cancels a job unless it is already completed; cancelling an
// already-cancelled job succeeds without change, and a failed job can
// still be moved to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	return o.Queue.Cancel(ctx, jobID)
}

// Retry resets a failed job's attempt count and re-queues it immediately.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	return o.Queue.RetryLater(ctx, jobID, 0)
}

// Status returns a single job's current record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*jobqueue.Job, error) {
	return o.Queue.Get(ctx, jobID)
}

// ListAccounts lists accounts, optionally filtered by status.
func (o *Orchestrator) ListAccounts(ctx context.Context, filter accountstore.ListFilter) ([]*accountstore.Account, error) {
	return o.Accounts.List(ctx, filter)
}

// UpsertAccount creates a new account record with the given plaintext
// credentials. Existing accounts are managed through UpdateStatus /
// UpdateHealth directly; this facade only exposes creation and disabling,
// matching the operations the facade exposes.
func (o *Orchestrator) UpsertAccount(ctx context.Context, account *accountstore.Account, plaintextCredentials []byte) error {
	return o.Accounts.Create(ctx, account, plaintextCredentials)
}

// DisableAccount marks an account suspended, removing it from selection
// until an operator reinstates it.
func (o *Orchestrator) DisableAccount(ctx context.Context, accountID string) error {
	return o.Accounts.UpdateStatus(ctx, accountID, accountstore.StatusSuspended)
}

// Pause stops new jobs from being dequeued without disturbing in-flight
// work.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.Queue.Pause(ctx)
}

// Resume re-enables dequeuing after Pause.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.Queue.Resume(ctx)
}

// SystemStatus snapshots the queue, session pool and progress-hub
// connection count in one call.
func (o *Orchestrator) SystemStatus(ctx context.Context) (SystemStatus, error) {
	qs, err := o.Queue.Stats(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	accounts, err := o.Accounts.CountByStatus(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	sessions := o.Pool.CurrentMetrics()

	if o.Metrics != nil {
		o.Metrics.SetQueueDepth("ready", qs.Ready)
		o.Metrics.SetQueueDepth("delayed", qs.Delayed)
		o.Metrics.SetPoolSessions("idle", sessions.Idle)
		o.Metrics.SetPoolSessions("busy", sessions.Busy)
		o.Metrics.SetPoolSessions("error", sessions.Error)
	}

	return SystemStatus{
		Accounts:    accounts,
		Queue:       qs,
		Sessions:    sessions,
		Connections: o.Hub.ConnectionCount(),
	}, nil
}
