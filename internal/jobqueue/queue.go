// Package jobqueue is the durable, priority-ordered job queue: SQLite holds
// the authoritative job/history rows, Redis sorted sets hold lane ordering,
// delayed-release scores, per-account rate-limit counters, and lease keys.
// SQL plays the role of the durable record, Redis plays the role of the
// in-memory queue ordering and dispatch signaling.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

// Status is a job's position in its status machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// VideoSpec is the persisted video descriptor a job carries.
type VideoSpec struct {
	Title       string
	SourcePath  string
	Description string
	Tags        []string
	Privacy     string
}

// Job is the durable record plus queue bookkeeping.
type Job struct {
	ID              string
	Spec            VideoSpec
	PinnedAccountID string
	Priority        int
	Attempts        int
	MaxAttempts     int
	ScheduledFor    time.Time
	Status          Status
	LastError       string
	Result          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnqueueOptions tunes one enqueue call.
type EnqueueOptions struct {
	Priority        int // 1-10, lower dequeues first; 0 is treated as unset and becomes 5
	PinnedAccountID string
	MaxAttempts     int // default 3
	ScheduledFor    time.Time
	ID              string // caller-supplied id, generated if empty
}

// RateLimit bounds per-account throughput over a sliding window.
type RateLimit struct {
	Max      int
	Duration time.Duration
}

// Config tunes the queue's retry/backoff/removal policy.
type Config struct {
	BackoffBase   time.Duration // default 2s
	BackoffCap    time.Duration // default 60s
	LeaseDuration time.Duration // default 5m; TTL of a job's lease key (an expired lease does not return the job to the ready lane)
	AccountLimit  RateLimit
}

// Queue is the durable priority job queue.
type Queue struct {
	db    *sql.DB
	rdb   redis.Cmdable
	cfg   Config
	idGen func() string
}

const (
	readyKey   = "orch:jobs:ready"   // sorted set, score = priority*1e13 + unix ready time
	delayedKey = "orch:jobs:delayed" // sorted set, score = unix scheduled time
	pausedKey  = "orch:jobs:paused"  // string flag key
	leasePrefix = "orch:jobs:lease:"
	rateLimitPrefix = "orch:ratelimit:"
)

// New builds a Queue over an already-migrated *sql.DB (see internal/store)
// and a Redis client (production: go-redis; tests: miniredis-backed client).
func New(db *sql.DB, rdb redis.Cmdable, cfg Config) *Queue {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	return &Queue{db: db, rdb: rdb, cfg: cfg, idGen: newJobID}
}

func newJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("job-%x", b)
}

// Enqueue persists job and makes it visible for dequeue (or delayed, if
// ScheduledFor is in the future).
func (q *Queue) Enqueue(ctx context.Context, spec VideoSpec, opts EnqueueOptions) (*Job, error) {
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.ScheduledFor.IsZero() {
		opts.ScheduledFor = time.Now()
	}
	id := opts.ID
	if id == "" {
		id = q.idGen()
	}

	tags, _ := json.Marshal(spec.Tags)
	now := time.Now()
	_, err := q.db.ExecContext(ctx, `INSERT INTO jobs
		(id, title, source_path, description, tags, privacy, schedule_time, pinned_account_id, priority, attempts, max_attempts, scheduled_for, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id, spec.Title, spec.SourcePath, spec.Description, string(tags), spec.Privacy, opts.ScheduledFor.Unix(),
		nullableString(opts.PinnedAccountID), opts.Priority, opts.MaxAttempts, opts.ScheduledFor.Unix(), StatusQueued,
		now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := q.publish(ctx, id, opts.Priority, opts.ScheduledFor); err != nil {
		return nil, err
	}

	return q.Get(ctx, id)
}

// EnqueueBatch enqueues multiple specs, assigning pinned accounts
// round-robin across pins if more specs than pins are supplied.
func (q *Queue) EnqueueBatch(ctx context.Context, specs []VideoSpec, opts EnqueueOptions, pins []string) ([]*Job, error) {
	jobs := make([]*Job, 0, len(specs))
	for i, spec := range specs {
		o := opts
		if len(pins) > 0 {
			o.PinnedAccountID = pins[i%len(pins)]
		}
		o.ID = ""
		j, err := q.Enqueue(ctx, spec, o)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *Queue) publish(ctx context.Context, id string, priority int, scheduledFor time.Time) error {
	if scheduledFor.After(time.Now()) {
		return q.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(scheduledFor.Unix()), Member: id}).Err()
	}
	score := float64(priority)*1e13 + float64(scheduledFor.Unix())
	return q.rdb.ZAdd(ctx, readyKey, redis.Z{Score: score, Member: id}).Err()
}

// PromoteDelayed moves delayed jobs whose scheduled time has arrived into
// the ready lane. The upload workers call it before each dequeue attempt,
// so it runs at their poll interval.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := q.rdb.ZRem(ctx, delayedKey, id).Err(); err != nil {
			continue
		}
		score := float64(job.Priority)*1e13 + now
		if err := q.rdb.ZAdd(ctx, readyKey, redis.Z{Score: score, Member: id}).Err(); err == nil {
			moved++
		}
	}
	return moved, nil
}

// Dequeue claims the highest-priority ready job for workerID, granting a
// time-bounded lease. Blocked entirely if the queue is paused.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	paused, err := q.rdb.Exists(ctx, pausedKey).Result()
	if err != nil {
		return nil, err
	}
	if paused > 0 {
		return nil, orcherr.New(orcherr.KindBusy, "", "queue paused")
	}

	ids, err := q.rdb.ZRangeWithScores(ctx, readyKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, z := range ids {
		id := z.Member.(string)
		leaseSet, err := q.rdb.SetNX(ctx, leasePrefix+id, workerID, q.cfg.LeaseDuration).Result()
		if err != nil || !leaseSet {
			continue
		}
		if err := q.rdb.ZRem(ctx, readyKey, id).Err(); err != nil {
			q.rdb.Del(ctx, leasePrefix+id)
			continue
		}
		if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusActive, time.Now().Unix(), id, StatusQueued); err != nil {
			return nil, err
		}
		return q.Get(ctx, id)
	}
	return nil, orcherr.New(orcherr.KindNoAccount, "", "no ready jobs")
}

// AllowAccount checks (and, if allowed, consumes one slot of) the sliding
// per-account rate limit. A zero-valued RateLimit disables the check.
func (q *Queue) AllowAccount(ctx context.Context, accountID string) (bool, error) {
	if q.cfg.AccountLimit.Max <= 0 {
		return true, nil
	}
	key := rateLimitPrefix + accountID
	now := time.Now()
	if err := q.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-q.cfg.AccountLimit.Duration).UnixMilli())).Err(); err != nil {
		return false, err
	}
	n, err := q.rdb.ZCard(ctx, key).Result()
	if err != nil || n >= int64(q.cfg.AccountLimit.Max) {
		return false, err
	}
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
	if err := q.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err(); err != nil {
		return false, err
	}
	q.rdb.Expire(ctx, key, q.cfg.AccountLimit.Duration)
	return true, nil
}

// ErrJobCancelled is returned by Ack/Nack when the job was cancelled out
// from under an in-flight worker: its status already moved to cancelled
// and the completion/failure result is discarded rather than overwriting it.
var ErrJobCancelled = errors.New("jobqueue: job was cancelled")

// Ack marks a leased job terminal-completed and releases its lease. A
// concurrent Cancel always wins: if the row already moved to cancelled,
// Ack leaves it alone and reports ErrJobCancelled.
func (q *Queue) Ack(ctx context.Context, id, result string) error {
	q.rdb.Del(ctx, leasePrefix+id)
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE id = ? AND status != ?`,
		StatusCompleted, result, time.Now().Unix(), id, StatusCancelled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobCancelled
	}
	return nil
}

// Nack reports a failed attempt. If attempts remain, the job is
// re-released to the delayed lane with exponential backoff (+/-20%
// jitter); otherwise it is marked terminal-failed (the dead-letter lane is
// simply status=failed rows, never re-dequeued). A concurrent Cancel
// always wins: every UPDATE branch excludes rows already cancelled and
// reports ErrJobCancelled rather than reviving them.
func (q *Queue) Nack(ctx context.Context, id string, failErr error, countsAsAttempt bool) error {
	q.rdb.Del(ctx, leasePrefix+id)

	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusCancelled {
		return ErrJobCancelled
	}

	msg := ""
	if failErr != nil {
		msg = failErr.Error()
	}

	if !countsAsAttempt || (failErr != nil && !orcherr.IsRetryable(failErr)) {
		if !orcherr.IsRetryable(failErr) {
			res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status != ?`,
				StatusFailed, msg, time.Now().Unix(), id, StatusCancelled)
			if err != nil {
				return err
			}
			return cancelledIfNoRows(res)
		}
		res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status != ?`,
			StatusQueued, msg, time.Now().Unix(), id, StatusCancelled)
		if err != nil {
			return err
		}
		if err := cancelledIfNoRows(res); err != nil {
			return err
		}
		return q.publish(ctx, id, job.Priority, time.Now().Add(5*time.Second))
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ? AND status != ?`,
			StatusFailed, attempts, msg, time.Now().Unix(), id, StatusCancelled)
		if err != nil {
			return err
		}
		return cancelledIfNoRows(res)
	}

	delay := backoffDelay(q.cfg.BackoffBase, q.cfg.BackoffCap, attempts)
	scheduledFor := time.Now().Add(delay)
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = ?, last_error = ?, scheduled_for = ?, updated_at = ? WHERE id = ? AND status != ?`,
		StatusQueued, attempts, msg, scheduledFor.Unix(), time.Now().Unix(), id, StatusCancelled)
	if err != nil {
		return err
	}
	if err := cancelledIfNoRows(res); err != nil {
		return err
	}
	return q.publish(ctx, id, job.Priority, scheduledFor)
}

func cancelledIfNoRows(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobCancelled
	}
	return nil
}

// RetryLater re-releases a job (typically from Failed, by an operator call)
// with an explicit delay, resetting attempts to zero. A concurrent Cancel
// always wins: a cancelled job is left alone and reports ErrJobCancelled.
func (q *Queue) RetryLater(ctx context.Context, id string, delay time.Duration) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusCancelled {
		return ErrJobCancelled
	}
	scheduledFor := time.Now().Add(delay)
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = 0, last_error = NULL, scheduled_for = ?, updated_at = ? WHERE id = ? AND status != ?`,
		StatusQueued, scheduledFor.Unix(), time.Now().Unix(), id, StatusCancelled)
	if err != nil {
		return err
	}
	if err := cancelledIfNoRows(res); err != nil {
		return err
	}
	return q.publish(ctx, id, job.Priority, scheduledFor)
}

// Cancel terminal-cancels a job and drops any pending lane entry. Calling
// it again on an already-cancelled job returns nil.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.rdb.ZRem(ctx, readyKey, id)
	q.rdb.ZRem(ctx, delayedKey, id)
	q.rdb.Del(ctx, leasePrefix+id)
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		StatusCancelled, time.Now().Unix(), id, StatusCompleted, StatusCancelled)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status Status
		if err := q.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err == nil && status == StatusCancelled {
			return nil
		}
		return errors.New("jobqueue: job not cancellable")
	}
	return nil
}

// Pause stops Dequeue from returning jobs without affecting enqueue/ack.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, pausedKey, "1", 0).Err()
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, pausedKey).Err()
}

// Get fetches one job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT id, title, source_path, description, tags, privacy, pinned_account_id,
		priority, attempts, max_attempts, scheduled_for, status, last_error, result, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs matching status (any status if empty), most recent first.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, title, source_path, description, tags, privacy, pinned_account_id,
		priority, attempts, max_attempts, scheduled_for, status, last_error, result, created_at, updated_at
		FROM jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Stats is a point-in-time summary of queue depth by lane, combining
// Redis's live ready/delayed ordering with SQLite's authoritative
// per-status job counts.
type Stats struct {
	Ready     int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
	Paused    bool
}

// Stats returns current lane depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.rdb.ZCard(ctx, readyKey).Result()
	if err != nil {
		return Stats{}, err
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return Stats{}, err
	}
	paused, err := q.rdb.Exists(ctx, pausedKey).Result()
	if err != nil {
		return Stats{}, err
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE status IN (?, ?, ?) GROUP BY status`,
		StatusActive, StatusCompleted, StatusFailed)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	stats := Stats{Ready: ready, Delayed: delayed, Paused: paused > 0}
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusActive:
			stats.Active = n
		case StatusCompleted:
			stats.Completed = n
		case StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// RecordHistory appends an immutable outcome row.
func (q *Queue) RecordHistory(ctx context.Context, jobID, accountID, sessionPoolID string, success bool, duration time.Duration, errSummary string, started, finished time.Time) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO history
		(job_id, account_id, session_pool_id, success, duration_ms, error_summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, nullableString(accountID), nullableString(sessionPoolID), boolToInt(success), duration.Milliseconds(),
		nullableString(errSummary), started.Unix(), finished.Unix())
	return err
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var tags, pinned, lastErr, result sql.NullString
	var scheduledFor, createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.Spec.Title, &j.Spec.SourcePath, &j.Spec.Description, &tags, &j.Spec.Privacy,
		&pinned, &j.Priority, &j.Attempts, &j.MaxAttempts, &scheduledFor, &j.Status, &lastErr, &result, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("jobqueue: job not found")
	}
	if err != nil {
		return nil, err
	}
	fillJob(&j, tags, pinned, lastErr, result, scheduledFor, createdAt, updatedAt)
	return &j, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	var j Job
	var tags, pinned, lastErr, result sql.NullString
	var scheduledFor, createdAt, updatedAt int64
	err := rows.Scan(&j.ID, &j.Spec.Title, &j.Spec.SourcePath, &j.Spec.Description, &tags, &j.Spec.Privacy,
		&pinned, &j.Priority, &j.Attempts, &j.MaxAttempts, &scheduledFor, &j.Status, &lastErr, &result, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	fillJob(&j, tags, pinned, lastErr, result, scheduledFor, createdAt, updatedAt)
	return &j, nil
}

func fillJob(j *Job, tags, pinned, lastErr, result sql.NullString, scheduledFor, createdAt, updatedAt int64) {
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &j.Spec.Tags)
	}
	j.PinnedAccountID = pinned.String
	j.LastError = lastErr.String
	j.Result = result.String
	j.ScheduledFor = time.Unix(scheduledFor, 0)
	j.CreatedAt = time.Unix(createdAt, 0)
	j.UpdatedAt = time.Unix(updatedAt, 0)
}

func backoffDelay(base, capAt time.Duration, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > float64(capAt) {
		d = float64(capAt)
	}
	jitter := d * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
