// Package recovery classifies errors surfaced anywhere in the pipeline and
// dispatches them to a per-category strategy, recording every action it
// takes for diagnostics.
package recovery

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ImViper/youtube-uploader-sub002/internal/accountstore"
	"github.com/ImViper/youtube-uploader-sub002/internal/breaker"
	"github.com/ImViper/youtube-uploader-sub002/internal/browserpool"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
	"github.com/ImViper/youtube-uploader-sub002/internal/supervisor"
)

// Class is the coarse error category the engine dispatches on.
type Class string

const (
	ClassBrowser Class = "browser"
	ClassAccount Class = "account"
	ClassTask    Class = "task"
	ClassNetwork Class = "network"
)

// Action records one recovery attempt for diagnostics.
type Action struct {
	Class      Class
	ResourceID string
	Name       string
	Success    bool
	Duration   time.Duration
	Message    string
	At         time.Time
}

// Engine dispatches classified errors to recovery strategies and keeps a
// bounded in-memory log plus a persisted recovery_log table.
type Engine struct {
	db      *sql.DB
	pool    *browserpool.Pool
	accts   *accountstore.Store
	breaker *breaker.Registry
	log     *logging.Logger
	sup     *supervisor.Supervisor

	// networkSchedule is the fixed delay-retry ladder for
	// coordinator-side connectivity errors.
	networkSchedule []time.Duration

	mu     sync.Mutex
	recent map[string][]Action // key = class:resourceID, capped at 10
}

// New builds an Engine.
func New(db *sql.DB, pool *browserpool.Pool, accts *accountstore.Store, br *breaker.Registry, log *logging.Logger) *Engine {
	return &Engine{
		db:      db,
		pool:    pool,
		accts:   accts,
		breaker: br,
		log:     log,
		networkSchedule: []time.Duration{
			1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
		},
		recent: make(map[string][]Action),
	}
}

// SetSupervisor attaches a Supervisor so Handle can feed it error-kind
// counts for alert-threshold tracking. Optional; nil-safe if never called.
func (e *Engine) SetSupervisor(sup *supervisor.Supervisor) {
	e.sup = sup
}

// Outcome tells the caller what to do next after recovery has run.
type Outcome struct {
	RetryJob     bool
	RetryDelay   time.Duration
	TerminalFail bool
}

// Handle classifies err against session/account context and applies the
// matching strategy. resourceID keys the action log (window name for
// browser/network errors, account id for account errors). pinned marks
// whether the failing job is pinned to accountID, which forecloses
// rerouting an account-class failure to a different account.
func (e *Engine) Handle(ctx context.Context, err error, session *browserpool.Session, accountID string, pinned bool, attemptsRemaining int) Outcome {
	start := time.Now()
	kind := orcherr.KindOf(err)

	var class Class
	var outcome Outcome
	var actionName string
	var resourceID string
	var actionErr error

	switch kind {
	case orcherr.KindBrowser:
		class = ClassBrowser
		resourceID = sessionWindowName(session)
		actionName, outcome, actionErr = e.recoverBrowser(ctx, session)
	case orcherr.KindAuth, orcherr.KindSuspended, orcherr.KindRateLimit, orcherr.KindTemporary:
		class = ClassAccount
		resourceID = accountID
		actionName, outcome, actionErr = e.recoverAccount(ctx, accountID, kind, pinned, attemptsRemaining)
	case orcherr.KindNetwork:
		class = ClassNetwork
		resourceID = sessionWindowName(session)
		actionName = "delay_retry"
		outcome = Outcome{RetryJob: true, RetryDelay: e.networkDelay(resourceID)}
	default:
		class = ClassTask
		resourceID = accountID
		actionName, outcome = e.recoverTask(err, attemptsRemaining)
	}

	success := actionErr == nil
	msg := ""
	if actionErr != nil {
		msg = actionErr.Error()
	} else if err != nil {
		msg = err.Error()
	}

	action := Action{
		Class:      class,
		ResourceID: resourceID,
		Name:       actionName,
		Success:    success,
		Duration:   time.Since(start),
		Message:    msg,
		At:         time.Now(),
	}
	e.record(action)
	e.persist(ctx, action)

	if e.sup != nil && e.sup.RecordError(kind) {
		e.log.Warn("error_rate_alert_threshold_exceeded", zap.String("kind", string(kind)), zap.String("resource_id", resourceID))
	}

	return outcome
}

func (e *Engine) recoverBrowser(ctx context.Context, session *browserpool.Session) (string, Outcome, error) {
	if session == nil {
		return "evict_rebuild", Outcome{RetryJob: true, RetryDelay: time.Second}, nil
	}
	e.pool.Evict(session)
	return "evict_rebuild", Outcome{RetryJob: true, RetryDelay: time.Second}, nil
}

// recoverAccount updates the account's status/health for the matching
// error kind, then decides whether the job should reroute to a different
// account or terminal-fail. Auth/suspended/rate-limit all move the account
// out of the eligible pool, so an unpinned job with attempts left is
// rescheduled: the next Dequeue naturally selects a different, still-
// eligible account. Only a pinned job or one out of attempts terminal-fails.
func (e *Engine) recoverAccount(ctx context.Context, accountID string, kind orcherr.Kind, pinned bool, attemptsRemaining int) (string, Outcome, error) {
	if accountID == "" {
		return "mark_account_skip", Outcome{TerminalFail: true}, nil
	}

	var name string
	var statusErr error
	switch kind {
	case orcherr.KindSuspended:
		name = "mark_suspended"
		statusErr = e.accts.UpdateStatus(ctx, accountID, accountstore.StatusSuspended)
	case orcherr.KindRateLimit:
		name = "mark_limited"
		statusErr = e.accts.UpdateStatus(ctx, accountID, accountstore.StatusLimited)
		_ = e.accts.UpdateHealth(ctx, accountID, false) // single decrement; repeated rate-limit hits compound through consecutive calls
	case orcherr.KindAuth:
		name = "mark_needs_attention"
		statusErr = e.accts.UpdateStatus(ctx, accountID, accountstore.StatusNeedsAttention)
	case orcherr.KindTemporary:
		name = "health_penalty"
		statusErr = e.accts.UpdateHealth(ctx, accountID, false)
	default:
		// Defensive fallback: Handle only ever routes the four kinds above
		// into recoverAccount. Treat anything else as a temporary penalty
		// rather than silently dropping it.
		name = "health_penalty"
		statusErr = e.accts.UpdateHealth(ctx, accountID, false)
	}

	if pinned || attemptsRemaining <= 0 {
		return name, Outcome{TerminalFail: true}, statusErr
	}
	return name + "_reselect", Outcome{RetryJob: true, RetryDelay: 2 * time.Second}, statusErr
}

func (e *Engine) recoverTask(err error, attemptsRemaining int) (string, Outcome) {
	if !orcherr.IsRetryable(err) {
		return "terminal_fail", Outcome{TerminalFail: true}
	}
	if attemptsRemaining <= 0 {
		return "terminal_fail_exhausted", Outcome{TerminalFail: true}
	}
	return "reschedule_backoff", Outcome{RetryJob: true, RetryDelay: 2 * time.Second}
}

func (e *Engine) networkDelay(resourceID string) time.Duration {
	e.mu.Lock()
	key := "network:" + resourceID
	attempt := len(e.recent[key])
	e.mu.Unlock()
	if attempt >= len(e.networkSchedule) {
		attempt = len(e.networkSchedule) - 1
	}
	return e.networkSchedule[attempt]
}

func (e *Engine) record(a Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := string(a.Class) + ":" + a.ResourceID
	list := append(e.recent[key], a)
	if len(list) > 10 {
		list = list[len(list)-10:]
	}
	e.recent[key] = list
}

// Recent returns the last (up to 10) actions recorded for a class/resource key.
func (e *Engine) Recent(class Class, resourceID string) []Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := string(class) + ":" + resourceID
	out := make([]Action, len(e.recent[key]))
	copy(out, e.recent[key])
	return out
}

func (e *Engine) persist(ctx context.Context, a Action) {
	_, err := e.db.ExecContext(ctx, `INSERT INTO recovery_log
		(error_class, resource_id, action, success, duration_ms, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Class, a.ResourceID, a.Name, boolToInt(a.Success), a.Duration.Milliseconds(), a.Message, a.At.Unix())
	if err != nil && e.log != nil {
		e.log.Warn("recovery_log_persist_failed")
	}
}

func sessionWindowName(s *browserpool.Session) string {
	if s == nil {
		return ""
	}
	return s.WindowName
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
