// Package browserpool owns live browser sessions keyed by window-name. It
// creates, reuses, health-checks, and disposes them through the
// browserclient control client, and enforces one exclusive lease per window-name
// at a time.
package browserpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ImViper/youtube-uploader-sub002/internal/browserclient"
	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

// SessionState is the lifecycle state of one pooled session.
type SessionState string

const (
	StateIdle  SessionState = "idle"
	StateBusy  SessionState = "busy"
	StateError SessionState = "error"
)

// Session is a live connection to an open window.
type Session struct {
	PoolID       string
	WindowID     string
	WindowName   string
	DebugHTTP    string
	AccountID    string
	State        SessionState
	UploadCount  int64
	ErrorCount   int64
	LastActivity time.Time
	IsLoggedIn   bool

	mu       sync.Mutex
	evicting bool
}

// Metrics is a point-in-time count of sessions by state.
type Metrics struct {
	Idle  int
	Busy  int
	Error int
	Total int
}

// LoginProbe checks whether a session's browser profile is already
// authenticated against the target platform. Injected so tests can fake it
// without a real browser; production wiring drives it via chromedp against
// the session's CDP debug endpoint.
type LoginProbe func(ctx context.Context, debugHTTP string) (bool, error)

// Pool maintains the window-name -> Session mapping.
type Pool struct {
	client      *browserclient.Client
	log         *logging.Logger
	probe       LoginProbe
	maxSessions int
	leaseWait   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session      // keyed by window name
	locks    map[string]chan struct{} // keyed by window name, capacity 1, token-based

	sem     chan struct{}
	nextID  int64
	idle    int64
	busy    int64
	errored int64
}

// New builds a Pool. maxSessions bounds concurrently live sessions;
// leaseWait bounds how long leaseByName blocks on a busy name.
func New(client *browserclient.Client, log *logging.Logger, maxSessions int, leaseWait time.Duration, probe LoginProbe) *Pool {
	if maxSessions <= 0 {
		maxSessions = 20
	}
	if probe == nil {
		probe = defaultChromedpProbe
	}
	return &Pool{
		client:      client,
		log:         log,
		probe:       probe,
		maxSessions: maxSessions,
		leaseWait:   leaseWait,
		sessions:    make(map[string]*Session),
		locks:       make(map[string]chan struct{}),
		sem:         make(chan struct{}, maxSessions),
	}
}

func (p *Pool) nameLock(name string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[name]
	if !ok {
		l = make(chan struct{}, 1)
		p.locks[name] = l
	}
	return l
}

// LeaseByName returns an exclusive lease on the session bound to name,
// opening one if it doesn't exist yet. Blocks up to the pool's leaseWait if
// another caller currently holds the name's lock. The lock is a
// capacity-1 token channel rather than a sync.Mutex so a timed-out waiter
// simply never sends a token in and never affects the current holder; a
// goroutine blocked on Mutex.Lock past a timeout would acquire it later
// with nothing left to release it.
func (p *Pool) LeaseByName(ctx context.Context, name string) (*Session, error) {
	lock := p.nameLock(name)

	waitCtx := ctx
	var cancel context.CancelFunc
	if p.leaseWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.leaseWait)
		defer cancel()
	}

	select {
	case lock <- struct{}{}:
	case <-waitCtx.Done():
		return nil, orcherr.New(orcherr.KindBusy, name, "window busy")
	}

	sess, err := p.getOrOpen(ctx, name)
	if err != nil {
		<-lock
		return nil, err
	}
	sess.mu.Lock()
	sess.State = StateBusy
	sess.mu.Unlock()
	atomic.AddInt64(&p.busy, 1)
	atomic.AddInt64(&p.idle, -1)
	return sess, nil
}

func (p *Pool) getOrOpen(ctx context.Context, name string) (*Session, error) {
	p.mu.Lock()
	existing, ok := p.sessions[name]
	p.mu.Unlock()
	if ok {
		existing.mu.Lock()
		evicting := existing.evicting
		existing.mu.Unlock()
		if !evicting {
			return existing, nil
		}
		p.destroy(existing)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	opened, err := p.client.OpenWindow(ctx, name)
	if err != nil {
		<-p.sem
		return nil, orcherr.Wrap(orcherr.KindBrowser, name, err)
	}

	loggedIn, err := p.probe(ctx, opened.HTTP)
	if err != nil {
		loggedIn = false
	}

	p.nextID++
	sess := &Session{
		PoolID:       fmt.Sprintf("sess-%d", p.nextID),
		WindowID:     opened.WindowID,
		WindowName:   name,
		DebugHTTP:    opened.HTTP,
		State:        StateIdle,
		LastActivity: time.Now(),
		IsLoggedIn:   loggedIn,
	}

	p.mu.Lock()
	p.sessions[name] = sess
	p.mu.Unlock()
	atomic.AddInt64(&p.idle, 1)

	p.log.Info("browser_session_opened", zap.String("window_name", name), zap.Bool("logged_in", loggedIn))
	return sess, nil
}

// Release returns the lease without closing the session; it stays warm for
// the next LeaseByName on the same name.
func (p *Pool) Release(session *Session) {
	if session == nil {
		return
	}
	lock := p.nameLock(session.WindowName)
	defer func() { <-lock }()

	session.mu.Lock()
	evict := session.evicting
	session.State = StateIdle
	session.LastActivity = time.Now()
	session.mu.Unlock()

	atomic.AddInt64(&p.busy, -1)
	atomic.AddInt64(&p.idle, 1)

	if evict {
		p.destroy(session)
	}
}

// HealthCheck runs the pool's login probe against the session's debug
// endpoint; it does not navigate the page.
func (p *Pool) HealthCheck(ctx context.Context, session *Session) bool {
	if session == nil {
		return false
	}
	ok, err := p.probe(ctx, session.DebugHTTP)
	if err != nil || !ok {
		session.mu.Lock()
		session.ErrorCount++
		session.State = StateError
		session.mu.Unlock()
		atomic.AddInt64(&p.errored, 1)
		return false
	}
	return true
}

// Evict marks session for disposal on next release; a subsequent
// LeaseByName for the same name rebuilds it from scratch.
func (p *Pool) Evict(session *Session) {
	if session == nil {
		return
	}
	session.mu.Lock()
	session.evicting = true
	session.mu.Unlock()
}

func (p *Pool) destroy(session *Session) {
	p.mu.Lock()
	if p.sessions[session.WindowName] == session {
		delete(p.sessions, session.WindowName)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.CloseWindow(ctx, session.WindowID); err != nil {
		p.log.Warn("browser_session_close_failed", zap.String("window_name", session.WindowName))
	}

	select {
	case <-p.sem:
	default:
	}
	atomic.AddInt64(&p.idle, -1)
}

// CurrentMetrics snapshots session counts by state.
func (p *Pool) CurrentMetrics() Metrics {
	idle := atomic.LoadInt64(&p.idle)
	busy := atomic.LoadInt64(&p.busy)
	errored := atomic.LoadInt64(&p.errored)
	if idle < 0 {
		idle = 0
	}
	return Metrics{Idle: int(idle), Busy: int(busy), Error: int(errored), Total: int(idle + busy)}
}

// defaultChromedpProbe dials the session's CDP debug endpoint through a
// remote allocator (never launching a browser process; that belongs to
// the external control plane) and checks for a DOM marker left by a
// logged-in session.
func defaultChromedpProbe(ctx context.Context, debugHTTP string) (bool, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, debugHTTP)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	probeCtx, cancelTimeout := context.WithTimeout(taskCtx, 10*time.Second)
	defer cancelTimeout()

	var loggedIn bool
	err := chromedp.Run(probeCtx,
		chromedp.Evaluate(`!!document.querySelector('[data-authenticated], ytd-masthead #avatar-btn')`, &loggedIn),
	)
	if err != nil {
		return false, err
	}
	return loggedIn, nil
}
