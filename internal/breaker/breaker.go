// Package breaker implements a per-resource circuit breaker with
// closed/open/half-open transitions driven by a rolling failure-rate
// window rather than a bare consecutive-failure count.
package breaker

import (
	"sync"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes one breaker's trip/reset policy. The breaker trips on
// whichever of the two conditions fires first: ConsecutiveThreshold
// back-to-back failures, or a rolling failure rate above FailureThreshold
// once VolumeThreshold outcomes have accumulated within Window.
type Config struct {
	ConsecutiveThreshold int
	FailureThreshold     float64
	VolumeThreshold      int
	Window               time.Duration
	// ResetTimeout is how long Open holds before allowing a half-open probe.
	ResetTimeout time.Duration
	// SuccessesToClose is how many consecutive half-open successes close the breaker.
	SuccessesToClose int
}

// DefaultConfig mirrors the per-resource breaker defaults.
func DefaultConfig() Config {
	return Config{
		ConsecutiveThreshold: 5,
		FailureThreshold:     0.5,
		VolumeThreshold:      10,
		Window:               5 * time.Minute,
		ResetTimeout:         60 * time.Second,
		SuccessesToClose:     3,
	}
}

type outcome struct {
	at      time.Time
	success bool
}

type breakerState struct {
	mu                sync.Mutex
	state             State
	outcomes          []outcome
	openedAt          time.Time
	halfOpenSuccess   int
	consecutiveFailed int
	window            time.Duration
}

// Registry holds one breaker per resource key (window name, account id, or
// any other string the caller chooses to isolate failures by).
type Registry struct {
	cfg Config

	mu    sync.Mutex
	byKey map[string]*breakerState
}

// NewRegistry builds a Registry using cfg for every resource key.
func NewRegistry(cfg Config) *Registry {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{cfg: cfg, byKey: make(map[string]*breakerState)}
}

func (r *Registry) get(key string) *breakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byKey[key]
	if !ok {
		b = &breakerState{state: Closed, window: r.cfg.Window}
		r.byKey[key] = b
	}
	return b
}

// Allow reports whether a call against key should proceed. It transitions
// Open -> HalfOpen once ResetTimeout has elapsed.
func (r *Registry) Allow(key string) (bool, error) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, nil
	case Open:
		if time.Since(b.openedAt) > r.cfg.ResetTimeout {
			b.state = HalfOpen
			b.halfOpenSuccess = 0
			return true, nil
		}
		return false, orcherr.New(orcherr.KindBreakerOpen, key, "circuit breaker open")
	case HalfOpen:
		return true, nil
	}
	return true, nil
}

// RecordSuccess records a successful call against key.
func (r *Registry) RecordSuccess(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outcomes = append(b.outcomes, outcome{at: time.Now(), success: true})
	b.trim()
	b.consecutiveFailed = 0

	if b.state == HalfOpen {
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= r.cfg.SuccessesToClose {
			b.state = Closed
			b.outcomes = nil
		}
	}
}

// RecordFailure records a failed call against key and trips the breaker
// after ConsecutiveThreshold back-to-back failures, or when the rolling
// failure rate over Window crosses FailureThreshold once at least
// VolumeThreshold outcomes have accumulated. A failure observed while
// HalfOpen reopens immediately.
func (r *Registry) RecordFailure(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outcomes = append(b.outcomes, outcome{at: time.Now(), success: false})
	b.trim()
	b.consecutiveFailed++

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		return
	}

	if r.cfg.ConsecutiveThreshold > 0 && b.consecutiveFailed >= r.cfg.ConsecutiveThreshold {
		b.state = Open
		b.openedAt = time.Now()
		return
	}

	if len(b.outcomes) < r.cfg.VolumeThreshold {
		return
	}
	if failureRate(b.outcomes) > r.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}

// State returns the current state for key.
func (r *Registry) State(key string) State {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breakerState) trim() {
	if b.window <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = b.outcomes[i:]
	}
}

func failureRate(outcomes []outcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, o := range outcomes {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(outcomes))
}
