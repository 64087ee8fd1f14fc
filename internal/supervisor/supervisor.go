// Package supervisor owns process-lifetime concerns that don't belong to any
// one component: OS signal handling, coordinated shutdown of every
// long-running subsystem, and a rolling count of error categories used to
// decide when an operator should be paged. Shutdown choreography follows a
// signal-channel-plus-context-cancel pattern: cancel, then wait with a
// deadline.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/logging"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
	"go.uber.org/zap"
)

// Stoppable is any subsystem the supervisor shuts down on exit. The name
// passed to Register alongside it is used only for logging.
type Stoppable interface {
	Stop(timeout time.Duration) error
}

// AlertThresholds configures when RecordError should report a category as
// over budget. Window bounds how far back counts are considered.
type AlertThresholds struct {
	Window       time.Duration
	MaxPerWindow map[orcherr.Kind]int
}

// Supervisor coordinates graceful shutdown and tracks error rates across the
// system for alerting.
type Supervisor struct {
	log       *logging.Logger
	shutdowns []namedStoppable
	timeout   time.Duration

	thresholds AlertThresholds
	mu         sync.Mutex
	events     map[orcherr.Kind][]time.Time
}

type namedStoppable struct {
	name string
	s    Stoppable
}

// New builds a Supervisor. shutdownTimeout bounds how long Shutdown waits
// for every registered subsystem combined before giving up.
func New(log *logging.Logger, shutdownTimeout time.Duration, thresholds AlertThresholds) *Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Supervisor{
		log:        log,
		timeout:    shutdownTimeout,
		thresholds: thresholds,
		events:     make(map[orcherr.Kind][]time.Time),
	}
}

// Register adds a subsystem to be stopped, in registration order, during
// Shutdown.
func (s *Supervisor) Register(name string, stoppable Stoppable) {
	s.shutdowns = append(s.shutdowns, namedStoppable{name: name, s: stoppable})
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, then returns.
func (s *Supervisor) WaitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.log.Info("shutdown_signal_received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
}

// Shutdown stops every registered subsystem in reverse registration order,
// each bounded by its own share of the overall timeout. A subsystem that
// fails to stop in time is logged and skipped rather than blocking the
// others.
func (s *Supervisor) Shutdown() error {
	if len(s.shutdowns) == 0 {
		return nil
	}
	per := s.timeout / time.Duration(len(s.shutdowns))
	if per <= 0 {
		per = time.Second
	}

	var firstErr error
	for i := len(s.shutdowns) - 1; i >= 0; i-- {
		n := s.shutdowns[i]
		s.log.Info("shutting_down", zap.String("component", n.name))
		if err := n.s.Stop(per); err != nil {
			s.log.Warn("shutdown_component_failed", zap.String("component", n.name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", n.name, err)
			}
			continue
		}
		s.log.Info("shut_down", zap.String("component", n.name))
	}
	return firstErr
}

// RecordError tallies an error kind for alert-threshold evaluation and
// returns true if this kind has exceeded its configured budget within the
// current window.
func (s *Supervisor) RecordError(kind orcherr.Kind) bool {
	limit, ok := s.thresholds.MaxPerWindow[kind]
	if !ok || limit <= 0 {
		return false
	}
	window := s.thresholds.Window
	if window <= 0 {
		window = time.Minute
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.events[kind][:0]
	for _, t := range s.events[kind] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.events[kind] = kept

	return len(kept) > limit
}

// ErrorCount reports how many events of kind are currently within the
// window.
func (s *Supervisor) ErrorCount(kind orcherr.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[kind])
}
