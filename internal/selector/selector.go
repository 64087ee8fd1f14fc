// Package selector chooses an eligible account under policy (health, daily
// remaining, status, not currently leased) and serializes concurrent
// selection through an in-memory lease set.
package selector

import (
	"context"
	"sync"

	"github.com/ImViper/youtube-uploader-sub002/internal/accountstore"
	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

// Store is the subset of accountstore.Store the selector depends on.
type Store interface {
	Get(ctx context.Context, id string, decrypt bool) (*accountstore.Account, error)
	GetEligible(ctx context.Context, count int, healthThreshold int) ([]*accountstore.Account, error)
	UpdateHealth(ctx context.Context, id string, success bool) error
	IncrementDaily(ctx context.Context, id string) error
}

// Lease represents an outstanding in-memory reservation on one account.
type Lease struct {
	AccountID string
	JobID     string
}

// Selector reserves accounts for jobs and releases them on completion.
type Selector struct {
	store           Store
	healthThreshold int
	candidateLimit  int

	mu     sync.Mutex
	leased map[string]string // accountID -> jobID
}

// Config tunes selection policy.
type Config struct {
	// HealthThreshold is the minimum health score an account must carry to
	// be eligible. Zero means no floor.
	HealthThreshold int
	// CandidateLimit bounds how many getEligible candidates are tried
	// before giving up with a KindNoAccount error.
	CandidateLimit int
}

// New builds a Selector over store.
func New(store Store, cfg Config) *Selector {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 5
	}
	return &Selector{
		store:           store,
		healthThreshold: cfg.HealthThreshold,
		candidateLimit:  cfg.CandidateLimit,
		leased:          make(map[string]string),
	}
}

// Lease reserves an account for jobID. If pinnedAccountID is non-empty, only
// that account is considered; it must be active, unleased, and under its
// daily limit, or Lease returns a KindPinUnavailable error. Otherwise the
// first eligible, unleased candidate wins; contention with another caller
// falls through to the next candidate.
func (s *Selector) Lease(ctx context.Context, jobID, pinnedAccountID string) (*Lease, error) {
	if pinnedAccountID != "" {
		return s.leasePinned(ctx, jobID, pinnedAccountID)
	}

	candidates, err := s.store.GetEligible(ctx, s.candidateLimit, s.healthThreshold)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindResource, "", err)
	}
	for _, a := range candidates {
		if s.tryReserve(a.ID, jobID) {
			return &Lease{AccountID: a.ID, JobID: jobID}, nil
		}
	}
	return nil, orcherr.New(orcherr.KindNoAccount, "", "no eligible account available")
}

func (s *Selector) leasePinned(ctx context.Context, jobID, accountID string) (*Lease, error) {
	a, err := s.store.Get(ctx, accountID, false)
	if err != nil {
		return nil, orcherr.New(orcherr.KindPinUnavailable, accountID, "pinned account not found")
	}
	if a.Status != accountstore.StatusActive || a.DailyUploadCount >= a.DailyUploadLimit {
		return nil, orcherr.New(orcherr.KindPinUnavailable, accountID, "pinned account not eligible")
	}
	if !s.tryReserve(accountID, jobID) {
		return nil, orcherr.New(orcherr.KindPinUnavailable, accountID, "pinned account currently leased")
	}
	return &Lease{AccountID: accountID, JobID: jobID}, nil
}

// tryReserve adds accountID to the in-memory lease set if it isn't already
// held. This is the single-coordinator serialization point; a second
// coordinator instance would need the row-level version bump too.
func (s *Selector) tryReserve(accountID, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leased[accountID]; held {
		return false
	}
	s.leased[accountID] = jobID
	return true
}

// Release drops the in-memory lease, then updates health and, only on
// success, increments the daily counter. These are separate store calls;
// they do not share a transaction with the job's terminal state change.
func (s *Selector) Release(ctx context.Context, accountID, jobID string, success bool) error {
	s.mu.Lock()
	held, ok := s.leased[accountID]
	if ok && held == jobID {
		delete(s.leased, accountID)
	}
	s.mu.Unlock()

	if err := s.store.UpdateHealth(ctx, accountID, success); err != nil {
		return err
	}
	if success {
		if err := s.store.IncrementDaily(ctx, accountID); err != nil {
			return err
		}
	}
	return nil
}

// IsLeased reports whether accountID currently has an outstanding lease.
func (s *Selector) IsLeased(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leased[accountID]
	return ok
}

// LeasedCount returns the number of accounts currently leased.
func (s *Selector) LeasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leased)
}
