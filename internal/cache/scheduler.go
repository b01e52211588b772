package cache

import (
	"context"
	"sync"
	"time"
)

// refreshLadder is the offsets at which a newly scheduled user is
// re-invalidated. A checkout or billing-portal return races the provider's
// webhooks, so a single eviction at t=0 can cache a pre-settlement view;
// the later rungs catch the state once the webhooks land.
var refreshLadder = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

type ladderRun struct {
	cancel context.CancelFunc
}

// RefreshScheduler runs the invalidation ladder for users returning from a
// billing flow. Scheduling a user again supersedes any ladder still running
// for them.
type RefreshScheduler struct {
	cache  *SubscriptionCache
	ladder []time.Duration

	mu      sync.Mutex
	pending map[string]*ladderRun
}

// NewRefreshScheduler creates a RefreshScheduler over cache.
func NewRefreshScheduler(cache *SubscriptionCache) *RefreshScheduler {
	return &RefreshScheduler{
		cache:   cache,
		ladder:  refreshLadder,
		pending: make(map[string]*ladderRun),
	}
}

// Schedule starts the invalidation ladder for userID, cancelling any ladder
// already in flight for them.
func (s *RefreshScheduler) Schedule(ctx context.Context, userID string) {
	if userID == "" {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &ladderRun{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.pending[userID]; ok {
		prev.cancel()
	}
	s.pending[userID] = run
	s.mu.Unlock()

	go s.runLadder(runCtx, userID, run)
}

func (s *RefreshScheduler) runLadder(ctx context.Context, userID string, run *ladderRun) {
	defer func() {
		run.cancel()
		s.mu.Lock()
		if s.pending[userID] == run {
			delete(s.pending, userID)
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	for _, offset := range s.ladder {
		wait := offset - time.Since(start)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.cache.Invalidate(userID, "schedule")
	}
}

// Stop cancels all in-flight ladders.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, run := range s.pending {
		run.cancel()
		delete(s.pending, userID)
	}
}
