package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/billfold-app/billfold/internal/bfmetrics"
	"github.com/billfold-app/billfold/internal/billing"
)

// Loader produces the authoritative subscription record for a user.
type Loader interface {
	GetSubscriptionForUser(ctx context.Context, userID string) (*billing.SubscriptionRecord, error)
}

type entry struct {
	rec       *billing.SubscriptionRecord
	expiresAt time.Time
}

// SubscriptionCache is a read-through LRU over per-user subscription state.
//
// Only the stored record is cached, never the access decision: the grace
// period flips isPro from true to false by clock alone, so the projection
// is recomputed on every read.
//
// Entries carry a short TTL as a backstop. Correctness does not depend on
// it: writes to the store raise an invalidation signal that evicts the
// entry, the TTL only bounds staleness when that signal is lost.
type SubscriptionCache struct {
	loader Loader
	lru    *lru.Cache[string, entry]
	ttl    time.Duration
}

// New creates a SubscriptionCache holding up to size entries.
func New(loader Loader, size int, ttl time.Duration) (*SubscriptionCache, error) {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &SubscriptionCache{loader: loader, lru: l, ttl: ttl}, nil
}

// Get returns the subscription view for userID, loading the record from the
// store on a miss or after expiry and projecting it at the current time.
func (c *SubscriptionCache) Get(ctx context.Context, userID string) (billing.SubscriptionView, error) {
	now := time.Now().UTC()
	if e, ok := c.lru.Get(userID); ok && now.Before(e.expiresAt) {
		bfmetrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return billing.NewSubscriptionView(userID, e.rec, now), nil
	}
	bfmetrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	rec, err := c.loader.GetSubscriptionForUser(ctx, userID)
	if err != nil {
		return billing.SubscriptionView{}, err
	}
	c.lru.Add(userID, entry{rec: rec, expiresAt: now.Add(c.ttl)})
	return billing.NewSubscriptionView(userID, rec, now), nil
}

// Invalidate evicts the cached record for userID. trigger labels the metric
// with what caused the eviction (notify, schedule, manual).
func (c *SubscriptionCache) Invalidate(userID, trigger string) {
	c.lru.Remove(userID)
	bfmetrics.CacheInvalidationsTotal.WithLabelValues(trigger).Inc()
}

// Len reports the number of cached entries.
func (c *SubscriptionCache) Len() int {
	return c.lru.Len()
}
