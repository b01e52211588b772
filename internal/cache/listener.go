package cache

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/billfold-app/billfold/internal/billing"
	"github.com/billfold-app/billfold/internal/store"
)

// MappingResolver resolves a provider customer id to its user mapping.
type MappingResolver interface {
	GetMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error)
}

// Listener consumes subscription change notifications from Postgres and
// evicts the affected user's cached view. The notification payload is the
// provider customer id; the mapping store translates it to a user id.
type Listener struct {
	cache    *SubscriptionCache
	resolver MappingResolver
	pql      *pq.Listener
}

// NewListener creates a Listener on the subscription change channel.
func NewListener(databaseURL string, cache *SubscriptionCache, resolver MappingResolver) *Listener {
	pql := pq.NewListener(databaseURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("Postgres listener event")
		}
	})
	return &Listener{cache: cache, resolver: resolver, pql: pql}
}

// Run subscribes to the notification channel and processes events until ctx
// is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.pql.Listen(store.NotifyChannel); err != nil {
		return err
	}
	defer func() {
		if err := l.pql.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing Postgres listener failed")
		}
	}()

	log.Info().Str("channel", store.NotifyChannel).Msg("Cache invalidation listener started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cache invalidation listener stopped")
			return nil
		case n := <-l.pql.Notify:
			// A nil notification means the connection was re-established.
			// Anything could have changed in the gap, so drop everything.
			if n == nil {
				l.cache.lru.Purge()
				log.Warn().Msg("Listener reconnected, purged subscription cache")
				continue
			}
			l.handle(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			if err := l.pql.Ping(); err != nil {
				log.Warn().Err(err).Msg("Postgres listener ping failed")
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, customerID string) {
	if customerID == "" {
		return
	}
	m, err := l.resolver.GetMappingByCustomerID(ctx, customerID)
	if err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("Invalidation: mapping lookup failed")
		return
	}
	if m == nil {
		// No mapping yet, nothing can be cached under this customer.
		return
	}
	l.cache.Invalidate(m.UserID, "notify")
	log.Debug().
		Str("customer_id", customerID).
		Str("user_id", m.UserID).
		Msg("Subscription cache invalidated")
}
