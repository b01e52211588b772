package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// LapsedLister feeds the reconciler with customers whose grace period has
// run out without a follow-up event.
type LapsedLister interface {
	ListLapsedPastDue(ctx context.Context, now time.Time) ([]string, error)
}

// Reconciler periodically re-syncs past_due records whose billing period has
// lapsed. A missed or failed webhook leaves such records granting grace
// access forever; re-fetching provider truth self-heals them.
type Reconciler struct {
	lister   LapsedLister
	engine   *Engine
	interval time.Duration
}

// NewReconciler creates a Reconciler.
func NewReconciler(lister LapsedLister, engine *Engine, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reconciler{lister: lister, engine: engine, interval: interval}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("Subscription reconciler started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription reconciler stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	ids, err := r.lister.ListLapsedPastDue(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("Reconciler: failed to list lapsed past_due records")
		return
	}

	for _, customerID := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := r.engine.Sync(ctx, customerID); err != nil {
			log.Error().Err(err).Str("customer_id", customerID).Msg("Reconciler: re-sync failed")
		}
	}

	if len(ids) > 0 {
		log.Info().Int("customers", len(ids)).Msg("Reconciled lapsed past_due subscriptions")
	}
}
