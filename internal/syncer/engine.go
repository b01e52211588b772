package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/billfold-app/billfold/internal/bfmetrics"
	"github.com/billfold-app/billfold/internal/billing"
	"github.com/billfold-app/billfold/internal/provider"
)

// Store is the subset of the billing store the engine writes to.
type Store interface {
	EnsureCustomerMapping(ctx context.Context, userID, customerID string) error
	GetMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error)
	UpsertSubscription(ctx context.Context, rec *billing.SubscriptionRecord) error
	MarkSubscriptionCanceled(ctx context.Context, customerID string) error
}

// Notifier announces a subscription state change so caches can drop stale
// reads. Signal failures are logged, never propagated: the stored state is
// already correct and readers will converge on their next miss.
type Notifier interface {
	NotifySubscriptionChanged(ctx context.Context, customerID string) error
}

// Config tunes the retry behavior of the engine.
type Config struct {
	MaxRetries  int           // retries after the first attempt (default 3)
	BackoffBase time.Duration // first retry delay, doubled per attempt (default 1s)
}

// Engine synchronizes provider-side subscription state into the store.
//
// Every run re-fetches the authoritative state instead of applying event
// deltas, so concurrent and out-of-order runs for the same customer converge
// on the upsert's unique key rather than on any application-level ordering.
type Engine struct {
	store       Store
	provider    provider.Provider
	notifier    Notifier
	maxRetries  int
	backoffBase time.Duration
}

// New creates an Engine. notifier may be nil.
func New(store Store, prov provider.Provider, notifier Notifier, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Engine{
		store:       store,
		provider:    prov,
		notifier:    notifier,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
	}
}

// Sync brings the stored record for customerID up to date with the provider.
// Transient failures are retried with exponential backoff; a *SyncError is
// returned only after the retry ceiling is exhausted.
func (e *Engine) Sync(ctx context.Context, customerID string) error {
	if customerID == "" {
		return fmt.Errorf("sync: empty customer id")
	}
	return e.withRetry(ctx, customerID, func() error {
		return e.syncOnce(ctx, customerID)
	})
}

// MarkCanceled forces the stored record for customerID to canceled and
// signals invalidation. The overwrite is idempotent, so redelivered deletion
// events are harmless.
func (e *Engine) MarkCanceled(ctx context.Context, customerID string) error {
	if customerID == "" {
		return fmt.Errorf("mark canceled: empty customer id")
	}
	err := e.withRetry(ctx, customerID, func() error {
		return e.store.MarkSubscriptionCanceled(ctx, customerID)
	})
	if err != nil {
		return err
	}
	e.notify(ctx, customerID)
	return nil
}

func (e *Engine) syncOnce(ctx context.Context, customerID string) error {
	e.recoverMapping(ctx, customerID)

	sub, err := e.provider.LatestSubscription(ctx, customerID)
	if err != nil {
		return fmt.Errorf("fetch latest subscription: %w", err)
	}

	rec := recordFromProvider(customerID, sub)
	if err := e.store.UpsertSubscription(ctx, rec); err != nil {
		return err
	}

	e.notify(ctx, customerID)

	log.Info().
		Str("customer_id", customerID).
		Str("status", string(rec.Status)).
		Str("subscription_id", rec.SubscriptionID).
		Msg("Subscription synced")
	return nil
}

// recoverMapping ensures a user mapping exists for the customer, recovering
// the user id from provider-side metadata when possible. Failure here is a
// data-consistency warning, never a sync failure: the subscription record is
// worth storing even before the mapping resolves, and the mapping self-heals
// on a later event.
func (e *Engine) recoverMapping(ctx context.Context, customerID string) {
	m, err := e.store.GetMappingByCustomerID(ctx, customerID)
	if err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("Mapping lookup failed, continuing sync")
		return
	}
	if m != nil {
		return
	}

	cust, err := e.provider.Customer(ctx, customerID)
	if err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("Mapping recovery: customer fetch failed, continuing sync")
		return
	}
	userID := cust.UserID()
	if userID == "" {
		log.Warn().Str("customer_id", customerID).Msg("Mapping recovery: no user id in customer metadata, continuing sync")
		return
	}

	if err := e.store.EnsureCustomerMapping(ctx, userID, customerID); err != nil {
		log.Warn().Err(err).
			Str("customer_id", customerID).
			Str("user_id", userID).
			Msg("Mapping recovery: insert failed, continuing sync")
		return
	}
	log.Info().
		Str("customer_id", customerID).
		Str("user_id", userID).
		Msg("Customer mapping recovered from provider metadata")
}

func (e *Engine) notify(ctx context.Context, customerID string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifySubscriptionChanged(ctx, customerID); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("Cache invalidation signal failed")
	}
}

// withRetry runs fn with a bounded, iterative backoff loop. The loop blocks
// only the calling task; other webhook deliveries proceed concurrently.
func (e *Engine) withRetry(ctx context.Context, customerID string, fn func() error) error {
	var causes []error
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			bfmetrics.SyncTotal.WithLabelValues("success").Inc()
			return nil
		}
		causes = append(causes, fmt.Errorf("attempt %d: %w", attempt+1, err))

		if attempt >= e.maxRetries {
			bfmetrics.SyncTotal.WithLabelValues("error").Inc()
			return &SyncError{
				CustomerID: customerID,
				Attempts:   attempt + 1,
				cause:      errors.Join(causes...),
			}
		}

		bfmetrics.SyncRetries.Inc()
		delay := e.backoffBase << uint(attempt)
		log.Warn().Err(err).
			Str("customer_id", customerID).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Sync attempt failed, retrying")

		if err := sleepCtx(ctx, delay); err != nil {
			causes = append(causes, err)
			bfmetrics.SyncTotal.WithLabelValues("canceled").Inc()
			return &SyncError{
				CustomerID: customerID,
				Attempts:   attempt + 1,
				cause:      errors.Join(causes...),
			}
		}
	}
}

func recordFromProvider(customerID string, sub *provider.Subscription) *billing.SubscriptionRecord {
	if sub == nil {
		return &billing.SubscriptionRecord{
			CustomerID: customerID,
			Status:     billing.StatusNotStarted,
		}
	}
	rec := &billing.SubscriptionRecord{
		CustomerID:        customerID,
		SubscriptionID:    sub.ID,
		PriceID:           sub.PriceID,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Status:            billing.NormalizeProviderStatus(sub.Status),
	}
	if sub.CurrentPeriodStart > 0 {
		start := sub.CurrentPeriodStart
		rec.CurrentPeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := sub.CurrentPeriodEnd
		rec.CurrentPeriodEnd = &end
	}
	if pm := sub.DefaultPaymentMethod; pm != nil {
		rec.PaymentMethodBrand = pm.Brand
		rec.PaymentMethodLast4 = pm.Last4
	}
	return rec
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
