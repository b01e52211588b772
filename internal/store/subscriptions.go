package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/billfold-app/billfold/internal/billing"
)

// UpsertSubscription writes the latest known subscription state for a
// customer. The unique key on customer_id makes redelivered and concurrent
// writes converge: the engine always writes freshly fetched provider state,
// so last-writer-wins is safe.
func (s *Store) UpsertSubscription(ctx context.Context, rec *billing.SubscriptionRecord) error {
	if rec == nil {
		return fmt.Errorf("upsert subscription: record is nil")
	}
	if rec.CustomerID == "" {
		return fmt.Errorf("upsert subscription: empty customer id")
	}
	if _, ok := billing.ParseStatus(string(rec.Status)); !ok {
		return fmt.Errorf("upsert subscription: invalid status %q", rec.Status)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_records (
			customer_id, subscription_id, price_id,
			current_period_start, current_period_end, cancel_at_period_end,
			payment_method_brand, payment_method_last4, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (customer_id) DO UPDATE SET
			subscription_id      = EXCLUDED.subscription_id,
			price_id             = EXCLUDED.price_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end   = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			payment_method_brand = EXCLUDED.payment_method_brand,
			payment_method_last4 = EXCLUDED.payment_method_last4,
			status               = EXCLUDED.status,
			updated_at           = now()`,
		rec.CustomerID,
		nullString(rec.SubscriptionID),
		nullString(rec.PriceID),
		nullInt64(rec.CurrentPeriodStart),
		nullInt64(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd,
		nullString(rec.PaymentMethodBrand),
		nullString(rec.PaymentMethodLast4),
		string(rec.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// MarkSubscriptionCanceled forces a customer's record to canceled. Used for
// subscription-deletion events; the overwrite is idempotent, and a missing
// row is created so a late first event still lands somewhere.
func (s *Store) MarkSubscriptionCanceled(ctx context.Context, customerID string) error {
	if customerID == "" {
		return fmt.Errorf("mark subscription canceled: empty customer id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_records (customer_id, status)
		VALUES ($1, 'canceled')
		ON CONFLICT (customer_id) DO UPDATE SET
			status     = 'canceled',
			updated_at = now()`,
		customerID,
	)
	if err != nil {
		return fmt.Errorf("mark subscription canceled: %w", err)
	}
	return nil
}

// GetSubscriptionByCustomerID returns the stored record for a customer, or
// nil when none exists.
func (s *Store) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*billing.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT customer_id, subscription_id, price_id,
		       current_period_start, current_period_end, cancel_at_period_end,
		       payment_method_brand, payment_method_last4, status,
		       created_at, updated_at, deleted_at
		FROM subscription_records
		WHERE customer_id = $1 AND deleted_at IS NULL`, customerID)
	return scanSubscription(row)
}

// GetSubscriptionForUser returns the record visible to a user through their
// customer mapping, or nil when the user has no mapping or no record. The
// join enforces the user scope: a caller can never read another user's row.
func (s *Store) GetSubscriptionForUser(ctx context.Context, userID string) (*billing.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.customer_id, r.subscription_id, r.price_id,
		       r.current_period_start, r.current_period_end, r.cancel_at_period_end,
		       r.payment_method_brand, r.payment_method_last4, r.status,
		       r.created_at, r.updated_at, r.deleted_at
		FROM customer_mappings m
		JOIN subscription_records r ON r.customer_id = m.customer_id
		WHERE m.user_id = $1 AND m.deleted_at IS NULL AND r.deleted_at IS NULL`, userID)
	return scanSubscription(row)
}

// GetSubscriptionView builds the user-scoped read projection.
func (s *Store) GetSubscriptionView(ctx context.Context, userID string, now time.Time) (billing.SubscriptionView, error) {
	rec, err := s.GetSubscriptionForUser(ctx, userID)
	if err != nil {
		return billing.SubscriptionView{}, err
	}
	return billing.NewSubscriptionView(userID, rec, now), nil
}

// IsProUser evaluates the access decision in SQL, scoped to the given user.
// The predicate must stay in lockstep with billing.IsPro.
func (s *Store) IsProUser(ctx context.Context, userID string, now time.Time) (bool, error) {
	var pro bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM customer_mappings m
			JOIN subscription_records r ON r.customer_id = m.customer_id
			WHERE m.user_id = $1 AND m.deleted_at IS NULL AND r.deleted_at IS NULL
			  AND (
				r.status IN ('active', 'trialing')
				OR (r.status = 'past_due'
					AND r.current_period_end IS NOT NULL
					AND r.current_period_end > $2)
			  )
		)`, userID, now.Unix()).Scan(&pro)
	if err != nil {
		return false, fmt.Errorf("evaluate pro access: %w", err)
	}
	return pro, nil
}

// SubscriptionStatusText returns the user's status as text, "none" when no
// record exists.
func (s *Store) SubscriptionStatusText(ctx context.Context, userID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((
			SELECT r.status
			FROM customer_mappings m
			JOIN subscription_records r ON r.customer_id = m.customer_id
			WHERE m.user_id = $1 AND m.deleted_at IS NULL AND r.deleted_at IS NULL
		), 'none')`, userID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("get subscription status text: %w", err)
	}
	return status, nil
}

// ListLapsedPastDue returns customer ids whose record is past_due with a
// period end already behind now. The reconciler re-syncs these to self-heal
// missed webhooks.
func (s *Store) ListLapsedPastDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id
		FROM subscription_records
		WHERE status = 'past_due'
		  AND current_period_end IS NOT NULL
		  AND current_period_end <= $1
		  AND deleted_at IS NULL`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list lapsed past_due records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan customer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lapsed past_due records: %w", err)
	}
	return ids, nil
}

func scanSubscription(row *sql.Row) (*billing.SubscriptionRecord, error) {
	var rec billing.SubscriptionRecord
	var subID, priceID, pmBrand, pmLast4 sql.NullString
	var periodStart, periodEnd sql.NullInt64
	var status string
	var deletedAt sql.NullTime

	err := row.Scan(
		&rec.CustomerID, &subID, &priceID,
		&periodStart, &periodEnd, &rec.CancelAtPeriodEnd,
		&pmBrand, &pmLast4, &status,
		&rec.CreatedAt, &rec.UpdatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription record: %w", err)
	}

	rec.SubscriptionID = subID.String
	rec.PriceID = priceID.String
	rec.PaymentMethodBrand = pmBrand.String
	rec.PaymentMethodLast4 = pmLast4.String
	if periodStart.Valid {
		rec.CurrentPeriodStart = &periodStart.Int64
	}
	if periodEnd.Valid {
		rec.CurrentPeriodEnd = &periodEnd.Int64
	}
	rec.Status = billing.Status(status)
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
