package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/billfold-app/billfold/internal/billing"
)

// RecordOrder stores a completed one-time payment. Redelivered events carry
// the same provider reference and hit the unique constraint, which is the
// dedupe mechanism; a duplicate insert is success.
func (s *Store) RecordOrder(ctx context.Context, order *billing.Order) error {
	if order == nil {
		return fmt.Errorf("record order: order is nil")
	}
	if order.ProviderRef == "" {
		return fmt.Errorf("record order: empty provider ref")
	}
	id := order.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, provider_ref, amount_total, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_ref) DO NOTHING`,
		id, order.CustomerID, order.ProviderRef, order.AmountTotal, order.Currency,
	)
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}
