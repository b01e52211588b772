package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/billfold-app/billfold/internal/billing"
)

// EnsureCustomerMapping inserts a user/customer association if one does not
// already exist. A conflicting concurrent insert is treated as success; the
// unique constraints are the serialization point.
func (s *Store) EnsureCustomerMapping(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("ensure customer mapping: empty user id or customer id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_mappings (user_id, customer_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		userID, customerID,
	)
	if err != nil {
		return fmt.Errorf("ensure customer mapping: %w", err)
	}
	return nil
}

// GetMappingByCustomerID returns the non-deleted mapping for a billing
// customer, or nil when none exists.
func (s *Store) GetMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	return s.getMapping(ctx, `
		SELECT user_id, customer_id, created_at, updated_at, deleted_at
		FROM customer_mappings
		WHERE customer_id = $1 AND deleted_at IS NULL`, customerID)
}

// GetMappingByUserID returns the non-deleted mapping for an internal user, or
// nil when none exists.
func (s *Store) GetMappingByUserID(ctx context.Context, userID string) (*billing.CustomerMapping, error) {
	return s.getMapping(ctx, `
		SELECT user_id, customer_id, created_at, updated_at, deleted_at
		FROM customer_mappings
		WHERE user_id = $1 AND deleted_at IS NULL`, userID)
}

func (s *Store) getMapping(ctx context.Context, query, arg string) (*billing.CustomerMapping, error) {
	var m billing.CustomerMapping
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&m.UserID, &m.CustomerID, &m.CreatedAt, &m.UpdatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer mapping: %w", err)
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return &m, nil
}
