package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// NotifyChannel is the Postgres NOTIFY channel used to announce subscription
// state changes to listening caches.
const NotifyChannel = "billfold_subscription_sync"

// Store provides access to the billing tables in Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and initializes the schema.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle without touching the schema.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NotifySubscriptionChanged emits a NOTIFY on the subscription sync channel.
// Listeners treat the payload (a customer id) as an invalidation scope.
func (s *Store) NotifySubscriptionChanged(ctx context.Context, customerID string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, customerID); err != nil {
		return fmt.Errorf("notify subscription change: %w", err)
	}
	return nil
}
