package store

const schema = `
CREATE TABLE IF NOT EXISTS customer_mappings (
	user_id     TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS subscription_records (
	customer_id          TEXT PRIMARY KEY,
	subscription_id      TEXT,
	price_id             TEXT,
	current_period_start BIGINT,
	current_period_end   BIGINT,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	payment_method_brand TEXT,
	payment_method_last4 TEXT,
	status               TEXT NOT NULL DEFAULT 'not_started'
		CHECK (status IN (
			'not_started', 'incomplete', 'incomplete_expired', 'trialing',
			'active', 'past_due', 'canceled', 'unpaid', 'paused'
		)),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS orders (
	id           UUID PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	provider_ref TEXT NOT NULL UNIQUE,
	amount_total BIGINT NOT NULL DEFAULT 0,
	currency     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_subscription_records_status
	ON subscription_records (status);
CREATE INDEX IF NOT EXISTS idx_orders_customer_id
	ON orders (customer_id);
`
