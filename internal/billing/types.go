package billing

import "time"

// CustomerMapping associates an internal user with a provider billing
// customer. At most one non-deleted mapping exists per user and per customer.
type CustomerMapping struct {
	UserID     string     `json:"user_id"`
	CustomerID string     `json:"customer_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// SubscriptionRecord is the latest known subscription state for a billing
// customer, exactly one row per customer id. Period boundaries are kept in
// the provider's native unit (epoch seconds); they are converted to calendar
// timestamps only at the read boundary.
type SubscriptionRecord struct {
	CustomerID         string     `json:"customer_id"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	PriceID            string     `json:"price_id,omitempty"`
	CurrentPeriodStart *int64     `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *int64     `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	PaymentMethodBrand string     `json:"payment_method_brand,omitempty"`
	PaymentMethodLast4 string     `json:"payment_method_last4,omitempty"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// Order records a completed one-time payment. ProviderRef is the provider's
// checkout session or payment intent id and deduplicates redelivered events.
type Order struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	ProviderRef string    `json:"provider_ref"`
	AmountTotal int64     `json:"amount_total"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubscriptionView is the user-scoped read projection served to clients.
// Status is plain text, "none" when the user has no subscription record, and
// period fields are calendar timestamps.
type SubscriptionView struct {
	UserID             string     `json:"user_id"`
	CustomerID         string     `json:"customer_id,omitempty"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	PriceID            string     `json:"price_id,omitempty"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	PaymentMethodBrand string     `json:"payment_method_brand,omitempty"`
	PaymentMethodLast4 string     `json:"payment_method_last4,omitempty"`
	Pro                bool       `json:"is_pro"`
}
