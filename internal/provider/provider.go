package provider

import "context"

// MetadataUserIDKey is the metadata key under which the checkout flow stores
// the internal user id on provider-side customers and sessions. Mapping
// recovery reads it back when a webhook arrives for an unmapped customer.
const MetadataUserIDKey = "user_id"

// Customer is the provider-side billing customer, reduced to what the sync
// engine needs.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
	Deleted  bool
}

// UserID returns the internal user id embedded in the customer metadata, or
// empty when absent.
func (c *Customer) UserID() string {
	if c == nil || c.Deleted || c.Metadata == nil {
		return ""
	}
	return c.Metadata[MetadataUserIDKey]
}

// PaymentMethod describes the default payment method attached to a
// subscription.
type PaymentMethod struct {
	Brand string
	Last4 string
}

// Subscription is the authoritative provider-side subscription state, with
// period boundaries in epoch seconds (the provider's native unit).
type Subscription struct {
	ID                   string
	CustomerID           string
	Status               string
	PriceID              string
	CurrentPeriodStart   int64
	CurrentPeriodEnd     int64
	CancelAtPeriodEnd    bool
	DefaultPaymentMethod *PaymentMethod
}

// Provider is the read surface of the payment provider used during
// synchronization. Implementations must treat "no such subscription" as
// (nil, nil), not an error.
type Provider interface {
	// Customer fetches customer metadata for mapping recovery.
	Customer(ctx context.Context, customerID string) (*Customer, error)
	// LatestSubscription returns the customer's most recent subscription in
	// any status, or nil when the customer has never subscribed.
	LatestSubscription(ctx context.Context, customerID string) (*Subscription, error)
}
