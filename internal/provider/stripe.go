package provider

import (
	"context"
	"fmt"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct{}

// NewStripeProvider configures the global Stripe client key and returns a
// provider backed by it.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripelib.Key = apiKey
	return &StripeProvider{}
}

// Customer fetches a Stripe customer.
func (p *StripeProvider) Customer(ctx context.Context, customerID string) (*Customer, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx

	c, err := customer.Get(customerID, params)
	if err != nil {
		return nil, fmt.Errorf("fetch customer %s: %w", customerID, err)
	}
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: c.Metadata,
		Deleted:  c.Deleted,
	}, nil
}

// LatestSubscription returns the newest subscription for a customer across
// all statuses, with the default payment method expanded.
func (p *StripeProvider) LatestSubscription(ctx context.Context, customerID string) (*Subscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)
	params.AddExpand("data.default_payment_method")

	iter := subscription.List(params)
	for iter.Next() {
		return subscriptionFromStripe(iter.Subscription()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	return nil, nil
}

func subscriptionFromStripe(s *stripelib.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.CurrentPeriodStart = item.CurrentPeriodStart
		out.CurrentPeriodEnd = item.CurrentPeriodEnd
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	if pm := s.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		out.DefaultPaymentMethod = &PaymentMethod{
			Brand: string(pm.Card.Brand),
			Last4: pm.Card.Last4,
		}
	}
	return out
}
