package provider

import (
	"context"
	"fmt"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
)

// CheckoutParams describes a subscription checkout to create.
type CheckoutParams struct {
	UserID     string
	CustomerID string // optional, reuse an existing provider customer
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession creates a subscription checkout session and returns
// its hosted URL. The user id is stamped into both the session and the
// subscription metadata so a mapping can be recovered from either object.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (string, error) {
	if cp.UserID == "" {
		return "", fmt.Errorf("create checkout session: empty user id")
	}
	if cp.PriceID == "" {
		return "", fmt.Errorf("create checkout session: empty price id")
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(cp.SuccessURL),
		CancelURL:  stripelib.String(cp.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(cp.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		Metadata: map[string]string{
			MetadataUserIDKey: cp.UserID,
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				MetadataUserIDKey: cp.UserID,
			},
		},
	}
	params.Context = ctx
	if cp.CustomerID != "" {
		params.Customer = stripelib.String(cp.CustomerID)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreateBillingPortalSession creates a billing portal session for an
// existing customer and returns its hosted URL.
func (p *StripeProvider) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("create portal session: empty customer id")
	}

	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}
