package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/billfold-app/billfold/internal/bfmetrics"
	"github.com/billfold-app/billfold/internal/billing"
	"github.com/billfold-app/billfold/internal/provider"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Syncer re-synchronizes a customer's subscription state from the provider.
type Syncer interface {
	Sync(ctx context.Context, customerID string) error
	MarkCanceled(ctx context.Context, customerID string) error
}

// Store is the subset of the billing store the webhook writes directly.
type Store interface {
	EnsureCustomerMapping(ctx context.Context, userID, customerID string) error
	RecordOrder(ctx context.Context, order *billing.Order) error
}

// Handler handles incoming Stripe webhook events.
//
// Once a payload passes signature verification the handler always responds
// 200 so the provider stops redelivering; downstream sync failures surface
// as a warning in the response body and in the logs, and the next event or
// the reconciler brings the record back in line.
type Handler struct {
	secret      string
	syncer      Syncer
	store       Store
	settleDelay time.Duration
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Warning  string `json:"warning,omitempty"`
}

// NewHandler creates a Stripe webhook HTTP handler. settleDelay is how long
// a completed checkout waits before the first sync, giving the provider time
// to settle the subscription object.
func NewHandler(secret string, syncer Syncer, store Store, settleDelay time.Duration) *Handler {
	return &Handler{
		secret:      secret,
		syncer:      syncer,
		store:       store,
		settleDelay: settleDelay,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bfmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bfmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		log.Error().Msg("Stripe webhook received but no webhook secret is configured")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	resp := receivedResponse{Received: true}
	if err := h.handleEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		resp.Warning = "processing failed"
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckoutCompleted(ctx, event, &session)

	case "invoice.payment_succeeded":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.syncCustomer(ctx, event, inv.Customer)

	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.paused", "customer.subscription.resumed",
		"customer.subscription.trial_will_end", "customer.subscription.pending_update_applied",
		"customer.subscription.pending_update_expired":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.syncCustomer(ctx, event, sub.Customer)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		if strings.TrimSpace(sub.Customer) == "" {
			discardNoCustomer(event)
			return nil
		}
		return h.syncer.MarkCanceled(ctx, sub.Customer)

	case "invoice.paid", "invoice.payment_failed", "invoice.upcoming",
		"invoice.marked_uncollectible", "invoice.payment_action_required":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.syncCustomer(ctx, event, inv.Customer)

	case "payment_intent.succeeded":
		var pi PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("decode payment_intent: %w", err)
		}
		return h.handlePaymentIntentSucceeded(ctx, event, &pi)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *Handler) handleCheckoutCompleted(ctx context.Context, event *stripelib.Event, session *CheckoutSession) error {
	customerID := strings.TrimSpace(session.Customer)
	if customerID == "" {
		discardNoCustomer(event)
		return nil
	}

	if userID := strings.TrimSpace(session.Metadata[provider.MetadataUserIDKey]); userID != "" {
		if err := h.store.EnsureCustomerMapping(ctx, userID, customerID); err != nil {
			return fmt.Errorf("persist customer mapping: %w", err)
		}
	}

	switch session.Mode {
	case "subscription":
		// The subscription object may not be fully settled at the moment
		// the checkout completes. Waiting briefly avoids syncing a half
		// written state and then needing a second event to correct it.
		if h.settleDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.settleDelay):
			}
		}
		return h.syncer.Sync(ctx, customerID)

	case "payment":
		if session.PaymentStatus != "paid" {
			log.Info().
				Str("session_id", session.ID).
				Str("payment_status", session.PaymentStatus).
				Msg("Checkout completed without settled payment, skipping order")
			return nil
		}
		return h.store.RecordOrder(ctx, &billing.Order{
			CustomerID:  customerID,
			ProviderRef: session.ID,
			AmountTotal: session.AmountTotal,
			Currency:    session.Currency,
		})

	default:
		log.Info().
			Str("session_id", session.ID).
			Str("mode", session.Mode).
			Msg("Checkout completed in unhandled mode")
		return nil
	}
}

func (h *Handler) handlePaymentIntentSucceeded(ctx context.Context, event *stripelib.Event, pi *PaymentIntent) error {
	// Subscription renewals raise payment_intent.succeeded with an attached
	// invoice; those are covered by the invoice events, recording them here
	// would double count.
	if strings.TrimSpace(pi.Invoice) != "" {
		return nil
	}
	customerID := strings.TrimSpace(pi.Customer)
	if customerID == "" {
		discardNoCustomer(event)
		return nil
	}
	return h.store.RecordOrder(ctx, &billing.Order{
		CustomerID:  customerID,
		ProviderRef: pi.ID,
		AmountTotal: pi.Amount,
		Currency:    pi.Currency,
	})
}

func (h *Handler) syncCustomer(ctx context.Context, event *stripelib.Event, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		discardNoCustomer(event)
		return nil
	}
	return h.syncer.Sync(ctx, customerID)
}

func discardNoCustomer(event *stripelib.Event) {
	log.Warn().
		Str("type", string(event.Type)).
		Str("event_id", event.ID).
		Msg("Stripe webhook event has no customer, discarding")
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// Invoice is a minimal representation of a Stripe invoice event.
type Invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// PaymentIntent is a minimal representation of a Stripe payment_intent event.
type PaymentIntent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Invoice  string `json:"invoice"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
