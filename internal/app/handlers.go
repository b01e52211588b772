package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/billfold-app/billfold/internal/billing"
	"github.com/billfold-app/billfold/internal/provider"
)

// ViewCache serves per-user subscription views.
type ViewCache interface {
	Get(ctx context.Context, userID string) (billing.SubscriptionView, error)
	Invalidate(userID, trigger string)
}

// Syncer re-fetches provider state for a customer on demand.
type Syncer interface {
	Sync(ctx context.Context, customerID string) error
}

// MappingStore resolves users to provider customers.
type MappingStore interface {
	GetMappingByUserID(ctx context.Context, userID string) (*billing.CustomerMapping, error)
}

// CheckoutProvider creates hosted billing flows.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, cp provider.CheckoutParams) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Scheduler runs the re-invalidation ladder for a user returning from a
// billing flow.
type Scheduler interface {
	Schedule(ctx context.Context, userID string)
}

// Pinger reports storage liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type urlResponse struct {
	URL string `json:"url"`
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

func handleGetSubscription(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		userID := requestUserID(r)
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing X-User-ID header"})
			return
		}

		if r.URL.Query().Get("refresh") == "1" {
			if err := refreshSubscription(r.Context(), deps, userID); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Manual subscription refresh failed")
				writeJSON(w, http.StatusBadGateway, errorResponse{Error: "subscription refresh failed"})
				return
			}
		}

		view, err := deps.Cache.Get(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Subscription view lookup failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "subscription lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// refreshSubscription forces a re-sync from the provider before the view is
// read. Users without a customer mapping have nothing to refresh; the stored
// answer (none) is already correct.
func refreshSubscription(ctx context.Context, deps *Deps, userID string) error {
	m, err := deps.Mappings.GetMappingByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if err := deps.Syncer.Sync(ctx, m.CustomerID); err != nil {
		return err
	}
	deps.Cache.Invalidate(userID, "manual")
	return nil
}

func handleCreateCheckoutSession(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		userID := requestUserID(r)
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing X-User-ID header"})
			return
		}

		var req checkoutRequest
		if r.Body != nil {
			// An empty body is fine, the configured Pro price applies.
			_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
		}
		priceID := strings.TrimSpace(req.PriceID)
		if priceID == "" {
			priceID = deps.Config.ProPriceID
		}
		if priceID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no price configured"})
			return
		}

		var customerID string
		if m, err := deps.Mappings.GetMappingByUserID(r.Context(), userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Mapping lookup failed for checkout")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "checkout failed"})
			return
		} else if m != nil {
			customerID = m.CustomerID
		}

		checkoutURL, err := deps.Checkout.CreateCheckoutSession(r.Context(), provider.CheckoutParams{
			UserID:     userID,
			CustomerID: customerID,
			PriceID:    priceID,
			SuccessURL: deps.Config.BaseURL + "/billing/return?source=checkout",
			CancelURL:  deps.Config.BaseURL + "/pricing",
		})
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Checkout session creation failed")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "checkout session creation failed"})
			return
		}
		writeJSON(w, http.StatusOK, urlResponse{URL: checkoutURL})
	}
}

func handleCreatePortalSession(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		userID := requestUserID(r)
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing X-User-ID header"})
			return
		}

		m, err := deps.Mappings.GetMappingByUserID(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Mapping lookup failed for portal")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "portal session failed"})
			return
		}
		if m == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no billing profile for user"})
			return
		}

		portalURL, err := deps.Checkout.CreateBillingPortalSession(r.Context(), m.CustomerID, deps.Config.BaseURL+"/billing/return?source=portal")
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Portal session creation failed")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "portal session creation failed"})
			return
		}
		writeJSON(w, http.StatusOK, urlResponse{URL: portalURL})
	}
}

// handleBillingReturn lands users coming back from a hosted billing flow.
// The provider's webhooks race this redirect, so instead of reading state
// now the handler kicks off the re-invalidation ladder and sends the user
// on without the source marker.
func handleBillingReturn(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		userID := requestUserID(r)
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID != "" {
			deps.Scheduler.Schedule(context.WithoutCancel(r.Context()), userID)
		} else {
			log.Warn().Str("source", r.URL.Query().Get("source")).Msg("Billing return without user identity")
		}

		http.Redirect(w, r, billingReturnTarget(deps.Config.BaseURL, r), http.StatusSeeOther)
	}
}

// billingReturnTarget rebuilds the redirect target with the flow markers
// stripped, so a page reload does not restart the ladder.
func billingReturnTarget(baseURL string, r *http.Request) string {
	q := r.URL.Query()
	q.Del("source")
	q.Del("user_id")

	target, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	if to := q.Get("to"); to != "" && strings.HasPrefix(to, "/") && !strings.HasPrefix(to, "//") {
		target.Path = to
	}
	q.Del("to")
	target.RawQuery = q.Encode()
	return target.String()
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleStatus(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":            deps.Version,
			"webhook_configured": deps.Config.StripeWebhookSecret != "",
		})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("app: encode response")
	}
}
