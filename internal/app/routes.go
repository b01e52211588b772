package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/billfold-app/billfold/internal/config"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *config.Config
	Store     Pinger
	Mappings  MappingStore
	Cache     ViewCache
	Scheduler Scheduler
	Syncer    Syncer
	Checkout  CheckoutProvider
	Webhook   http.Handler
	Version   string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	apiAuth := func(next http.Handler) http.Handler {
		return requireToken(deps.Config.APIToken, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/readyz", handleReadyz(deps.Store))

	// Status and metrics share the API token gate.
	mux.Handle("/status", apiAuth(handleStatus(deps)))
	mux.Handle("/metrics", apiAuth(promhttp.Handler()))

	// Stripe webhook (signature-authenticated)
	webhookLimiter := NewRateLimiter(240, time.Minute)
	mux.Handle("/stripe-webhook", webhookLimiter.Middleware(deps.Webhook))

	// User-facing billing API
	mux.Handle("/api/subscription", apiAuth(handleGetSubscription(deps)))
	mux.Handle("/api/checkout-session", apiAuth(handleCreateCheckoutSession(deps)))
	mux.Handle("/api/billing-portal", apiAuth(handleCreatePortalSession(deps)))

	// Landing for users returning from hosted billing flows
	mux.Handle("/billing/return", http.HandlerFunc(handleBillingReturn(deps)))
}
