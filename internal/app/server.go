package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/billfold-app/billfold/internal/cache"
	"github.com/billfold-app/billfold/internal/config"
	"github.com/billfold-app/billfold/internal/logging"
	"github.com/billfold-app/billfold/internal/provider"
	"github.com/billfold-app/billfold/internal/store"
	"github.com/billfold-app/billfold/internal/syncer"
	"github.com/billfold-app/billfold/internal/webhook"
)

// Run starts the billing sync HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billfold",
	})

	log.Info().Str("version", version).Msg("Starting Billfold billing sync service")

	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}
	if cfg.APIToken == "" {
		log.Warn().Msg("BF_API_TOKEN not set, API endpoints are unauthenticated")
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stripeProvider := provider.NewStripeProvider(cfg.StripeAPIKey)

	engine := syncer.New(st, stripeProvider, st, syncer.Config{
		MaxRetries:  cfg.SyncMaxRetries,
		BackoffBase: cfg.SyncBackoffBase,
	})

	viewCache, err := cache.New(st, cfg.CacheSize, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("init subscription cache: %w", err)
	}
	scheduler := cache.NewRefreshScheduler(viewCache)
	defer scheduler.Stop()

	// Build HTTP routes
	mux := http.NewServeMux()
	deps := &Deps{
		Config:    cfg,
		Store:     st,
		Mappings:  st,
		Cache:     viewCache,
		Scheduler: scheduler,
		Syncer:    engine,
		Checkout:  stripeProvider,
		Webhook:   webhook.NewHandler(cfg.StripeWebhookSecret, engine, st, cfg.CheckoutSettleDelay),
		Version:   version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start the cache invalidation listener
	listener := cache.NewListener(cfg.DatabaseURL, viewCache, st)
	go func() {
		if err := listener.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Cache invalidation listener failed")
		}
	}()

	// Start the past_due reconciler
	reconciler := syncer.NewReconciler(st, engine, cfg.ReconcileInterval)
	go reconciler.Run(ctx)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Billfold listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billfold stopped")
	return nil
}
