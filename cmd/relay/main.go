package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/whatsapp-assistant-relay/cmd/mainconfig"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/api/router"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/app/bootstrap"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/assistant"
	appconfig "github.com/wolfman30/whatsapp-assistant-relay/internal/config"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/whatsapp-assistant-relay/internal/http/middleware"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/relay"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting whatsapp assistant relay",
		"env", cfg.Env,
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"dispatch_mode", cfg.DispatchMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := bootstrap.NewResources(cfg, logger, mainconfig.LoadAWSConfig)
	defer res.Close()

	relayMetrics := metrics.NewRelayMetrics(prometheus.DefaultRegisterer)

	store, err := bootstrap.BuildConversationStore(ctx, cfg, res)
	if err != nil {
		logger.Error("failed to build conversation store", "error", err)
		os.Exit(1)
	}

	asst, err := assistant.New(assistant.Config{
		APIKey:       cfg.OpenAIAPIKey,
		AssistantID:  cfg.OpenAIAssistantID,
		BaseURL:      cfg.OpenAIBaseURL,
		Timeout:      cfg.AssistantTimeout,
		PollInterval: cfg.AssistantPollInterval,
	}, assistant.WithLogger(logger), assistant.WithMetrics(relayMetrics))
	if err != nil {
		logger.Error("failed to create assistant client", "error", err)
		os.Exit(1)
	}

	sender := whatsapp.NewClient(whatsapp.ClientConfig{
		AccessToken:   cfg.WhatsAppToken,
		PhoneNumberID: cfg.PhoneNumberID,
		BaseURL:       cfg.GraphAPIBase,
		APIVersion:    cfg.GraphAPIVersion,
		Timeout:       cfg.WhatsAppTimeout,
	})

	dispatcherOpts := []relay.DispatcherOption{
		relay.WithFallbackReply(cfg.FallbackReply),
		relay.WithSendTimeout(cfg.WhatsAppTimeout),
		relay.WithDispatcherLogger(logger),
		relay.WithDispatcherMetrics(relayMetrics),
	}
	ledger, err := bootstrap.BuildLedger(ctx, cfg, res)
	if err != nil {
		logger.Error("failed to build dedup ledger", "error", err)
		os.Exit(1)
	}
	if ledger != nil {
		dispatcherOpts = append(dispatcherOpts, relay.WithLedger(ledger))
	}
	dispatcher := relay.NewDispatcher(store, asst, sender, dispatcherOpts...)

	publisher, worker, err := bootstrap.BuildAsync(ctx, cfg, res, dispatcher, logger)
	if err != nil {
		logger.Error("failed to build async dispatch", "error", err)
		os.Exit(1)
	}
	if worker != nil {
		worker.Start(ctx)
	}

	webhookOpts := []whatsapp.WebhookOption{
		whatsapp.WithMaxBodyBytes(cfg.MaxBodyBytes),
		whatsapp.WithLogger(logger),
		whatsapp.WithMetrics(relayMetrics),
	}
	if cfg.RateLimitRPS > 0 {
		webhookOpts = append(webhookOpts, whatsapp.WithSenderLimiter(httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))
	}
	webhook := whatsapp.NewWebhookHandler(
		cfg.WhatsAppVerifyToken,
		cfg.WhatsAppAppSecret,
		relay.NewHandler(dispatcher, publisher, logger),
		webhookOpts...,
	)

	r := router.New(&router.Config{
		Logger:            logger,
		Webhook:           webhook,
		Health:            handlers.NewHealthHandler(cfg.AppVersion),
		AdminStats:        adminStats(cfg, dispatcher, logger),
		AdminAuthSecret:   cfg.AdminJWTSecret,
		MetricsHandler:    promhttp.Handler(),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	srv := newServer(cfg, r)

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "write_timeout", srv.WriteTimeout)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	if worker != nil {
		worker.Wait()
	}
	logger.Info("server stopped")
}

func newServer(cfg *appconfig.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ServerWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
}

// adminStats is nil when ADMIN_JWT_SECRET is unset, which leaves /admin/stats
// unrouted.
func adminStats(cfg *appconfig.Config, stats handlers.StatsProvider, logger *logging.Logger) http.Handler {
	if cfg.AdminJWTSecret == "" {
		return nil
	}
	return handlers.NewAdminStatsHandler(stats, logger)
}
