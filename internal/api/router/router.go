package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/whatsapp-assistant-relay/internal/http/middleware"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/whatsapp"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	Webhook         *whatsapp.WebhookHandler
	Health          http.Handler
	AdminStats      http.Handler
	AdminAuthSecret string
	MetricsHandler  http.Handler

	// TrustProxyHeaders takes the client address from X-Real-IP or
	// X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Method(http.MethodGet, "/health", cfg.Health)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhook != nil {
			public.Get("/webhook", cfg.Webhook.HandleVerification)
			public.Post("/webhook", cfg.Webhook.HandleInbound)
		}
	})

	if cfg.AdminStats != nil {
		r.Group(func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Method(http.MethodGet, "/admin/stats", cfg.AdminStats)
		})
	}

	return r
}
