package handlers

import (
	"context"
	"net/http"
	"time"

	httpmiddleware "github.com/wolfman30/whatsapp-assistant-relay/internal/http/middleware"
	"github.com/wolfman30/whatsapp-assistant-relay/internal/relay"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

const statsTimeout = 5 * time.Second

// StatsProvider exposes relay counters.
type StatsProvider interface {
	Stats(ctx context.Context) (relay.Stats, error)
}

// AdminStatsHandler serves GET /admin/stats.
type AdminStatsHandler struct {
	stats  StatsProvider
	logger *logging.Logger
}

// NewAdminStatsHandler creates the admin stats endpoint.
func NewAdminStatsHandler(stats StatsProvider, logger *logging.Logger) *AdminStatsHandler {
	if stats == nil {
		panic("handlers: stats provider cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminStatsHandler{stats: stats, logger: logger}
}

func (h *AdminStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to load relay stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}
	if claims, ok := httpmiddleware.AdminClaimsFromContext(r.Context()); ok {
		h.logger.Debug("relay stats served", "subject", claims.Subject)
	}
	writeJSON(w, http.StatusOK, stats)
}
