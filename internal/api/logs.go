package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/eventlog"
	"github.com/fleetbus/fleetbus-server/internal/httputil"
)

// LogsHandler serves the tenant-scoped event log.
type LogsHandler struct {
	store eventlog.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// NewLogsHandler creates a new event log handler.
func NewLogsHandler(store eventlog.Store, cfg *config.Config, logger zerolog.Logger) *LogsHandler {
	return &LogsHandler{store: store, cfg: cfg, log: logger}
}

type logEntryResponse struct {
	ID        int64          `json:"id"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// List handles GET /logs, newest first. The limit query parameter is capped at the configured maximum.
func (h *LogsHandler) List(c fiber.Ctx) error {
	limit := h.cfg.LogQueryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "limit must be a positive integer")
		}
		if n < limit {
			limit = n
		}
	}

	entries, err := h.store.ListByAccount(c, accountID(c), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Event log query failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	out := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntryResponse{ID: e.ID, Level: e.Level, Data: e.Data, CreatedAt: e.CreatedAt})
	}
	return httputil.Success(c, out)
}
