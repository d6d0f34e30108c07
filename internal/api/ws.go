package api

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/account"
	"github.com/fleetbus/fleetbus-server/internal/auth"
	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/devicetype"
	"github.com/fleetbus/fleetbus-server/internal/httputil"
	"github.com/fleetbus/fleetbus-server/internal/hub"
)

// WSHandler serves the WebSocket upgrade endpoint for device connections.
type WSHandler struct {
	hub      *hub.Hub
	accounts account.Repository
	devtypes devicetype.Repository
	cfg      *config.Config
	log      zerolog.Logger
}

// NewWSHandler creates a new WebSocket upgrade handler.
func NewWSHandler(h *hub.Hub, accounts account.Repository, devtypes devicetype.Repository, cfg *config.Config, logger zerolog.Logger) *WSHandler {
	return &WSHandler{hub: h, accounts: accounts, devtypes: devtypes, cfg: cfg, log: logger}
}

// Upgrade handles GET /ws/. It authenticates the device with HTTP Basic credentials and the Device-Id /
// Device-Type-Id headers, then upgrades the connection and hands it to a hub session.
func (h *WSHandler) Upgrade(c fiber.Ctx) error {
	accountID, apiKey, err := auth.ParseBasicAuth(c.Get("Authorization"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Basic authorization required")
	}

	deviceID := c.Get("Device-Id")
	deviceTypeID := c.Get("Device-Type-Id")
	if !auth.ValidIdentifier(deviceID, h.cfg.MaxHeaderIDLen) || !auth.ValidIdentifier(deviceTypeID, h.cfg.MaxHeaderIDLen) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Device-Id and Device-Type-Id headers are required")
	}

	creds, err := h.accounts.GetCredentials(c, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid credentials")
		}
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Credential lookup failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Temporarily unavailable")
	}

	ok, err := auth.VerifyAPIKey(apiKey, creds.SecretKey, creds.CipherIV, h.cfg.APICipherKey)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("API key verification failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid credentials")
	}

	owned, err := h.devtypes.RelationExists(c, accountID, deviceTypeID)
	if err != nil {
		h.log.Error().Err(err).Str("device_type_id", deviceTypeID).Msg("Device type lookup failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Temporarily unavailable")
	}
	if !owned {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Device type not owned by account")
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	params := hub.SessionParams{AccountID: accountID, DeviceID: deviceID, DeviceTypeID: deviceTypeID}
	return websocket.New(func(conn *websocket.Conn) {
		session := hub.NewSession(h.hub, conn.Conn, params, h.log)
		_ = session.Run(context.Background())
	})(c)
}
