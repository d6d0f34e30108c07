package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/account"
	"github.com/fleetbus/fleetbus-server/internal/auth"
	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/httputil"
)

// Default limits applied when an account is created without explicit values.
const (
	defaultMaxConnections       = 10
	defaultMaxRequestsPerMinute = 60
)

// AccountHandler serves tenant provisioning endpoints.
type AccountHandler struct {
	accounts account.Repository
	cfg      *config.Config
	log      zerolog.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(accounts account.Repository, cfg *config.Config, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, cfg: cfg, log: logger}
}

type createAccountRequest struct {
	MaxConnections       int `json:"max_connections"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`
}

type createAccountResponse struct {
	ID                   string `json:"id"`
	APIKey               string `json:"api_key"`
	MaxConnections       int    `json:"max_connections"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute"`
}

// Create handles POST /accounts. The plaintext API key is returned exactly once; only the ciphertext is stored.
func (h *AccountHandler) Create(c fiber.Ctx) error {
	var body createAccountRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if body.MaxConnections < 0 || body.MaxRequestsPerMinute < 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Limits must not be negative")
	}
	if body.MaxConnections == 0 {
		body.MaxConnections = defaultMaxConnections
	}
	if body.MaxRequestsPerMinute == 0 {
		body.MaxRequestsPerMinute = defaultMaxRequestsPerMinute
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.log.Error().Err(err).Msg("API key generation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	ciphertext, iv, err := auth.EncryptAPIKey(apiKey, h.cfg.APICipherKey)
	if err != nil {
		h.log.Error().Err(err).Msg("API key encryption failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	created, err := h.accounts.Create(c, account.CreateParams{
		ID:                   account.NewID(),
		SecretKey:            ciphertext,
		CipherIV:             iv,
		MaxConnections:       body.MaxConnections,
		MaxRequestsPerMinute: body.MaxRequestsPerMinute,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Account creation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, createAccountResponse{
		ID:                   created.ID,
		APIKey:               apiKey,
		MaxConnections:       created.MaxConnections,
		MaxRequestsPerMinute: created.MaxRequestsPerMinute,
	})
}

// APIKey handles GET /accounts/api_key, returning the decrypted API key for the header tenant.
func (h *AccountHandler) APIKey(c fiber.Ctx) error {
	creds, err := h.accounts.GetCredentials(c, accountID(c))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Account not found")
		}
		h.log.Error().Err(err).Str("account_id", accountID(c)).Msg("Credential lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	apiKey, err := auth.DecryptAPIKey(creds.SecretKey, creds.CipherIV, h.cfg.APICipherKey)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID(c)).Msg("API key decryption failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"api_key": apiKey})
}
