package api

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/httputil"
	"github.com/fleetbus/fleetbus-server/internal/webhook"
)

// WebhookHandler serves webhook endpoint registration and topic binding.
type WebhookHandler struct {
	webhooks webhook.Repository
	log      zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(webhooks webhook.Repository, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, log: logger}
}

type createWebhookRequest struct {
	URL string `json:"url"`
}

type webhookResponse struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

type bindTopicRequest struct {
	TopicID string `json:"topic_id"`
}

type bindingResponse struct {
	ID        int64  `json:"id"`
	WebhookID int64  `json:"webhook_id"`
	TopicID   string `json:"topic_id"`
}

// Create handles POST /webhooks.
func (h *WebhookHandler) Create(c fiber.Ctx) error {
	var body createWebhookRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if !validWebhookURL(body.URL) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "url must be a valid http or https URL")
	}

	created, err := h.webhooks.Create(c, webhook.CreateParams{AccountID: accountID(c), URL: body.URL})
	if err != nil {
		if errors.Is(err, webhook.ErrUnknownAccount) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Account not found")
		}
		h.log.Error().Err(err).Msg("Webhook creation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, webhookResponse{
		ID:        created.ID,
		URL:       created.URL,
		CreatedAt: created.CreatedAt,
	})
}

// List handles GET /webhooks.
func (h *WebhookHandler) List(c fiber.Ctx) error {
	hooks, err := h.webhooks.ListByAccount(c, accountID(c))
	if err != nil {
		h.log.Error().Err(err).Msg("Webhook listing failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	out := make([]webhookResponse, 0, len(hooks))
	for _, hook := range hooks {
		out = append(out, webhookResponse{ID: hook.ID, URL: hook.URL, CreatedAt: hook.CreatedAt})
	}
	return httputil.Success(c, out)
}

// Delete handles DELETE /webhooks/:id. Bindings cascade in the database; the publisher index catches up at the next
// refresh.
func (h *WebhookHandler) Delete(c fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid webhook id")
	}

	if err := h.webhooks.Delete(c, accountID(c), id); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Webhook not found")
		}
		h.log.Error().Err(err).Int64("webhook_id", id).Msg("Webhook deletion failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"deleted": id})
}

// BindTopic handles POST /webhooks/:id/topics.
func (h *WebhookHandler) BindTopic(c fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid webhook id")
	}

	var body bindTopicRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if body.TopicID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "topic_id is required")
	}

	binding, err := h.webhooks.BindTopic(c, accountID(c), id, body.TopicID)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownTopic):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Webhook or topic not found")
		case errors.Is(err, webhook.ErrAlreadyBound):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Webhook already bound to topic")
		default:
			h.log.Error().Err(err).Int64("webhook_id", id).Msg("Topic binding failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, bindingResponse{
		ID:        binding.ID,
		WebhookID: binding.WebhookID,
		TopicID:   binding.TopicID,
	})
}

// UnbindTopic handles DELETE /webhook_topics/:id.
func (h *WebhookHandler) UnbindTopic(c fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid binding id")
	}

	if err := h.webhooks.UnbindTopic(c, accountID(c), id); err != nil {
		if errors.Is(err, webhook.ErrBindingNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Binding not found")
		}
		h.log.Error().Err(err).Int64("binding_id", id).Msg("Topic unbinding failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"deleted": id})
}

// validWebhookURL accepts absolute http or https URLs with a host.
func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
