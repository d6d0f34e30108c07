package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/httputil"
	"github.com/fleetbus/fleetbus-server/internal/topic"
)

// TopicHandler serves the per-tenant topic catalog.
type TopicHandler struct {
	topics topic.Repository
	log    zerolog.Logger
}

// NewTopicHandler creates a new topic handler.
func NewTopicHandler(topics topic.Repository, logger zerolog.Logger) *TopicHandler {
	return &TopicHandler{topics: topics, log: logger}
}

type createTopicRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type topicResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTopicResponse(t *topic.Topic) topicResponse {
	return topicResponse{ID: t.ID, Name: t.Name, Description: t.Description, CreatedAt: t.CreatedAt}
}

// Create handles POST /topics. New topics join the tenant's allow-list at the next relations refresh.
func (h *TopicHandler) Create(c fiber.Ctx) error {
	var body createTopicRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if body.Name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "name is required")
	}

	created, err := h.topics.Create(c, topic.CreateParams{
		ID:          topic.NewID(),
		AccountID:   accountID(c),
		Name:        body.Name,
		Description: body.Description,
	})
	if err != nil {
		if errors.Is(err, topic.ErrAlreadyExists) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Topic already exists")
		}
		h.log.Error().Err(err).Msg("Topic creation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toTopicResponse(created))
}

// List handles GET /topics.
func (h *TopicHandler) List(c fiber.Ctx) error {
	topics, err := h.topics.ListByAccount(c, accountID(c))
	if err != nil {
		h.log.Error().Err(err).Msg("Topic listing failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	out := make([]topicResponse, 0, len(topics))
	for i := range topics {
		out = append(out, toTopicResponse(&topics[i]))
	}
	return httputil.Success(c, out)
}
