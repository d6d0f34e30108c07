package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/devicetype"
	"github.com/fleetbus/fleetbus-server/internal/httputil"
)

// DeviceTypeHandler serves the per-tenant device type catalog.
type DeviceTypeHandler struct {
	devtypes devicetype.Repository
	log      zerolog.Logger
}

// NewDeviceTypeHandler creates a new device type handler.
func NewDeviceTypeHandler(devtypes devicetype.Repository, logger zerolog.Logger) *DeviceTypeHandler {
	return &DeviceTypeHandler{devtypes: devtypes, log: logger}
}

type createDeviceTypeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type deviceTypeResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toDeviceTypeResponse(dt *devicetype.DeviceType) deviceTypeResponse {
	return deviceTypeResponse{ID: dt.ID, Name: dt.Name, Description: dt.Description, CreatedAt: dt.CreatedAt}
}

// Create handles POST /device_types.
func (h *DeviceTypeHandler) Create(c fiber.Ctx) error {
	var body createDeviceTypeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if body.Name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "name is required")
	}

	created, err := h.devtypes.Create(c, devicetype.CreateParams{
		ID:          devicetype.NewID(),
		AccountID:   accountID(c),
		Name:        body.Name,
		Description: body.Description,
	})
	if err != nil {
		if errors.Is(err, devicetype.ErrAlreadyExists) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Device type already exists")
		}
		h.log.Error().Err(err).Msg("Device type creation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toDeviceTypeResponse(created))
}

// List handles GET /device_types.
func (h *DeviceTypeHandler) List(c fiber.Ctx) error {
	types, err := h.devtypes.ListByAccount(c, accountID(c))
	if err != nil {
		h.log.Error().Err(err).Msg("Device type listing failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	out := make([]deviceTypeResponse, 0, len(types))
	for i := range types {
		out = append(out, toDeviceTypeResponse(&types[i]))
	}
	return httputil.Success(c, out)
}
