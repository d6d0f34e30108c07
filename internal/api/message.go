package api

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/httputil"
	"github.com/fleetbus/fleetbus-server/internal/hub"
)

// Broker is the hub surface the control plane publishes through.
type Broker interface {
	Publish(origin hub.Origin, accountID string, event hub.Event)
	ActiveDevices(ctx context.Context, accountID string) ([]hub.Device, bool, error)
}

// MessageHandler serves the external publish and device activity endpoints.
type MessageHandler struct {
	broker Broker
	log    zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(broker Broker, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{broker: broker, log: logger}
}

type publishRequest struct {
	Topics []string        `json:"topics"`
	Data   json.RawMessage `json:"data"`
}

// Publish handles POST /message. The event enters the hub with an external origin carrying the caller's remote
// address; delivery is fire-and-forget, so a 200 means accepted, not delivered.
func (h *MessageHandler) Publish(c fiber.Ctx) error {
	var body publishRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid request body")
	}
	if len(body.Topics) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "topics must not be empty")
	}

	now := time.Now()
	event := hub.Event{
		SecondsSinceUnix: uint64(now.Unix()),
		NanoSeconds:      uint32(now.Nanosecond()),
		Topics:           body.Topics,
		Data:             body.Data,
	}

	h.broker.Publish(hub.ExternalOrigin(peerAddr(c)), accountID(c), event)
	return c.SendStatus(fiber.StatusOK)
}

// ActiveDevices handles GET /active_devices, returning the tenant's connected devices as a JSON array. A tenant the
// hub has never seen yields an empty array.
func (h *MessageHandler) ActiveDevices(c fiber.Ctx) error {
	devices, ok, err := h.broker.ActiveDevices(c, accountID(c))
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID(c)).Msg("Activity snapshot failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Temporarily unavailable")
	}
	if !ok || devices == nil {
		devices = []hub.Device{}
	}
	return c.JSON(devices)
}

// peerAddr extracts the remote IP and port of the HTTP caller. Returns nil when the address cannot be parsed, which
// the wire format renders as a null sender address.
func peerAddr(c fiber.Ctx) *hub.PeerAddr {
	host, portStr, err := net.SplitHostPort(c.RequestCtx().RemoteAddr().String())
	if err != nil {
		return nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil
	}
	return &hub.PeerAddr{IP: host, Port: uint16(port)}
}
