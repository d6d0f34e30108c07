// Package api holds the fiber handlers for the WebSocket upgrade endpoint and the control plane.
package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/fleetbus/fleetbus-server/internal/auth"
	"github.com/fleetbus/fleetbus-server/internal/httputil"
)

// localAccountID is the Locals key under which RequireAccountID stores the validated tenant ID.
const localAccountID = "account_id"

// RequireSignature verifies the X-Signature header: a hex HMAC-SHA256 of the raw request body under the shared
// control-plane key. Requests without a valid signature never reach the handler.
func RequireSignature(hexKey string) fiber.Handler {
	return func(c fiber.Ctx) error {
		signature := c.Get("X-Signature")
		if signature == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "X-Signature header is required")
		}
		ok, err := auth.VerifySignature(c.Body(), signature, hexKey)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "Signature verification failed")
		}
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid request signature")
		}
		return c.Next()
	}
}

// RequireAccountID validates the Account-Id header and stores it in Locals for the handler. Tenant-scoped
// control-plane routes trust this header once the request signature has been verified.
func RequireAccountID(maxLen int) fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Get("Account-Id")
		if !auth.ValidIdentifier(id, maxLen) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Account-Id header is missing or malformed")
		}
		c.Locals(localAccountID, id)
		return c.Next()
	}
}

// accountID returns the tenant ID stored by RequireAccountID.
func accountID(c fiber.Ctx) string {
	id, _ := c.Locals(localAccountID).(string)
	return id
}
