package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/account"
	"github.com/fleetbus/fleetbus-server/internal/auth"
	"github.com/fleetbus/fleetbus-server/internal/devicetype"
)

// fakeDeviceTypeRepo implements devicetype.Repository for handler tests.
type fakeDeviceTypeRepo struct {
	owned map[string]map[string]bool // account_id -> device_type_id
}

func (f *fakeDeviceTypeRepo) Create(_ context.Context, params devicetype.CreateParams) (*devicetype.DeviceType, error) {
	return &devicetype.DeviceType{ID: params.ID, AccountID: params.AccountID, Name: params.Name}, nil
}

func (f *fakeDeviceTypeRepo) ListByAccount(_ context.Context, _ string) ([]devicetype.DeviceType, error) {
	return nil, nil
}

func (f *fakeDeviceTypeRepo) RelationExists(_ context.Context, accountID, deviceTypeID string) (bool, error) {
	return f.owned[accountID][deviceTypeID], nil
}

func basicAuth(accountID, apiKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(accountID+":"+apiKey))
}

// wsFixture provisions one account with a known API key and one owned device type.
func wsFixture(t *testing.T) (*fiber.App, string) {
	t.Helper()

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	ciphertext, iv, err := auth.EncryptAPIKey(apiKey, testCipherKey)
	if err != nil {
		t.Fatalf("EncryptAPIKey() error = %v", err)
	}

	accounts := newFakeAccountRepo()
	if _, err := accounts.Create(context.Background(), account.CreateParams{
		ID:             "acct_A",
		SecretKey:      ciphertext,
		CipherIV:       iv,
		MaxConnections: 4,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	devtypes := &fakeDeviceTypeRepo{owned: map[string]map[string]bool{
		"acct_A": {"devt_1": true},
	}}

	handler := NewWSHandler(nil, accounts, devtypes, testCfg(), zerolog.Nop())
	app := fiber.New()
	app.Get("/ws/", handler.Upgrade)
	return app, apiKey
}

func wsRequest(authorization, deviceID, deviceTypeID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if deviceID != "" {
		req.Header.Set("Device-Id", deviceID)
	}
	if deviceTypeID != "" {
		req.Header.Set("Device-Type-Id", deviceTypeID)
	}
	return req
}

func TestUpgrade_MissingAuthorization(t *testing.T) {
	t.Parallel()
	app, _ := wsFixture(t)

	resp := doReq(t, app, wsRequest("", "d1", "devt_1"))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpgrade_WrongAPIKey(t *testing.T) {
	t.Parallel()
	app, _ := wsFixture(t)

	resp := doReq(t, app, wsRequest(basicAuth("acct_A", strings.Repeat("x", 64)), "d1", "devt_1"))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpgrade_UnknownAccount(t *testing.T) {
	t.Parallel()
	app, apiKey := wsFixture(t)

	resp := doReq(t, app, wsRequest(basicAuth("acct_B", apiKey), "d1", "devt_1"))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpgrade_MissingDeviceHeaders(t *testing.T) {
	t.Parallel()
	app, apiKey := wsFixture(t)

	tests := []struct {
		name         string
		deviceID     string
		deviceTypeID string
	}{
		{name: "no device id", deviceID: "", deviceTypeID: "devt_1"},
		{name: "no device type", deviceID: "d1", deviceTypeID: ""},
		{name: "oversized device id", deviceID: strings.Repeat("d", 129), deviceTypeID: "devt_1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := doReq(t, app, wsRequest(basicAuth("acct_A", apiKey), tt.deviceID, tt.deviceTypeID))
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestUpgrade_ForeignDeviceType(t *testing.T) {
	t.Parallel()
	app, apiKey := wsFixture(t)

	resp := doReq(t, app, wsRequest(basicAuth("acct_A", apiKey), "d1", "devt_other"))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUpgrade_RequiresWebSocket(t *testing.T) {
	t.Parallel()
	app, apiKey := wsFixture(t)

	// Fully authenticated but a plain GET, not an upgrade handshake.
	resp := doReq(t, app, wsRequest(basicAuth("acct_A", apiKey), "d1", "devt_1"))
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}
