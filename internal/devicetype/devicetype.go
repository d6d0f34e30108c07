// Package devicetype holds the per-tenant device type catalog. A device may only connect under a device type its
// tenant owns.
package devicetype

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the devicetype package.
var (
	ErrNotFound      = errors.New("device type not found")
	ErrAlreadyExists = errors.New("device type already exists")
)

// DeviceType holds the fields read from the database.
type DeviceType struct {
	ID          string
	AccountID   string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateParams groups the inputs for creating a new device type.
type CreateParams struct {
	ID          string
	AccountID   string
	Name        string
	Description string
}

// Repository defines persistence operations for device types.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*DeviceType, error)
	ListByAccount(ctx context.Context, accountID string) ([]DeviceType, error)
	RelationExists(ctx context.Context, accountID, deviceTypeID string) (bool, error)
}

// NewID returns a fresh device type identifier.
func NewID() string {
	return "devt_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
