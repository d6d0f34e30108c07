// Package account holds tenant records: connection caps, rate-limit ceilings, and the encrypted API key used to
// authenticate device connections.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the account package.
var (
	ErrNotFound      = errors.New("account not found")
	ErrAlreadyExists = errors.New("account already exists")
)

// Account holds the fields read from the database.
type Account struct {
	ID                   string
	MaxConnections       int
	MaxRequestsPerMinute int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Credentials extends Account with the encrypted API key material.
type Credentials struct {
	Account
	SecretKey string // hex-encoded AES-256-CBC ciphertext of the API key
	CipherIV  string // hex-encoded IV used for SecretKey
}

// Limits is the subset of an account consulted on every connect and inbound frame. It is small enough to cache.
type Limits struct {
	MaxConnections       int `json:"max_connections"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`
}

// CreateParams groups the inputs for creating a new account.
type CreateParams struct {
	ID                   string
	SecretKey            string
	CipherIV             string
	MaxConnections       int
	MaxRequestsPerMinute int
}

// Repository defines persistence operations for accounts.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
	GetCredentials(ctx context.Context, id string) (*Credentials, error)
}

// NewID returns a fresh account identifier.
func NewID() string {
	return "acct_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
