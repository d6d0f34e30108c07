// Package topic holds the per-tenant topic catalog and the allow-list relations consulted during subscription and
// fan-out.
package topic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the topic package.
var (
	ErrNotFound      = errors.New("topic not found")
	ErrAlreadyExists = errors.New("topic already exists")
)

// Topic holds the fields read from the database.
type Topic struct {
	ID          string
	AccountID   string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Relation is one (topic, account) ownership pair. The hub keeps the full relation set in memory and swaps it
// wholesale on refresh.
type Relation struct {
	TopicID   string
	AccountID string
}

// CreateParams groups the inputs for creating a new topic.
type CreateParams struct {
	ID          string
	AccountID   string
	Name        string
	Description string
}

// Repository defines persistence operations for topics.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Topic, error)
	ListByAccount(ctx context.Context, accountID string) ([]Topic, error)
	RelationExists(ctx context.Context, accountID, topicID string) (bool, error)
	AllRelations(ctx context.Context) ([]Relation, error)
}

// NewID returns a fresh topic identifier.
func NewID() string {
	return "top_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
