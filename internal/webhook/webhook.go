// Package webhook holds webhook endpoint registrations and their topic bindings. The publisher keeps an in-memory
// topic-to-URL index built from TopicBinding rows and swaps it wholesale on refresh.
package webhook

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the webhook package.
var (
	ErrNotFound        = errors.New("webhook not found")
	ErrBindingNotFound = errors.New("webhook topic binding not found")
	ErrAlreadyBound    = errors.New("webhook already bound to topic")
	ErrUnknownTopic    = errors.New("unknown topic or webhook")
	ErrUnknownAccount  = errors.New("unknown account")
)

// Webhook holds the fields read from the database.
type Webhook struct {
	ID        int64
	AccountID string
	URL       string
	CreatedAt time.Time
}

// TopicBinding joins a webhook to one of its topics, carrying the URL so the publisher index can be built from a
// single query.
type TopicBinding struct {
	ID        int64
	WebhookID int64
	TopicID   string
	URL       string
}

// CreateParams groups the inputs for registering a new webhook endpoint.
type CreateParams struct {
	AccountID string
	URL       string
}

// Repository defines persistence operations for webhooks and their topic bindings.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Webhook, error)
	ListByAccount(ctx context.Context, accountID string) ([]Webhook, error)
	Delete(ctx context.Context, accountID string, id int64) error
	BindTopic(ctx context.Context, accountID string, webhookID int64, topicID string) (*TopicBinding, error)
	UnbindTopic(ctx context.Context, accountID string, bindingID int64) error
	AllTopicBindings(ctx context.Context) ([]TopicBinding, error)
}
