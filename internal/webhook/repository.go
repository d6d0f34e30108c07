package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetbus/fleetbus-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed webhook repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new webhook row.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Webhook, error) {
	var w Webhook
	err := r.db.QueryRow(ctx,
		`INSERT INTO webhooks (account_id, url)
		 VALUES ($1, $2)
		 RETURNING id, account_id, url, created_at`,
		params.AccountID, params.URL,
	).Scan(&w.ID, &w.AccountID, &w.URL, &w.CreatedAt)
	if err != nil {
		// The only foreign key on webhooks is account_id.
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrUnknownAccount
		}
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return &w, nil
}

// ListByAccount returns all webhooks owned by the given account.
func (r *PGRepository) ListByAccount(ctx context.Context, accountID string) ([]Webhook, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, account_id, url, created_at FROM webhooks WHERE account_id = $1 ORDER BY id",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.AccountID, &w.URL, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return hooks, nil
}

// Delete removes a webhook and, via cascade, its topic bindings. The account scope prevents cross-tenant deletion.
func (r *PGRepository) Delete(ctx context.Context, accountID string, id int64) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM webhooks WHERE id = $1 AND account_id = $2", id, accountID,
	)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindTopic attaches a topic to a webhook. Both must belong to the given account.
func (r *PGRepository) BindTopic(ctx context.Context, accountID string, webhookID int64, topicID string) (*TopicBinding, error) {
	var b TopicBinding
	err := r.db.QueryRow(ctx,
		`INSERT INTO webhook_topics (webhook_id, topic_id)
		 SELECT w.id, t.id
		 FROM webhooks w, topics t
		 WHERE w.id = $1 AND w.account_id = $2 AND t.id = $3 AND t.account_id = $2
		 RETURNING id, webhook_id, topic_id`,
		webhookID, accountID, topicID,
	).Scan(&b.ID, &b.WebhookID, &b.TopicID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownTopic
		}
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyBound
		}
		return nil, fmt.Errorf("insert webhook topic binding: %w", err)
	}
	return &b, nil
}

// UnbindTopic removes a topic binding. The account scope prevents cross-tenant deletion.
func (r *PGRepository) UnbindTopic(ctx context.Context, accountID string, bindingID int64) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_topics wt
		 USING webhooks w
		 WHERE wt.id = $1 AND wt.webhook_id = w.id AND w.account_id = $2`,
		bindingID, accountID,
	)
	if err != nil {
		return fmt.Errorf("delete webhook topic binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBindingNotFound
	}
	return nil
}

// AllTopicBindings returns every topic binding joined with its webhook URL.
func (r *PGRepository) AllTopicBindings(ctx context.Context) ([]TopicBinding, error) {
	rows, err := r.db.Query(ctx,
		`SELECT wt.id, wt.webhook_id, wt.topic_id, w.url
		 FROM webhook_topics wt
		 JOIN webhooks w ON w.id = wt.webhook_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhook topic bindings: %w", err)
	}
	defer rows.Close()

	var bindings []TopicBinding
	for rows.Next() {
		var b TopicBinding
		if err := rows.Scan(&b.ID, &b.WebhookID, &b.TopicID, &b.URL); err != nil {
			return nil, fmt.Errorf("scan webhook topic binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook topic bindings: %w", err)
	}
	return bindings, nil
}
