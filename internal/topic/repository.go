package topic

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetbus/fleetbus-server/internal/postgres"
)

const selectColumns = "id, account_id, name, description, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed topic repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new topic row.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Topic, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO topics (id, account_id, name, description)
			 VALUES ($1, $2, $3, $4)
			 RETURNING %s`, selectColumns),
		params.ID, params.AccountID, params.Name, params.Description,
	)
	top, err := scanTopic(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert topic: %w", err)
	}
	return top, nil
}

// ListByAccount returns all topics owned by the given account.
func (r *PGRepository) ListByAccount(ctx context.Context, accountID string) ([]Topic, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM topics WHERE account_id = $1 ORDER BY created_at", selectColumns),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		top, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, *top)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

// RelationExists reports whether the topic belongs to the account.
func (r *PGRepository) RelationExists(ctx context.Context, accountID, topicID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM topics WHERE id = $1 AND account_id = $2)",
		topicID, accountID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query topic relation: %w", err)
	}
	return exists, nil
}

// AllRelations returns every (topic, account) ownership pair.
func (r *PGRepository) AllRelations(ctx context.Context) ([]Relation, error) {
	rows, err := r.db.Query(ctx, "SELECT id, account_id FROM topics")
	if err != nil {
		return nil, fmt.Errorf("query topic relations: %w", err)
	}
	defer rows.Close()

	var relations []Relation
	for rows.Next() {
		var rel Relation
		if err := rows.Scan(&rel.TopicID, &rel.AccountID); err != nil {
			return nil, fmt.Errorf("scan topic relation: %w", err)
		}
		relations = append(relations, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topic relations: %w", err)
	}
	return relations, nil
}

func scanTopic(row pgx.Row) (*Topic, error) {
	var t Topic
	if err := row.Scan(&t.ID, &t.AccountID, &t.Name, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
