package eventlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store using PostgreSQL. The data column is JSONB; pgx encodes the map directly.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed event log store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Insert appends one event row.
func (s *PGStore) Insert(ctx context.Context, accountID, level string, data map[string]any) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO logs (account_id, level, data) VALUES ($1, $2, $3)",
		accountID, level, data,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// ListByAccount returns the most recent entries for an account, newest first.
func (s *PGStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, level, data, created_at
		 FROM logs
		 WHERE account_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Level, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}
