package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetbus/fleetbus-server/internal/postgres"
)

const selectColumns = "id, max_connections, max_requests_per_minute, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed account repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new account row with its encrypted API key material.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Account, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO accounts (id, secret_key, cipher_iv, max_connections, max_requests_per_minute)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING %s`, selectColumns),
		params.ID, params.SecretKey, params.CipherIV, params.MaxConnections, params.MaxRequestsPerMinute,
	)
	acct, err := scanAccount(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

// GetByID returns the account matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM accounts WHERE id = $1", selectColumns), id,
	)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query account by id: %w", err)
	}
	return acct, nil
}

// GetCredentials returns the account together with its encrypted API key material.
func (r *PGRepository) GetCredentials(ctx context.Context, id string) (*Credentials, error) {
	var c Credentials
	err := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s, secret_key, cipher_iv FROM accounts WHERE id = $1", selectColumns), id,
	).Scan(&c.ID, &c.MaxConnections, &c.MaxRequestsPerMinute, &c.CreatedAt, &c.UpdatedAt, &c.SecretKey, &c.CipherIV)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query account credentials: %w", err)
	}
	return &c, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.MaxConnections, &a.MaxRequestsPerMinute, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
