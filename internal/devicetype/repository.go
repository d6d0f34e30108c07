package devicetype

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

// NewPGRepository creates a new PostgreSQL-backed device type repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a new device type row.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*DeviceType, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO device_types (id, account_id, name, description)
			 VALUES ($1, $2, $3, $4)
			 RETURNING %s`, selectColumns),
		params.ID, params.AccountID, params.Name, params.Description,
	)
	dt, err := scanDeviceType(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert device type: %w", err)
	}
	return dt, nil
}

// ListByAccount returns all device types owned by the given account.
func (r *PGRepository) ListByAccount(ctx context.Context, accountID string) ([]DeviceType, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM device_types WHERE account_id = $1 ORDER BY created_at", selectColumns),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query device types: %w", err)
	}
	defer rows.Close()

	var types []DeviceType
	for rows.Next() {
		dt, err := scanDeviceType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device type: %w", err)
		}
		types = append(types, *dt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device types: %w", err)
	}
	return types, nil
}

// RelationExists reports whether the device type belongs to the account.
func (r *PGRepository) RelationExists(ctx context.Context, accountID, deviceTypeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM device_types WHERE id = $1 AND account_id = $2)",
		deviceTypeID, accountID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query device type relation: %w", err)
	}
	return exists, nil
}

func scanDeviceType(row pgx.Row) (*DeviceType, error) {
	var dt DeviceType
	if err := row.Scan(&dt.ID, &dt.AccountID, &dt.Name, &dt.Description, &dt.CreatedAt, &dt.UpdatedAt); err != nil {
		return nil, err
	}
	return &dt, nil
}
