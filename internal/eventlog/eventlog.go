// Package eventlog records per-tenant structured events (connects, disconnects, parse failures, delivery errors) to
// the database. Writes are best-effort and never gate the hot path.
package eventlog

import (
	"context"
	"time"
)

// Log levels stored in the level column.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Entry is one recorded event.
type Entry struct {
	ID        int64
	AccountID string
	Level     string
	Data      map[string]any
	CreatedAt time.Time
}

// Store defines persistence operations for event log entries.
type Store interface {
	Insert(ctx context.Context, accountID, level string, data map[string]any) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Entry, error)
}
