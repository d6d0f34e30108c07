package eventlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// insertTimeout bounds each log insert so a slow database cannot stall callers.
const insertTimeout = 2 * time.Second

// Recorder writes tenant events through a Store. Failures are reported to the process log and otherwise swallowed;
// event logging never fails an operation.
type Recorder struct {
	store Store
	log   zerolog.Logger
}

// NewRecorder creates a new event recorder.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: logger}
}

// Info records an info-level event for the account.
func (r *Recorder) Info(accountID string, data map[string]any) {
	r.record(accountID, LevelInfo, data)
}

// Error records an error-level event for the account.
func (r *Recorder) Error(accountID string, data map[string]any) {
	r.record(accountID, LevelError, data)
}

func (r *Recorder) record(accountID, level string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := r.store.Insert(ctx, accountID, level, data); err != nil {
		r.log.Error().Err(err).
			Str("account_id", accountID).
			Str("level", level).
			Msg("Event log insert failed")
	}
}
