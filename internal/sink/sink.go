// Package sink defines the storage contract the loader writes through and
// the error taxonomy sinks use to tell retryable faults from fatal ones.
package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/honeyload/internal/models"
)

// Sink persists events, dead letters and checkpoints.
type Sink interface {
	// UpsertBatch writes events atomically, keyed by SourceKey, and returns
	// the number of events committed.
	UpsertBatch(ctx context.Context, events []models.RawEvent) (int, error)

	// InsertDeadLetter records a permanent failure. Inserting an ID that
	// already exists is a no-op.
	InsertDeadLetter(ctx context.Context, dl models.DeadLetterEvent) error

	MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error

	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, sourceID string) (*models.Checkpoint, error)

	// SaveCheckpoint stores cp unless it is behind the stored checkpoint.
	SaveCheckpoint(ctx context.Context, sourceID string, cp models.Checkpoint) error
}

// Filter selects dead letters for reprocessing and reporting.
type Filter struct {
	Reason   string
	SourceID string
}

// Cursor is a keyset position in dead-letter order (created_at, id).
// The zero Cursor starts from the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// After returns the cursor positioned after dl.
func After(dl models.DeadLetterEvent) Cursor {
	return Cursor{CreatedAt: dl.CreatedAt, ID: dl.ID}
}

// DeadLetterStore is the operator side of the dead-letter table.
type DeadLetterStore interface {
	// ListUnresolved returns up to limit unresolved dead letters matching
	// filter, ordered by (created_at, id), strictly after the cursor.
	ListUnresolved(ctx context.Context, filter Filter, after Cursor, limit int) ([]models.DeadLetterEvent, error)

	// RecordAttempt increments the attempt count and stores the latest reason.
	RecordAttempt(ctx context.Context, id uuid.UUID, reason string) error

	// ReasonCounts returns the number of unresolved dead letters per reason.
	ReasonCounts(ctx context.Context) (map[string]int64, error)
}

// Store is a sink that also exposes its dead letters.
type Store interface {
	Sink
	DeadLetterStore
}
