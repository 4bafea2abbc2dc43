// Package models defines the records the loader persists: raw events, dead
// letters, checkpoints, and the operator-facing source status.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceKey identifies a record by where it was read. It is the upsert key for
// raw events and the cross-reference for dead letters.
type SourceKey struct {
	SourceID   string `json:"source_id"`
	Inode      uint64 `json:"inode"`
	Generation int64  `json:"generation"`
	Offset     int64  `json:"offset"`
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", k.SourceID, k.Inode, k.Generation, k.Offset)
}

// RawEvent is a parsed or repaired honeypot event.
type RawEvent struct {
	Key         SourceKey       `json:"key"`
	EventTime   time.Time       `json:"event_time"`
	SessionID   string          `json:"session_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	RiskFlags   []string        `json:"risk_flags,omitempty"`
	Quarantined bool            `json:"quarantined"`
	IngestedAt  time.Time       `json:"ingested_at"`
}

// Risk flag prefixes attached to salvaged events.
const (
	FlagRepaired  = "repaired:"
	FlagDefaulted = "defaulted:"

	// FlagIngestTime marks an event whose record carried no timestamp;
	// EventTime is the ingest time.
	FlagIngestTime = "event_time:ingested"
)

// DeadLetterEvent is a record the repair engine could not reconstruct.
// Dead letters are resolved, never deleted.
type DeadLetterEvent struct {
	ID         uuid.UUID  `json:"id"`
	Key        SourceKey  `json:"key"`
	Content    string     `json:"content"`
	Reason     string     `json:"reason"`
	Attempts   int        `json:"attempts"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Checksum   string     `json:"checksum,omitempty"`
}

var deadLetterNamespace = uuid.MustParse("6f1b0c7e-4a8d-5d4e-9a57-2c1f3e8b9d10")

// DeadLetterID derives the dead-letter ID for a key. Re-inserting the same
// failure after a crash resolves to the same row.
func DeadLetterID(key SourceKey) uuid.UUID {
	return uuid.NewSHA1(deadLetterNamespace, []byte(key.String()))
}

// Checkpoint is the last durably committed read position of a source.
// Offset is the next byte to read.
type Checkpoint struct {
	SourceID   string    `json:"source_id"`
	Offset     int64     `json:"offset"`
	Inode      uint64    `json:"inode"`
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Before reports whether c is an earlier read position than other.
func (c Checkpoint) Before(other Checkpoint) bool {
	if c.Generation != other.Generation {
		return c.Generation < other.Generation
	}
	return c.Offset < other.Offset
}

// SourceStatus is the operator view of one source pipeline.
type SourceStatus struct {
	SourceID     string    `json:"source_id"`
	State        string    `json:"state"`
	HaltReason   string    `json:"halt_reason,omitempty"`
	Processed    int64     `json:"processed"`
	Repaired     int64     `json:"repaired"`
	Quarantined  int64     `json:"quarantined"`
	DeadLettered int64     `json:"dead_lettered"`
	Committed    int64     `json:"committed"`
	Breaker      string    `json:"breaker"`
	Checkpoint   int64     `json:"checkpoint"`
	Generation   int64     `json:"generation"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
