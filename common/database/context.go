package database

import (
	"context"
	"time"
)

// Standard timeout durations for sink operations
const (
	// DefaultQueryTimeout is the timeout for read queries (checkpoints, dead-letter scans)
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout is the timeout for single-row writes
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout is the timeout for batch upserts and migrations
	DefaultBulkTimeout = 30 * time.Second
)

// QueryContext creates a context with DefaultQueryTimeout.
// Use this for SELECT queries and read operations.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext creates a context with DefaultWriteTimeout.
// Use this for INSERT, UPDATE operations on a single row.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

// BulkContext creates a context with DefaultBulkTimeout.
// Use this for batch upserts and migrations.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}

// DetachedContext returns a context that keeps parent's values but ignores its
// cancellation, bounded by timeout. A batch flush that has started must finish
// (or time out) even if the pipeline is being shut down.
func DetachedContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultBulkTimeout
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
