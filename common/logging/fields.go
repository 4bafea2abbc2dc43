package logging

import "log/slog"

// Common field names for consistent logging across the loader.
const (
	FieldService    = "service"
	FieldSource     = "source_id"
	FieldRunID      = "run_id"
	FieldOffset     = "offset"
	FieldGeneration = "generation"
	FieldReason     = "reason"
	FieldStrategy   = "strategy"
	FieldCount      = "count"
	FieldState      = "state"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldEventType  = "event_type"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Source returns a slog attribute for a log source ID.
func Source(id string) slog.Attr {
	return slog.String(FieldSource, id)
}

// Offset returns a slog attribute for a byte offset within a source.
func Offset(off int64) slog.Attr {
	return slog.Int64(FieldOffset, off)
}

// Generation returns a slog attribute for a source rotation generation.
func Generation(gen int64) slog.Attr {
	return slog.Int64(FieldGeneration, gen)
}

// Reason returns a slog attribute for a failure classification.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// Strategy returns a slog attribute for a repair strategy name.
func Strategy(name string) slog.Attr {
	return slog.String(FieldStrategy, name)
}

// Count returns a slog attribute for a number of items.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// State returns a slog attribute for a pipeline state.
func State(state string) slog.Attr {
	return slog.String(FieldState, state)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}
