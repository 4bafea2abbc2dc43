// Package messaging defines standard subject names for the honeyload message bus.
package messaging

import "strings"

// Subject constants follow the pattern: {domain}.{resource}.{action}
const (
	// SubjectEventsCommitted prefixes committed-event notifications
	// (append .{source_id}). Enrichment services consume these.
	SubjectEventsCommitted = "honeyload.events.committed"

	// SubjectDeadLetters prefixes dead-letter notifications (append .{reason}).
	SubjectDeadLetters = "honeyload.dlq"
)

// Header keys attached to published messages.
const (
	HeaderSourceID = "Honeyload-Source"
	HeaderReason   = "Honeyload-Reason"
	HeaderMsgID    = "Nats-Msg-Id"
)

// CommittedSubject returns the subject for committed events of one source.
// Example: honeyload.events.committed.cowrie-eu-1
func CommittedSubject(sourceID string) string {
	return SubjectEventsCommitted + "." + Token(sourceID)
}

// DeadLetterSubject returns the subject for dead letters with a given reason.
// Example: honeyload.dlq.buffer_overflow
func DeadLetterSubject(reason string) string {
	return SubjectDeadLetters + "." + Token(reason)
}

// Token makes s safe to use as a single NATS subject token: separators and
// wildcards are replaced with '_', and an empty token becomes "unknown".
func Token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
