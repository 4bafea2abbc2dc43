package loader

import (
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/honeyload/internal/models"
)

// Pipeline states.
const (
	StateIdle     = "idle"
	StateReading  = "reading"
	StateFlushing = "flushing"
	StateHalted   = "halted"
)

// Halt reasons.
const (
	HaltQuarantine  = "quarantine_threshold_exceeded"
	HaltSinkFatal   = "sink_fatal"
	HaltSourceError = "source_error"
)

// StatusBoard holds the latest status of every source.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]*models.SourceStatus
	now      func() time.Time
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{statuses: make(map[string]*models.SourceStatus), now: time.Now}
}

// Update applies fn to the status of sourceID, creating it if needed.
func (b *StatusBoard) Update(sourceID string, fn func(*models.SourceStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[sourceID]
	if !ok {
		st = &models.SourceStatus{SourceID: sourceID, State: StateIdle, Breaker: BreakerClosed.String()}
		b.statuses[sourceID] = st
	}
	fn(st)
	st.UpdatedAt = b.now().UTC()
}

// Get returns a copy of one source's status.
func (b *StatusBoard) Get(sourceID string) (models.SourceStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.statuses[sourceID]
	if !ok {
		return models.SourceStatus{}, false
	}
	return *st, true
}

// Snapshot returns copies of every status ordered by source ID.
func (b *StatusBoard) Snapshot() []models.SourceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.SourceStatus, 0, len(b.statuses))
	for _, st := range b.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
