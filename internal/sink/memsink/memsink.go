// Package memsink is an in-memory sink.Store with fault injection. It backs
// the dry-run mode and the loader tests.
package memsink

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/sink"
)

// Op names a sink operation for fault injection.
type Op string

const (
	OpUpsert     Op = "upsert_batch"
	OpDeadLetter Op = "insert_dead_letter"
	OpResolve    Op = "mark_resolved"
	OpCheckpoint Op = "save_checkpoint"
	OpAttempt    Op = "record_attempt"
)

type fault struct {
	err   error
	times int // <0 means until healed
}

// Sink is safe for concurrent use.
type Sink struct {
	mu          sync.Mutex
	events      map[models.SourceKey]models.RawEvent
	deadLetters map[uuid.UUID]models.DeadLetterEvent
	checkpoints map[string]models.Checkpoint
	faults      map[Op]*fault
	calls       map[Op]int
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{
		events:      make(map[models.SourceKey]models.RawEvent),
		deadLetters: make(map[uuid.UUID]models.DeadLetterEvent),
		checkpoints: make(map[string]models.Checkpoint),
		faults:      make(map[Op]*fault),
		calls:       make(map[Op]int),
	}
}

// Fail makes the next times calls of op return err. times < 0 fails until Heal.
func (s *Sink) Fail(op Op, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: times}
}

// Heal clears every injected fault.
func (s *Sink) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[Op]*fault)
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Sink) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records the call and returns an injected fault, if any. Callers hold mu.
func (s *Sink) enter(op Op) error {
	s.calls[op]++
	f, ok := s.faults[op]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(s.faults, op)
		}
	}
	return f.err
}

func (s *Sink) UpsertBatch(ctx context.Context, events []models.RawEvent) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpsert); err != nil {
		return 0, err
	}
	for _, ev := range events {
		s.events[ev.Key] = ev
	}
	return len(events), nil
}

func (s *Sink) InsertDeadLetter(ctx context.Context, dl models.DeadLetterEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeadLetter); err != nil {
		return err
	}
	if _, exists := s.deadLetters[dl.ID]; exists {
		return nil
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	s.deadLetters[dl.ID] = dl
	return nil
}

func (s *Sink) MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolve); err != nil {
		return err
	}
	dl, ok := s.deadLetters[id]
	if !ok {
		return sink.ErrNotFound
	}
	if dl.Resolved {
		return nil
	}
	dl.Resolved = true
	dl.ResolvedAt = &at
	s.deadLetters[id] = dl
	return nil
}

func (s *Sink) LoadCheckpoint(ctx context.Context, sourceID string) (*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[sourceID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *Sink) SaveCheckpoint(ctx context.Context, sourceID string, cp models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCheckpoint); err != nil {
		return err
	}
	if cur, ok := s.checkpoints[sourceID]; ok && cp.Before(cur) {
		return nil
	}
	cp.SourceID = sourceID
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.checkpoints[sourceID] = cp
	return nil
}

func (s *Sink) ListUnresolved(ctx context.Context, filter sink.Filter, after sink.Cursor, limit int) ([]models.DeadLetterEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.DeadLetterEvent
	for _, dl := range s.sortedDeadLetters() {
		if dl.Resolved || !matches(dl, filter) || !isAfter(dl, after) {
			continue
		}
		out = append(out, dl)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Sink) RecordAttempt(ctx context.Context, id uuid.UUID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAttempt); err != nil {
		return err
	}
	dl, ok := s.deadLetters[id]
	if !ok {
		return sink.ErrNotFound
	}
	dl.Attempts++
	dl.Reason = reason
	s.deadLetters[id] = dl
	return nil
}

func (s *Sink) ReasonCounts(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, dl := range s.deadLetters {
		if !dl.Resolved {
			counts[dl.Reason]++
		}
	}
	return counts, nil
}

// Events returns every stored event ordered by key.
func (s *Sink) Events() []models.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RawEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// Event returns the event stored under key.
func (s *Sink) Event(key models.SourceKey) (models.RawEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[key]
	return ev, ok
}

// DeadLetters returns every dead letter, resolved or not, in keyset order.
func (s *Sink) DeadLetters() []models.DeadLetterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedDeadLetters()
}

// Checkpoint returns the stored checkpoint of a source.
func (s *Sink) Checkpoint(sourceID string) (models.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[sourceID]
	return cp, ok
}

func (s *Sink) sortedDeadLetters() []models.DeadLetterEvent {
	out := make([]models.DeadLetterEvent, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		return cursorLess(sink.After(out[i]), sink.After(out[j]))
	})
	return out
}

func matches(dl models.DeadLetterEvent, f sink.Filter) bool {
	if f.Reason != "" && dl.Reason != f.Reason {
		return false
	}
	if f.SourceID != "" && dl.Key.SourceID != f.SourceID {
		return false
	}
	return true
}

func isAfter(dl models.DeadLetterEvent, c sink.Cursor) bool {
	if c.CreatedAt.IsZero() && c.ID == uuid.Nil {
		return true
	}
	return cursorLess(c, sink.After(dl))
}

func cursorLess(a, b sink.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func keyLess(a, b models.SourceKey) bool {
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	if a.Inode != b.Inode {
		return a.Inode < b.Inode
	}
	return a.Offset < b.Offset
}

var _ sink.Store = (*Sink)(nil)
