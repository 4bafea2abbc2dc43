// Package dlq mirrors newly dead-lettered records onto the message bus so
// operators and alerting can react without polling the database.
package dlq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/telhawk-systems/honeyload/common/database"
	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/common/messaging"
	"github.com/telhawk-systems/honeyload/internal/metrics"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/sink"
)

const DefaultQueueSize = 1024

// MirrorSink decorates a sink. Every dead letter the inner sink accepts is
// also published on honeyload.dlq.<reason>, keyed by its ID so the stream
// drops replays.
//
// Publishing is best effort and happens off the insert path: accepted dead
// letters are queued for a background worker, and a full queue drops the
// mirror copy. A stalled bus therefore never delays a flush.
type MirrorSink struct {
	sink.Sink
	pub    messaging.Publisher
	queue  chan models.DeadLetterEvent
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewMirrorSink wraps inner. Start must be called before anything is mirrored.
func NewMirrorSink(inner sink.Sink, pub messaging.Publisher, queueSize int, logger *logging.Logger) *MirrorSink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MirrorSink{
		Sink:   inner,
		pub:    pub,
		queue:  make(chan models.DeadLetterEvent, queueSize),
		logger: logger.With("component", "dlq_mirror"),
	}
}

// Start runs the publishing worker until Close drains the queue or ctx is
// canceled.
func (m *MirrorSink) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case dl, ok := <-m.queue:
				if !ok {
					return
				}
				m.publish(ctx, dl)
			}
		}
	}()
}

// Close stops accepting dead letters and waits for queued ones to be published.
func (m *MirrorSink) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	m.wg.Wait()
}

// InsertDeadLetter stores dl, then queues it for mirroring. It never waits
// on the bus.
func (m *MirrorSink) InsertDeadLetter(ctx context.Context, dl models.DeadLetterEvent) error {
	if err := m.Sink.InsertDeadLetter(ctx, dl); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	select {
	case m.queue <- dl:
	default:
		metrics.DeadLetterMirrorErrors.Inc()
		m.logger.Debug("mirror queue full; dead letter not mirrored",
			logging.Source(dl.Key.SourceID), logging.Reason(dl.Reason))
	}
	return nil
}

func (m *MirrorSink) publish(ctx context.Context, dl models.DeadLetterEvent) {
	data, err := json.Marshal(dl)
	if err != nil {
		metrics.DeadLetterMirrorErrors.Inc()
		m.logger.Error("failed to marshal dead letter", logging.Error(err))
		return
	}

	pctx, cancel := database.WriteContext(ctx)
	defer cancel()

	msg := &messaging.Message{
		Subject: messaging.DeadLetterSubject(dl.Reason),
		Data:    data,
		Metadata: map[string]string{
			messaging.HeaderMsgID:    dl.ID.String(),
			messaging.HeaderSourceID: dl.Key.SourceID,
			messaging.HeaderReason:   dl.Reason,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := m.pub.PublishMsg(pctx, msg); err != nil {
		metrics.DeadLetterMirrorErrors.Inc()
		m.logger.Warn("failed to mirror dead letter",
			logging.Source(dl.Key.SourceID), logging.Reason(dl.Reason), logging.Error(err))
	}
}
