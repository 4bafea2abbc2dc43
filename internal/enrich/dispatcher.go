package enrich

import (
	"context"
	"sync"

	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/metrics"
	"github.com/telhawk-systems/honeyload/internal/models"
)

const DefaultQueueSize = 64

type delivery struct {
	sourceID string
	events   []models.RawEvent
}

type lane struct {
	consumer Consumer
	queue    chan delivery
}

// Dispatcher fans committed batches out to consumers. Each consumer has its
// own bounded queue and goroutine; when a queue is full the batch is dropped
// for that consumer and counted.
type Dispatcher struct {
	lanes  []*lane
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher returns a Dispatcher. Start must be called before batches
// are delivered.
func NewDispatcher(queueSize int, logger *logging.Logger, consumers ...Consumer) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{logger: logger.With("component", "enrich")}
	for _, c := range consumers {
		d.lanes = append(d.lanes, &lane{consumer: c, queue: make(chan delivery, queueSize)})
	}
	return d
}

// Start runs one worker per consumer. Workers stop after Close drains their
// queue or when ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, l := range d.lanes {
		d.wg.Add(1)
		go d.work(ctx, l)
	}
}

func (d *Dispatcher) work(ctx context.Context, l *lane) {
	defer d.wg.Done()
	name := l.consumer.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-l.queue:
			if !ok {
				return
			}
			if err := l.consumer.Consume(ctx, job.sourceID, job.events); err != nil {
				metrics.EnrichmentErrorsTotal.WithLabelValues(name).Inc()
				d.logger.Warn("post-commit consumer failed",
					"consumer", name, logging.Source(job.sourceID), logging.Error(err))
				continue
			}
			metrics.EnrichmentEventsTotal.WithLabelValues(name).Add(float64(len(job.events)))
		}
	}
}

// Committed implements loader.CommitHook. It never blocks.
func (d *Dispatcher) Committed(_ context.Context, sourceID string, events []models.RawEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, l := range d.lanes {
		select {
		case l.queue <- delivery{sourceID: sourceID, events: events}:
		default:
			metrics.EnrichmentDroppedTotal.WithLabelValues(l.consumer.Name()).Inc()
			d.logger.Debug("enrichment queue full; batch dropped",
				"consumer", l.consumer.Name(), logging.Source(sourceID), logging.Count(len(events)))
		}
	}
}

// Close stops accepting batches and waits for queued ones to be consumed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
