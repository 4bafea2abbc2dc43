// Package enrich delivers committed events to post-commit consumers. The
// loader never waits on them: enrichment sees events only after the sink has
// confirmed them, and a slow consumer loses batches rather than slowing
// ingestion.
package enrich

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/honeyload/internal/models"
)

// Annotations are the key/value findings an enricher attaches to an event.
type Annotations map[string]any

// Enricher annotates one committed event, for example with threat-intel
// lookups on its source address.
type Enricher interface {
	Enrich(ctx context.Context, ev models.RawEvent) (Annotations, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, ev models.RawEvent) (Annotations, error)

func (f EnricherFunc) Enrich(ctx context.Context, ev models.RawEvent) (Annotations, error) {
	return f(ctx, ev)
}

// Consumer receives batches of committed events.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, sourceID string, events []models.RawEvent) error
}

// AnnotateConsumer runs an Enricher over every event and hands non-empty
// annotations to a callback.
type AnnotateConsumer struct {
	name     string
	enricher Enricher
	emit     func(ctx context.Context, ev models.RawEvent, ann Annotations) error
}

// NewAnnotateConsumer returns a consumer named name.
func NewAnnotateConsumer(name string, e Enricher, emit func(ctx context.Context, ev models.RawEvent, ann Annotations) error) *AnnotateConsumer {
	return &AnnotateConsumer{name: name, enricher: e, emit: emit}
}

func (a *AnnotateConsumer) Name() string { return a.name }

// Consume enriches every event, continuing past failures, and returns the
// first error seen.
func (a *AnnotateConsumer) Consume(ctx context.Context, _ string, events []models.RawEvent) error {
	var first error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		ann, err := a.enricher.Enrich(ctx, ev)
		if err == nil && len(ann) > 0 {
			err = a.emit(ctx, ev, ann)
		}
		if err != nil && first == nil {
			first = fmt.Errorf("enrich %s: %w", ev.Key, err)
		}
	}
	return first
}
