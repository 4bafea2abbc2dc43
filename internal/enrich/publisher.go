package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/honeyload/common/messaging"
	"github.com/telhawk-systems/honeyload/internal/models"
)

// Publisher forwards committed events to external enrichment services on
// honeyload.events.committed.<source>. The identity key is the message ID,
// so a batch committed twice after a crash is deduplicated by the stream.
type Publisher struct {
	pub messaging.Publisher
}

// NewPublisher returns a Publisher.
func NewPublisher(pub messaging.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Consume(ctx context.Context, sourceID string, events []models.RawEvent) error {
	subject := messaging.CommittedSubject(sourceID)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.Key, err)
		}
		msg := &messaging.Message{
			Subject: subject,
			Data:    data,
			Metadata: map[string]string{
				messaging.HeaderMsgID:    ev.Key.String(),
				messaging.HeaderSourceID: sourceID,
			},
			Timestamp: time.Now().UTC(),
		}
		if err := p.pub.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("publish event %s: %w", ev.Key, err)
		}
	}
	return nil
}
