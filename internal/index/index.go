// Package index copies committed events into OpenSearch for search and
// dashboards. Documents are keyed by the event identity, so re-delivering a
// batch overwrites rather than duplicates.
package index

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/honeyload/internal/models"
)

// Config holds OpenSearch connection settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	Index         string
	Workers       int
	FlushBytes    int
}

// DefaultConfig returns local development defaults.
func DefaultConfig() Config {
	return Config{
		URL:        "https://localhost:9200",
		Username:   "admin",
		Password:   "admin",
		Index:      "honeyload-events",
		Workers:    1,
		FlushBytes: 5 * 1024 * 1024,
	}
}

const mapping = `{
  "mappings": {
    "properties": {
      "source_id":   {"type": "keyword"},
      "inode":       {"type": "unsigned_long"},
      "generation":  {"type": "long"},
      "offset":      {"type": "long"},
      "event_time":  {"type": "date"},
      "session_id":  {"type": "keyword"},
      "event_type":  {"type": "keyword"},
      "risk_flags":  {"type": "keyword"},
      "quarantined": {"type": "boolean"},
      "ingested_at": {"type": "date"},
      "payload":     {"type": "object", "enabled": false}
    }
  }
}`

// document is the indexed shape of a RawEvent.
type document struct {
	SourceID    string          `json:"source_id"`
	Inode       uint64          `json:"inode"`
	Generation  int64           `json:"generation"`
	Offset      int64           `json:"offset"`
	EventTime   time.Time       `json:"event_time"`
	SessionID   string          `json:"session_id"`
	EventType   string          `json:"event_type"`
	RiskFlags   []string        `json:"risk_flags,omitempty"`
	Quarantined bool            `json:"quarantined"`
	IngestedAt  time.Time       `json:"ingested_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Indexer is an enrich.Consumer that bulk indexes events.
type Indexer struct {
	client *opensearch.Client
	cfg    Config
}

// New creates an Indexer. It does not contact the cluster.
func New(cfg Config) (*Indexer, error) {
	def := DefaultConfig()
	if cfg.Index == "" {
		cfg.Index = def.Index
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = def.FlushBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify} //nolint:gosec // opt-in for self-signed dev clusters

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &Indexer{client: client, cfg: cfg}, nil
}

func (i *Indexer) Name() string { return "opensearch" }

// EnsureIndex creates the index with its mapping when it does not exist.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.cfg.Index}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", i.cfg.Index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = i.client.Indices.Create(i.cfg.Index,
		i.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		i.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", i.cfg.Index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to create index %s: %s", i.cfg.Index, res.Status())
	}
	return nil
}

// Consume indexes events and reports how many the cluster rejected.
func (i *Indexer) Consume(ctx context.Context, _ string, events []models.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	var failed atomic.Int64
	var firstErr atomic.Value

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     i.client,
		Index:      i.cfg.Index,
		NumWorkers: i.cfg.Workers,
		FlushBytes: i.cfg.FlushBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for _, ev := range events {
		data, err := json.Marshal(document{
			SourceID:    ev.Key.SourceID,
			Inode:       ev.Key.Inode,
			Generation:  ev.Key.Generation,
			Offset:      ev.Key.Offset,
			EventTime:   ev.EventTime,
			SessionID:   ev.SessionID,
			EventType:   ev.EventType,
			RiskFlags:   ev.RiskFlags,
			Quarantined: ev.Quarantined,
			IngestedAt:  ev.IngestedAt,
			Payload:     ev.Payload,
		})
		if err != nil {
			failed.Add(1)
			firstErr.CompareAndSwap(nil, err.Error())
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: ev.Key.String(),
			Body:       bytes.NewReader(data),
			OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if err != nil {
					firstErr.CompareAndSwap(nil, err.Error())
				} else {
					firstErr.CompareAndSwap(nil, res.Error.Type+": "+res.Error.Reason)
				}
			},
		})
		if err != nil {
			failed.Add(1)
			firstErr.CompareAndSwap(nil, err.Error())
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close: %w", err)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d events not indexed: %v", n, len(events), firstErr.Load())
	}
	return nil
}
