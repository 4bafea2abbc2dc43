// Package status shares live source status through Redis so that
// `honeyload status` can read it from another process.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/models"
)

const (
	// DefaultKey is the hash holding one JSON status per source.
	DefaultKey = "honeyload:status"

	DefaultTTL      = time.Minute
	DefaultInterval = 5 * time.Second
)

// Store reads and writes source status in a Redis hash. The hash expires
// when no loader refreshes it.
type Store struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, key: DefaultKey, ttl: ttl}
}

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, redisURL string, ttl time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewStore(client, ttl), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Put writes every status and refreshes the hash TTL.
func (s *Store) Put(ctx context.Context, statuses []models.SourceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	values := make(map[string]any, len(statuses))
	for _, st := range statuses {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal status for %s: %w", st.SourceID, err)
		}
		values[st.SourceID] = data
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key, values)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// List returns the stored statuses sorted by source ID.
func (s *Store) List(ctx context.Context) ([]models.SourceStatus, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	out := make([]models.SourceStatus, 0, len(raw))
	for id, data := range raw {
		var st models.SourceStatus
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("corrupt status for %s: %w", id, err)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Snapshotter is satisfied by loader.Runner.
type Snapshotter interface {
	Status() []models.SourceStatus
}

// Publisher copies snapshots into a Store on an interval.
type Publisher struct {
	store    *Store
	source   Snapshotter
	interval time.Duration
	logger   *logging.Logger
}

func NewPublisher(store *Store, source Snapshotter, interval time.Duration, logger *logging.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{store: store, source: source, interval: interval, logger: logger}
}

// Run publishes until ctx is done, then publishes once more so the final
// state (halted, idle) is visible after shutdown.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			p.publish(fctx)
			cancel()
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	if err := p.store.Put(ctx, p.source.Status()); err != nil && ctx.Err() == nil {
		p.logger.Warn("status publish failed", logging.Error(err))
	}
}
