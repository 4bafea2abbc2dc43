// Package postgres is the PostgreSQL sink: raw events, dead letters and
// checkpoints in one database, written through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/honeyload/common/database"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/sink"
)

// Config holds the pool settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements sink.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ sink.Store = (*Store)(nil)

// New connects and pings the database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pctx, cancel := database.QueryContext(ctx)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertEvent = `
	INSERT INTO raw_events
		(source_id, inode, generation, byte_offset, event_time, session_id, event_type,
		 payload, risk_flags, quarantined, ingested_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (source_id, inode, generation, byte_offset) DO UPDATE SET
		event_time  = EXCLUDED.event_time,
		session_id  = EXCLUDED.session_id,
		event_type  = EXCLUDED.event_type,
		payload     = EXCLUDED.payload,
		risk_flags  = EXCLUDED.risk_flags,
		quarantined = EXCLUDED.quarantined,
		ingested_at = EXCLUDED.ingested_at
`

// UpsertBatch writes events in one transaction.
func (s *Store) UpsertBatch(ctx context.Context, events []models.RawEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify("upsert_batch", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	batch := &pgx.Batch{}
	for _, ev := range events {
		flags := ev.RiskFlags
		if flags == nil {
			flags = []string{}
		}
		batch.Queue(upsertEvent,
			ev.Key.SourceID, int64(ev.Key.Inode), ev.Key.Generation, ev.Key.Offset,
			ev.EventTime, ev.SessionID, ev.EventType,
			string(ev.Payload), flags, ev.Quarantined, ev.IngestedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return 0, classify("upsert_batch", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, classify("upsert_batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify("upsert_batch", err)
	}
	return len(events), nil
}

// InsertDeadLetter stores dl unless its ID is already present.
func (s *Store) InsertDeadLetter(ctx context.Context, dl models.DeadLetterEvent) error {
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	attempts := dl.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letter_events
			(id, source_id, inode, generation, byte_offset, content, reason, attempts,
			 checksum, resolved, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		dl.ID, dl.Key.SourceID, int64(dl.Key.Inode), dl.Key.Generation, dl.Key.Offset,
		[]byte(dl.Content), dl.Reason, attempts, dl.Checksum, dl.Resolved, dl.ResolvedAt, createdAt,
	)
	if err != nil {
		return classify("insert_dead_letter", err)
	}
	return nil
}

// MarkResolved resolves a dead letter. Resolving twice keeps the first time.
func (s *Store) MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_events
		SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return classify("mark_resolved", err)
	}
	if tag.RowsAffected() == 0 {
		return sink.ErrNotFound
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, sourceID string) (*models.Checkpoint, error) {
	var (
		cp    models.Checkpoint
		inode int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT source_id, byte_offset, inode, generation, updated_at
		FROM source_checkpoints
		WHERE source_id = $1
	`, sourceID).Scan(&cp.SourceID, &cp.Offset, &inode, &cp.Generation, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_checkpoint", err)
	}
	cp.Inode = uint64(inode)
	return &cp, nil
}

// SaveCheckpoint upserts cp unless the stored checkpoint is further along.
func (s *Store) SaveCheckpoint(ctx context.Context, sourceID string, cp models.Checkpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_checkpoints (source_id, byte_offset, inode, generation, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET
			byte_offset = EXCLUDED.byte_offset,
			inode       = EXCLUDED.inode,
			generation  = EXCLUDED.generation,
			updated_at  = EXCLUDED.updated_at
		WHERE (source_checkpoints.generation, source_checkpoints.byte_offset)
		   <= (EXCLUDED.generation, EXCLUDED.byte_offset)
	`, sourceID, cp.Offset, int64(cp.Inode), cp.Generation, updatedAt)
	if err != nil {
		return classify("save_checkpoint", err)
	}
	return nil
}

func (s *Store) ListUnresolved(ctx context.Context, filter sink.Filter, after sink.Cursor, limit int) ([]models.DeadLetterEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var afterTime any
	if !after.CreatedAt.IsZero() || after.ID != uuid.Nil {
		afterTime = after.CreatedAt
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, inode, generation, byte_offset, content, reason, attempts,
		       checksum, resolved, resolved_at, created_at
		FROM dead_letter_events
		WHERE NOT resolved
		  AND ($1 = '' OR reason = $1)
		  AND ($2 = '' OR source_id = $2)
		  AND ($3::timestamptz IS NULL OR (created_at, id) > ($3::timestamptz, $4::uuid))
		ORDER BY created_at, id
		LIMIT $5
	`, filter.Reason, filter.SourceID, afterTime, after.ID, limit)
	if err != nil {
		return nil, classify("list_unresolved", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEvent
	for rows.Next() {
		var (
			dl      models.DeadLetterEvent
			inode   int64
			content []byte
		)
		if err := rows.Scan(&dl.ID, &dl.Key.SourceID, &inode, &dl.Key.Generation, &dl.Key.Offset,
			&content, &dl.Reason, &dl.Attempts, &dl.Checksum, &dl.Resolved, &dl.ResolvedAt, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Key.Inode = uint64(inode)
		dl.Content = string(content)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_unresolved", err)
	}
	return out, nil
}

func (s *Store) RecordAttempt(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_events
		SET attempts = attempts + 1, reason = $2
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return classify("record_attempt", err)
	}
	if tag.RowsAffected() == 0 {
		return sink.ErrNotFound
	}
	return nil
}

func (s *Store) ReasonCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reason, COUNT(*)
		FROM dead_letter_events
		WHERE NOT resolved
		GROUP BY reason
	`)
	if err != nil {
		return nil, classify("reason_counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			reason string
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan reason count: %w", err)
		}
		counts[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("reason_counts", err)
	}
	return counts, nil
}

// classify wraps err as transient or fatal. Server errors are judged by
// SQLSTATE class; anything else that is not a cancellation is transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCode(pgErr.Code) {
			return sink.Transient(op, err)
		}
		return sink.Fatal(op, err)
	}

	return sink.Transient(op, err)
}

func transientCode(code string) bool {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57014", // query_canceled
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return true
	}
	if len(code) < 2 {
		return true
	}
	switch code[:2] {
	case "08", // connection exception
		"53", // insufficient resources
		"58": // system error
		return true
	}
	return false
}
