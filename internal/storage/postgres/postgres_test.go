package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/sink"
)

// setupTestDatabase starts a PostgreSQL container and applies the migrations.
func setupTestDatabase(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("honeyload_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	v, err := MigrateUp(dsn)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	store, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func event(offset int64, session string) models.RawEvent {
	return models.RawEvent{
		Key:        models.SourceKey{SourceID: "cowrie-1", Inode: 1234, Generation: 0, Offset: offset},
		EventTime:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		SessionID:  session,
		EventType:  "cowrie.command.input",
		Payload:    []byte(`{"eventid":"cowrie.command.input","input":"echo \u0000","session":"` + session + `"}`),
		IngestedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()

	n, err := store.UpsertBatch(ctx, []models.RawEvent{event(0, "a"), event(100, "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	replay := event(0, "a")
	replay.RiskFlags = []string{"repaired:trailing_comma"}
	_, err = store.UpsertBatch(ctx, []models.RawEvent{replay})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM raw_events`).Scan(&count))
	assert.Equal(t, 2, count)

	var flags []string
	require.NoError(t, store.pool.QueryRow(ctx,
		`SELECT risk_flags FROM raw_events WHERE byte_offset = 0`).Scan(&flags))
	assert.Equal(t, []string{"repaired:trailing_comma"}, flags)
}

func TestStore_DeadLetters(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var ids []models.DeadLetterEvent
	for i, reason := range []string{"unrecognizable", "truncated", "unrecognizable"} {
		key := models.SourceKey{SourceID: "cowrie-1", Inode: 99, Offset: int64(i * 10)}
		dl := models.DeadLetterEvent{
			ID:        models.DeadLetterID(key),
			Key:       key,
			Content:   "\x00\xffbinary",
			Reason:    reason,
			Attempts:  1,
			CreatedAt: created.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.InsertDeadLetter(ctx, dl))
		require.NoError(t, store.InsertDeadLetter(ctx, dl), "re-insert is a no-op")
		ids = append(ids, dl)
	}

	counts, err := store.ReasonCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"unrecognizable": 2, "truncated": 1}, counts)

	page, err := store.ListUnresolved(ctx, sink.Filter{}, sink.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0].ID, page[0].ID)
	assert.Equal(t, "\x00\xffbinary", page[0].Content, "content round-trips byte for byte")
	assert.EqualValues(t, 99, page[0].Key.Inode)

	rest, err := store.ListUnresolved(ctx, sink.Filter{}, sink.After(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2].ID, rest[0].ID)

	filtered, err := store.ListUnresolved(ctx, sink.Filter{Reason: "truncated"}, sink.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	require.NoError(t, store.RecordAttempt(ctx, ids[0].ID, "schema_mismatch"))
	require.NoError(t, store.MarkResolved(ctx, ids[1].ID, time.Now()))
	assert.ErrorIs(t, store.MarkResolved(ctx, models.DeadLetterID(models.SourceKey{SourceID: "nope"}), time.Now()), sink.ErrNotFound)

	page, err = store.ListUnresolved(ctx, sink.Filter{}, sink.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].Attempts)
	assert.Equal(t, "schema_mismatch", page[0].Reason)
}

func TestStore_CheckpointNeverRegresses(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()

	cp, err := store.LoadCheckpoint(ctx, "cowrie-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.SaveCheckpoint(ctx, "cowrie-1", models.Checkpoint{Offset: 500, Inode: 7}))
	require.NoError(t, store.SaveCheckpoint(ctx, "cowrie-1", models.Checkpoint{Offset: 200, Inode: 7}))

	cp, err = store.LoadCheckpoint(ctx, "cowrie-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.EqualValues(t, 500, cp.Offset)

	// A new generation restarts offsets.
	require.NoError(t, store.SaveCheckpoint(ctx, "cowrie-1", models.Checkpoint{Offset: 10, Inode: 8, Generation: 1}))
	cp, err = store.LoadCheckpoint(ctx, "cowrie-1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, cp.Offset)
	assert.EqualValues(t, 8, cp.Inode)
	assert.EqualValues(t, 1, cp.Generation)
}
