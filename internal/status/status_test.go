package status

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/honeyload/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStore_PutAndList(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, 30*time.Second)
	ctx := context.Background()

	err := store.Put(ctx, []models.SourceStatus{
		{SourceID: "sensor-b", State: "reading", Processed: 10, Breaker: "closed"},
		{SourceID: "sensor-a", State: "halted", HaltReason: "quarantine_threshold_exceeded", Breaker: "open"},
	})
	require.NoError(t, err)

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sensor-a", got[0].SourceID)
	assert.Equal(t, "quarantine_threshold_exceeded", got[0].HaltReason)
	assert.Equal(t, int64(10), got[1].Processed)

	assert.Equal(t, 30*time.Second, mr.TTL(DefaultKey))
}

func TestStore_PutOverwrites(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []models.SourceStatus{{SourceID: "s", State: "reading"}}))
	require.NoError(t, store.Put(ctx, []models.SourceStatus{{SourceID: "s", State: "idle"}}))

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "idle", got[0].State)
}

func TestStore_ListEmptyAndExpired(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, time.Second)
	ctx := context.Background()

	got, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.Put(ctx, []models.SourceStatus{{SourceID: "s"}}))
	mr.FastForward(2 * time.Second)

	got, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_CorruptEntry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, 0)
	mr.HSet(DefaultKey, "s", "{not json")

	_, err := store.List(context.Background())
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0", 0)
	require.NoError(t, err)
	assert.NoError(t, store.Close())

	_, err = Connect(context.Background(), "not a url", 0)
	assert.Error(t, err)
}

type countingSnapshot struct {
	calls atomic.Int64
}

func (c *countingSnapshot) Status() []models.SourceStatus {
	n := c.calls.Add(1)
	return []models.SourceStatus{{SourceID: "sensor-1", Processed: n}}
}

func TestPublisher_PublishesUntilCanceled(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client, 0)
	snap := &countingSnapshot{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPublisher(store, snap, 10*time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return snap.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, snap.calls.Load(), got[0].Processed, "final snapshot is published after cancel")
}
