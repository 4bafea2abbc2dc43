package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/honeyload/internal/models"
)

// fakeCluster answers the index and bulk APIs the Indexer uses.
type fakeCluster struct {
	mu      sync.Mutex
	exists  bool
	created string
	docs    map[string]document
	reject  map[string]bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{docs: map[string]document{}, reject: map[string]bool{}}
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case r.Method == http.MethodHead:
		if c.exists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut:
		c.created = strings.Trim(r.URL.Path, "/")
		c.exists = true
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"acknowledged":true}`)
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		c.bulk(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (c *fakeCluster) bulk(w http.ResponseWriter, r *http.Request) {
	var items []map[string]any
	hasErrors := false

	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var meta map[string]struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !sc.Scan() {
			break
		}
		id := meta["index"].ID
		if c.reject[id] {
			hasErrors = true
			items = append(items, map[string]any{"index": map[string]any{
				"_id": id, "status": 400,
				"error": map[string]any{"type": "mapper_parsing_exception", "reason": "bad field"},
			}})
			continue
		}
		var doc document
		if err := json.Unmarshal(sc.Bytes(), &doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.docs[id] = doc
		items = append(items, map[string]any{"index": map[string]any{"_id": id, "status": 201}})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

func testEvents(n int) []models.RawEvent {
	events := make([]models.RawEvent, n)
	for i := range events {
		events[i] = models.RawEvent{
			Key:        models.SourceKey{SourceID: "sensor-1", Inode: 42, Generation: 1, Offset: int64(i * 100)},
			EventTime:  time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
			SessionID:  fmt.Sprintf("s-%d", i),
			EventType:  "cowrie.login.failed",
			Payload:    json.RawMessage(fmt.Sprintf(`{"eventid":"cowrie.login.failed","n":%d}`, i)),
			IngestedAt: time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC),
		}
	}
	events[0].RiskFlags = []string{models.FlagRepaired + "trailing_comma"}
	return events
}

func newTestIndexer(t *testing.T, cluster *fakeCluster) *Indexer {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	ix, err := New(Config{URL: srv.URL, Index: "honeyload-test"})
	require.NoError(t, err)
	return ix
}

func TestEnsureIndex(t *testing.T) {
	cluster := newFakeCluster()
	ix := newTestIndexer(t, cluster)

	require.NoError(t, ix.EnsureIndex(t.Context()))
	assert.Equal(t, "honeyload-test", cluster.created)

	cluster.created = ""
	require.NoError(t, ix.EnsureIndex(t.Context()))
	assert.Empty(t, cluster.created, "existing index is left alone")
}

func TestConsume_IndexesByIdentityKey(t *testing.T) {
	cluster := newFakeCluster()
	ix := newTestIndexer(t, cluster)
	events := testEvents(3)

	require.NoError(t, ix.Consume(t.Context(), "sensor-1", events))
	// Redelivery overwrites the same documents.
	require.NoError(t, ix.Consume(t.Context(), "sensor-1", events))

	require.Len(t, cluster.docs, 3)
	doc, ok := cluster.docs[events[0].Key.String()]
	require.True(t, ok)
	assert.Equal(t, "s-0", doc.SessionID)
	assert.Equal(t, []string{"repaired:trailing_comma"}, doc.RiskFlags)
	assert.JSONEq(t, string(events[0].Payload), string(doc.Payload))
}

func TestConsume_ReportsRejectedDocuments(t *testing.T) {
	cluster := newFakeCluster()
	ix := newTestIndexer(t, cluster)
	events := testEvents(3)
	cluster.reject[events[1].Key.String()] = true

	err := ix.Consume(t.Context(), "sensor-1", events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 events not indexed")
	assert.Len(t, cluster.docs, 2)
}

func TestConsume_Empty(t *testing.T) {
	ix := newTestIndexer(t, newFakeCluster())
	assert.NoError(t, ix.Consume(t.Context(), "sensor-1", nil))
	assert.Equal(t, "opensearch", ix.Name())
}
