package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traffic.report/internal/access"
	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/store"
)

const testAPIKey = "test-secret-key"

type testStream struct {
	server *Server
	store  *store.Store
	access *access.Controller
	http   *httptest.Server
}

func setupStream(t *testing.T, opts access.Options) *testStream {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "stream_test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opts.Audit = st
	ac := access.NewController(testAPIKey, opts)
	srv := NewServer(ac, st)

	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.CloseAll()
		hs.Close()
	})

	return &testStream{server: srv, store: st, access: ac, http: hs}
}

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"cars":     float64(5),
		"vans":     float64(2),
		"motors":   float64(3),
		"buses":    float64(1),
		"bicycles": float64(0),
	}
}

func auditCount(t *testing.T, st *store.Store, eventType string) int {
	t.Helper()
	events, err := st.AuditEvents(100)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestHandshakeAndBroadcast(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	client := NewClient(ts.http.URL, "watcher-1", testAPIKey)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	require.NotEmpty(t, client.Token())
	require.Eventually(t, func() bool { return ts.server.Registered("watcher-1") },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.server.Broadcast(ctx, validPayload()))

	p, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, counts.Counts{Cars: 5, Vans: 2, Motors: 3, Buses: 1, Bicycles: 0}, p.Counts)
	assert.True(t, p.HasTimestamp)
	assert.NotZero(t, p.Timestamp)

	// The frame corresponds to an already-persisted record.
	total, err := ts.store.TotalRecords()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestHandshakeWrongKey(t *testing.T) {
	ts := setupStream(t, access.Options{})

	client := NewClient(ts.http.URL, "intruder", "wrong-key")
	err := client.Connect(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, ts.server.ClientCount())
	assert.Equal(t, 1, auditCount(t, ts.store, access.EventAuthFailure))
}

func TestHandshakeInvalidFormat(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, ts.http.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(readCtx)
	require.Error(t, err)
	assert.Equal(t, closeInvalidFormat, websocket.CloseStatus(err))
	assert.Equal(t, 0, ts.server.ClientCount())
	assert.Equal(t, 1, auditCount(t, ts.store, access.EventAuthFailure))
}

func TestHandshakeMissingFields(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, ts.http.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, _ := json.Marshal(map[string]string{"api_key": testAPIKey}) // no client_id
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(readCtx)
	require.Error(t, err)
	assert.Equal(t, closeInvalidFormat, websocket.CloseStatus(err))
}

func TestBroadcastRejectsInvalidPayload(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	client := NewClient(ts.http.URL, "watcher-1", testAPIKey)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	raw := validPayload()
	raw["cars"] = float64(-1)
	err := ts.server.Broadcast(ctx, raw)
	assert.ErrorIs(t, err, counts.ErrInvalid)

	// Nothing persisted, nothing delivered.
	total, err := ts.store.TotalRecords()
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestBroadcastSanitizesExtraKeys(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	raw := validPayload()
	raw["injected"] = "ignored"
	require.NoError(t, ts.server.Broadcast(ctx, raw))

	records, err := ts.store.Latest(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].Cars)
}

func TestPingPong(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	client := NewClient(ts.http.URL, "watcher-1", testAPIKey)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	require.NoError(t, client.Ping(ctx))
}

func TestRateLimitNotice(t *testing.T) {
	ts := setupStream(t, access.Options{RateLimit: 1})
	ctx := context.Background()

	client := NewClient(ts.http.URL, "chatty", testAPIKey)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	// First frame is admitted, the second trips the limiter. The connection
	// stays open either way.
	require.NoError(t, client.Ping(ctx))
	err := client.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), rateLimitNotice)

	assert.True(t, ts.server.Registered("chatty"))
	assert.Equal(t, 1, auditCount(t, ts.store, access.EventRateLimit))
}

func TestSupersededConnection(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	first := NewClient(ts.http.URL, "dup", testAPIKey)
	require.NoError(t, first.Connect(ctx))
	defer first.Close()

	second := NewClient(ts.http.URL, "dup", testAPIKey)
	require.NoError(t, second.Connect(ctx))
	defer second.Close()

	// A single registry entry survives and it belongs to the new connection:
	// broadcasts still reach the second client.
	require.Eventually(t, func() bool { return ts.server.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.server.Broadcast(ctx, validPayload()))
	p, err := second.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Cars)

	// The superseded transport is closed.
	_, err = first.Receive(ctx)
	require.Error(t, err)
}

func TestSupersededConnectionKeepsReplacementSession(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	first := NewClient(ts.http.URL, "dup", testAPIKey)
	require.NoError(t, first.Connect(ctx))
	defer first.Close()

	second := NewClient(ts.http.URL, "dup", testAPIKey)
	require.NoError(t, second.Connect(ctx))
	defer second.Close()

	// Wait for the superseded transport to be closed out.
	_, err := first.Receive(ctx)
	require.Error(t, err)

	// The old handler's teardown must not invalidate the session its
	// replacement holds: the token stays valid and the registry entry stays.
	require.Never(t, func() bool {
		return !ts.access.ValidateSession("dup", second.Token())
	}, 500*time.Millisecond, 50*time.Millisecond)
	assert.True(t, ts.server.Registered("dup"))
}

func TestRateWindowSurvivesReconnect(t *testing.T) {
	ts := setupStream(t, access.Options{RateLimit: 1})
	ctx := context.Background()

	client := NewClient(ts.http.URL, "chatty", testAPIKey)
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Ping(ctx))
	err := client.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), rateLimitNotice)
	require.NoError(t, client.Close())

	// Reconnecting must not reset the sliding window: the quota is still
	// spent, so the first frame on the new connection is rejected too.
	again := NewClient(ts.http.URL, "chatty", testAPIKey)
	require.NoError(t, again.Connect(ctx))
	defer again.Close()
	err = again.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), rateLimitNotice)
}

func TestBlockedIPRefused(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ts.access.BlockIP("127.0.0.1")

	client := NewClient(ts.http.URL, "watcher-1", testAPIKey)
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, ts.server.ClientCount())
	assert.Equal(t, 1, auditCount(t, ts.store, access.EventIPBlocked))
}

func TestDisconnectCleansRegistry(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	client := NewClient(ts.http.URL, "fleeting", testAPIKey)
	require.NoError(t, client.Connect(ctx))
	require.Eventually(t, func() bool { return ts.server.Registered("fleeting") },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return ts.server.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestBroadcastWithNoClients(t *testing.T) {
	ts := setupStream(t, access.Options{})

	require.NoError(t, ts.server.Broadcast(context.Background(), validPayload()))
	total, err := ts.store.TotalRecords()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestBroadcastFanOut(t *testing.T) {
	ts := setupStream(t, access.Options{})
	ctx := context.Background()

	var clients []*Client
	for _, id := range []string{"a", "b", "c"} {
		c := NewClient(ts.http.URL, id, testAPIKey)
		require.NoError(t, c.Connect(ctx))
		defer c.Close()
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool { return ts.server.ClientCount() == 3 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.server.Broadcast(ctx, validPayload()))

	for _, c := range clients {
		p, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("client failed to receive broadcast: %v", err)
		}
		if p.Cars != 5 {
			t.Errorf("expected cars=5, got %d", p.Cars)
		}
	}
}
