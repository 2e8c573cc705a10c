package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/store"
	"github.com/windlass/tradegate/upstream"
	"github.com/windlass/tradegate/upstream/paper"
	"github.com/windlass/tradegate/worker"
)

func testCatalog() *upstream.Catalog {
	return upstream.NewCatalog([]*upstream.Contract{
		{Symbol: "TMF202609", Code: "TMFI6", Name: "Micro TAIEX Futures", Category: "TMF", DeliveryMonth: "202609", Reference: 22000},
		{Symbol: "TMFR1", Code: "TMFR1", Name: "Micro TAIEX Futures R1", Category: "TMF"},
	})
}

type testStack struct {
	ctx    context.Context
	hub    *Hub
	driver *paper.Driver
	url    string
}

// newTestStack runs a full quote path: worker + paper driver answering bus
// commands, the hub's pattern listener, and a websocket endpoint.
func newTestStack(t *testing.T, cfg Config) *testStack {
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	var b = bus.New(rdb, bus.Config{PollInterval: 10 * time.Millisecond})

	var st, err = store.Open(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var driver = paper.New(testCatalog(), paper.Config{
		Marks: map[string]float64{"TMFI6": 22000},
	})

	w, err := worker.New(ctx, b, st, func(simulation bool) (upstream.Session, error) {
		return driver, nil
	}, nil, worker.Config{
		Simulation:    true,
		Backoff:       worker.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Attempts: 3},
		BlockInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	go w.Serve(ctx)

	var h = New(ctx, b, cfg)
	go h.Run(ctx)

	// The pattern listener must be confirmed before any quote flows.
	require.Eventually(t, func() bool {
		var n, err = rdb.PubSubNumPat(ctx).Result()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	var srv = httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	return &testStack{
		ctx:    ctx,
		hub:    h,
		driver: driver,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	var conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestConnectAndHeartbeat(t *testing.T) {
	var stack = newTestStack(t, Config{})
	var conn = dialClient(t, stack.url)

	// Case: the first frame names the assigned client ID.
	var frame = readFrame(t, conn)
	require.Equal(t, "connected", frame.Type)
	require.NotEmpty(t, frame.ClientID)
	require.Equal(t, 1, stack.hub.Clients())

	// Case: ping answers pong.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "ping"}))
	frame = readFrame(t, conn)
	require.Equal(t, "pong", frame.Type)
	require.Positive(t, frame.Timestamp)

	// Case: an unknown type is answered with an error frame, not a close.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "reticulate"}))
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Contains(t, frame.Message, `unknown message type "reticulate"`)

	// Case: disconnecting unregisters the client.
	conn.Close()
	require.Eventually(t, func() bool {
		return stack.hub.Clients() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSharedSubscriptionFansOutAndReleasesOnce(t *testing.T) {
	var stack = newTestStack(t, Config{})

	var c1 = dialClient(t, stack.url)
	var c2 = dialClient(t, stack.url)
	require.Equal(t, "connected", readFrame(t, c1).Type)
	require.Equal(t, "connected", readFrame(t, c2).Type)

	// Case: two clients share one upstream subscription.
	require.NoError(t, c1.WriteJSON(clientFrame{Type: "subscribe", Symbol: "TMFR1"}))
	var frame = readFrame(t, c1)
	require.Equal(t, "subscribed", frame.Type)
	require.Equal(t, "TMFR1", frame.Symbol)

	require.NoError(t, c2.WriteJSON(clientFrame{Type: "subscribe", Symbol: "TMFR1"}))
	require.Equal(t, "subscribed", readFrame(t, c2).Type)

	var counts = stack.driver.Counts()
	require.Equal(t, 1, counts.TickSubs)
	require.Equal(t, 1, counts.BidAskSubs)

	// Case: a pushed tick reaches both sockets under the client alias.
	stack.driver.Push(upstream.TickEvent{Code: "TMFB6", Close: 22100, Volume: 2})

	for _, conn := range []*websocket.Conn{c1, c2} {
		frame = readFrame(t, conn)
		require.Equal(t, "quote", frame.Type)
		require.Equal(t, "TMFR1", frame.Symbol)
		require.Positive(t, frame.Timestamp)

		var q bus.Quote
		require.NoError(t, json.Unmarshal(frame.Data, &q))
		require.Equal(t, "TMFR1", q.Symbol)
		require.Equal(t, "TMFB6", q.Code)
		require.Equal(t, 22100.0, q.Close)
	}

	// Case: one client leaving keeps the upstream subscription alive.
	require.NoError(t, c1.WriteJSON(clientFrame{Type: "unsubscribe", Symbol: "TMFR1"}))
	frame = readFrame(t, c1)
	require.Equal(t, "unsubscribed", frame.Type)
	require.Zero(t, stack.driver.Counts().TickUnsubs)

	stack.driver.Push(upstream.TickEvent{Code: "TMFB6", Close: 22110, Volume: 1})
	frame = readFrame(t, c2)
	require.Equal(t, "quote", frame.Type)

	// The unsubscribed socket sees the pong next, not the quote.
	require.NoError(t, c1.WriteJSON(clientFrame{Type: "ping"}))
	frame = readFrame(t, c1)
	require.Equal(t, "pong", frame.Type)

	// Case: the last client disconnecting releases the upstream exactly
	// once, without an explicit unsubscribe.
	c2.Close()
	require.Eventually(t, func() bool {
		var counts = stack.driver.Counts()
		return counts.TickUnsubs == 1 && counts.BidAskUnsubs == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeErrorsSurfaceWorkerMessages(t *testing.T) {
	var stack = newTestStack(t, Config{})
	var conn = dialClient(t, stack.url)
	require.Equal(t, "connected", readFrame(t, conn).Type)

	// Case: the worker's refusal arrives as an error frame.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "subscribe", Symbol: "ZZZ999"}))
	var frame = readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, "ZZZ999", frame.Symbol)
	require.Contains(t, frame.Message, `unknown symbol "ZZZ999"`)

	// Case: unsubscribing a symbol the client never held is refused
	// locally.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "unsubscribe", Symbol: "TMFR1"}))
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, "not subscribed", frame.Message)

	// Case: a subscribe without a symbol is refused locally.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "subscribe"}))
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, "symbol is required", frame.Message)
}

func TestDuplicateSubscribeHoldsOneRefcount(t *testing.T) {
	var stack = newTestStack(t, Config{})
	var conn = dialClient(t, stack.url)
	require.Equal(t, "connected", readFrame(t, conn).Type)

	// Case: re-subscribing the held symbol is acknowledged without another
	// worker round-trip.
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteJSON(clientFrame{Type: "subscribe", Symbol: "TMFR1"}))
		require.Equal(t, "subscribed", readFrame(t, conn).Type, "subscribe %d", i)
	}
	require.Equal(t, 1, stack.driver.Counts().TickSubs)

	// Case: disconnect cleanup gives back exactly the one held refcount.
	conn.Close()
	require.Eventually(t, func() bool {
		return stack.driver.Counts().TickUnsubs == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIdleClientIsClosed(t *testing.T) {
	var stack = newTestStack(t, Config{IdleInterval: 200 * time.Millisecond})
	var conn = dialClient(t, stack.url)
	require.Equal(t, "connected", readFrame(t, conn).Type)

	// Case: a silent client is closed once the heartbeat interval lapses.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame serverFrame
	require.Error(t, conn.ReadJSON(&frame))

	require.Eventually(t, func() bool {
		return stack.hub.Clients() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
