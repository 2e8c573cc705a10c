package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/nsf/jsondiff"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/hub"
	"github.com/windlass/tradegate/store"
	"github.com/windlass/tradegate/upstream"
	"github.com/windlass/tradegate/upstream/paper"
	"github.com/windlass/tradegate/worker"
)

const testAuthKey = "facade-test-secret"

func testCatalog() *upstream.Catalog {
	return upstream.NewCatalog([]*upstream.Contract{
		{Symbol: "TMF202609", Code: "TMFI6", Name: "Micro TAIEX Futures", Category: "TMF", DeliveryMonth: "202609", Reference: 22000},
		{Symbol: "TMFR1", Code: "TMFR1", Name: "Micro TAIEX Futures R1", Category: "TMF"},
	})
}

type testGateway struct {
	ctx    context.Context
	srv    *httptest.Server
	driver *paper.Driver
	store  *store.Store
}

// newTestGateway runs the full facade stack: worker + paper driver answering
// bus commands, the quote hub, and the gateway's router on a live listener.
func newTestGateway(t *testing.T, cfg Config) *testGateway {
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	var b = bus.New(rdb, bus.Config{PollInterval: 5 * time.Millisecond})

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

	var h = hub.New(ctx, b, hub.Config{})
	go h.Run(ctx)
	// The pattern listener must be confirmed before any quote flows.
	require.Eventually(t, func() bool {
		var n, err = rdb.PubSubNumPat(ctx).Result()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	if cfg.AuthKey == "" {
		cfg.AuthKey = testAuthKey
	}
	if cfg.AwaitTimeout == 0 {
		cfg.AwaitTimeout = 5 * time.Second
	}
	var gw = NewServer(ctx, b, st, cfg)
	var srv = httptest.NewServer(gw.Router(h.ServeWS))
	t.Cleanup(srv.Close)

	return &testGateway{ctx: ctx, srv: srv, driver: driver, store: st}
}

// do issues an authenticated request and returns the response with its body.
func (g *testGateway) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var req, err = http.NewRequest(method, g.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Auth-Key", testAuthKey)
	return doRequest(t, req)
}

func (g *testGateway) doUnauth(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()
	var req, err = http.NewRequest(method, g.srv.URL+path, nil)
	require.NoError(t, err)
	return doRequest(t, req)
}

func doRequest(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	var resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body, readErr = io.ReadAll(resp.Body)
	require.NoError(t, readErr)
	return resp, string(body)
}

func decodeEnvelope(t *testing.T, body string) *bus.Response {
	t.Helper()
	var resp = new(bus.Response)
	require.NoError(t, json.Unmarshal([]byte(body), resp))
	return resp
}

func TestAuthGuardsTradingRoutes(t *testing.T) {
	var g = newTestGateway(t, Config{})

	// Case: no key.
	var resp, body = g.doUnauth(t, "GET", "/positions")
	require.Equal(t, 401, resp.StatusCode)
	require.Equal(t, "invalid or missing X-Auth-Key\n", body)

	// Case: wrong key.
	req, err := http.NewRequest("GET", g.srv.URL+"/positions", nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Key", "nope")
	resp, _ = doRequest(t, req)
	require.Equal(t, 401, resp.StatusCode)

	// Case: health stays open to probes.
	resp, _ = g.doUnauth(t, "GET", "/health")
	require.Equal(t, 200, resp.StatusCode)
}

func TestPlaceOrderFillsAndAudits(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{Disabled: true}})

	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusOK, env.Status)
	require.NotEmpty(t, env.RequestID)

	var result bus.OrderResult
	require.NoError(t, env.DecodeData(&result))
	require.Equal(t, "TMFR1", result.Symbol)
	require.Equal(t, "TMFI6", result.Code)
	require.Equal(t, 1, result.Quantity)
	require.Equal(t, "filled", result.Status)
	require.NotEmpty(t, result.OrderID)

	// Case: the audit row is readable back through the facade.
	resp, body = g.do(t, "GET", "/orders", "")
	require.Equal(t, 200, resp.StatusCode)
	var history OrderHistory
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Equal(t, 1, history.Count)
	require.Equal(t, "TMFR1", history.Orders[0].Symbol)
	require.Equal(t, "simulation", history.Orders[0].Mode)
	require.Equal(t, result.OrderID, history.Orders[0].OrderID)
}

func TestPlaceOrderAcceptsCharsetParameter(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{Disabled: true}})

	// Case: a Content-Type carrying a charset parameter still routes to the
	// order handler.
	req, err := http.NewRequest("POST", g.srv.URL+"/order",
		strings.NewReader(`{"action":"long_entry","symbol":"TMFR1","quantity":1}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-Auth-Key", testAuthKey)

	var resp, body = doRequest(t, req)
	require.Equal(t, 200, resp.StatusCode)

	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusOK, env.Status)

	var result bus.OrderResult
	require.NoError(t, env.DecodeData(&result))
	require.Equal(t, "filled", result.Status)
}

func TestVerificationReconcilesRestingOrder(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{
		Delay:       10 * time.Millisecond,
		Interval:    20 * time.Millisecond,
		MaxAttempts: 100,
	}})

	// Case: a limit buy below the market rests unfilled.
	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1,"price":21900,"price_type":"LMT","order_type":"ROD"}`)
	require.Equal(t, 200, resp.StatusCode)
	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusOK, env.Status)
	var result bus.OrderResult
	require.NoError(t, env.DecodeData(&result))
	require.Equal(t, "submitted", result.Status)

	// Case: the market trades through the limit; the spawned verification
	// loop observes the fill and reconciles the audit row without any
	// further client call.
	g.driver.Push(upstream.TickEvent{Code: "TMFI6", Close: 21900, Volume: 1, At: time.Now()})
	require.Eventually(t, func() bool {
		var row, err = g.store.GetOrder(g.ctx, result.OrderID)
		return err == nil && row.Status == "filled" && row.FillQuantity == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSpuriousExitIsNoAction(t *testing.T) {
	var g = newTestGateway(t, Config{})

	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_exit","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 200, resp.StatusCode)

	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusNoAction, env.Status)
	require.Equal(t, "no long position to exit", env.Message)
	require.Zero(t, g.driver.Counts().PlaceOrders)
}

func TestOrderValidationFailsFast(t *testing.T) {
	var g = newTestGateway(t, Config{})

	// Case: zero quantity.
	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":0}`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "order quantity must be >= 1 (got 0)\n", body)

	// Case: unknown action.
	resp, body = g.do(t, "POST", "/order",
		`{"action":"sideways","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "unknown order action \"sideways\"\n", body)

	// Case: malformed JSON.
	resp, body = g.do(t, "POST", "/order", `{"action":`)
	require.Equal(t, 400, resp.StatusCode)
	require.Contains(t, body, "decoding order:")

	// Case: none of them spent an upstream round-trip.
	require.Zero(t, g.driver.Counts().PlaceOrders)
}

func TestWorkerFailuresMapOntoStatusCodes(t *testing.T) {
	var g = newTestGateway(t, Config{})

	// Case: a business refusal is the caller's problem, 400.
	g.driver.FailNext(upstream.Business, "insufficient margin")
	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 400, resp.StatusCode)
	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusFailed, env.Status)
	require.False(t, env.Retryable)
	require.Contains(t, env.Message, "insufficient margin")

	// Case: a dropped socket is retryable, 503.
	g.driver.FailNext(upstream.SocketDropped, "exchange link dropped")
	resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 503, resp.StatusCode)
	env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusFailed, env.Status)
	require.True(t, env.Retryable)
}

func TestAccountQueryRoutes(t *testing.T) {
	var g = newTestGateway(t, Config{})

	for _, path := range []string{
		"/positions", "/margin", "/profit-loss", "/trades", "/settlements", "/usage",
	} {
		var resp, body = g.do(t, "GET", path, "")
		require.Equal(t, 200, resp.StatusCode, path)
		var env = decodeEnvelope(t, body)
		require.Equal(t, bus.StatusOK, env.Status, path)
		require.NotEmpty(t, env.Data, path)
	}
}

func TestSymbolRoutes(t *testing.T) {
	var g = newTestGateway(t, Config{})

	// Case: the flat list includes the near-month alias.
	var resp, body = g.do(t, "GET", "/symbols", "")
	require.Equal(t, 200, resp.StatusCode)
	var env = decodeEnvelope(t, body)
	var symbols bus.SymbolsResult
	require.NoError(t, env.DecodeData(&symbols))
	require.Contains(t, symbols.Symbols, "TMFR1")
	require.Equal(t, 2, symbols.Count)

	// Case: symbol info returns the catalog entry as-is.
	resp, body = g.do(t, "GET", "/symbols/TMF202609", "")
	require.Equal(t, 200, resp.StatusCode)
	env = decodeEnvelope(t, body)
	var diffOptions = jsondiff.DefaultConsoleOptions()
	var mode, diffs = jsondiff.Compare(env.Data, []byte(
		`{"symbol":"TMF202609","code":"TMFI6","name":"Micro TAIEX Futures","category":"TMF","delivery_month":"202609","reference":22000}`,
	), &diffOptions)
	require.Equal(t, jsondiff.FullMatch, mode, diffs)

	// Case: a snapshot through the alias reads the near month's book.
	resp, body = g.do(t, "GET", "/symbols/TMFR1/snapshot", "")
	require.Equal(t, 200, resp.StatusCode)
	env = decodeEnvelope(t, body)
	var snap upstream.Snapshot
	require.NoError(t, env.DecodeData(&snap))
	require.Equal(t, "TMFI6", snap.Code)
	require.Equal(t, 22000.0, snap.Close)

	// Case: an unknown symbol is refused outright, not a retryable outage.
	resp, body = g.do(t, "GET", "/symbols/ZZZ999", "")
	require.Equal(t, 400, resp.StatusCode)
	env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusFailed, env.Status)
	require.False(t, env.Retryable)
	require.Contains(t, env.Message, `unknown symbol "ZZZ999"`)
}

func TestCancelThroughFacade(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{Disabled: true}})

	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1,"price":21900,"price_type":"LMT","order_type":"ROD"}`)
	require.Equal(t, 200, resp.StatusCode)
	var result bus.OrderResult
	require.NoError(t, decodeEnvelope(t, body).DecodeData(&result))
	require.Equal(t, "submitted", result.Status)

	// Case: DELETE cancels the resting order.
	resp, body = g.do(t, "DELETE", "/orders/"+result.OrderID, "")
	require.Equal(t, 200, resp.StatusCode)
	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusOK, env.Status)
	var cancel bus.CancelResult
	require.NoError(t, env.DecodeData(&cancel))
	require.Equal(t, "cancelled", cancel.Status)
	require.Equal(t, 1, cancel.CancelQuantity)
}

func TestRecheckThroughFacade(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{Disabled: true}})

	var resp, body = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 200, resp.StatusCode)
	var result bus.OrderResult
	require.NoError(t, decodeEnvelope(t, body).DecodeData(&result))

	// Case: recheck reports the fill as final.
	resp, body = g.do(t, "POST", "/orders/"+result.OrderID+"/recheck", "")
	require.Equal(t, 200, resp.StatusCode)
	var env = decodeEnvelope(t, body)
	require.Equal(t, bus.StatusOK, env.Status)
	var recheck bus.RecheckResult
	require.NoError(t, env.DecodeData(&recheck))
	require.Equal(t, "filled", recheck.CurrentStatus)
	require.Equal(t, 1, recheck.FillQuantity)
	require.Equal(t, 22000.0, recheck.FillPrice)
	require.True(t, recheck.Final)

	// Case: rechecking a never-seen order is a plain refusal.
	resp, body = g.do(t, "POST", "/orders/nonesuch/recheck", "")
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, bus.StatusFailed, decodeEnvelope(t, body).Status)
}

func TestOrderHistoryFiltersAndExport(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{Disabled: true}})

	var resp, _ = g.do(t, "POST", "/order",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 200, resp.StatusCode)
	resp, _ = g.do(t, "POST", "/order",
		`{"action":"short_entry","symbol":"TMFR1","quantity":2}`)
	require.Equal(t, 200, resp.StatusCode)

	var list = func(query string) OrderHistory {
		var resp, body = g.do(t, "GET", "/orders"+query, "")
		require.Equal(t, 200, resp.StatusCode, query)
		var history OrderHistory
		require.NoError(t, json.Unmarshal([]byte(body), &history))
		return history
	}

	// Case: all rows, newest first.
	var history = list("")
	require.Equal(t, 2, history.Count)
	require.Equal(t, "short_entry", history.Orders[0].Action)
	// Selling 2 against a 1-lot long flips through it.
	require.Equal(t, 3, history.Orders[0].Quantity)

	// Case: action filter.
	history = list("?action=long_entry")
	require.Equal(t, 1, history.Count)

	// Case: status filter with no matches.
	require.Zero(t, list("?status=cancelled").Count)

	// Case: limit.
	require.Equal(t, 1, list("?limit=1").Count)

	// Case: date windows.
	require.Equal(t, 2, list("?start=2000-01-01&end=2099-01-01").Count)
	require.Zero(t, list("?start=2099-01-01").Count)

	// Case: a bad limit is rejected.
	resp, body := g.do(t, "GET", "/orders?limit=week", "")
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "invalid limit \"week\"\n", body)

	// Case: export streams CSV with a header row.
	resp, body = g.do(t, "GET", "/orders/export", "")
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "order_history.csv")
	var lines = strings.Split(strings.TrimRight(body, "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "id,symbol,action,quantity,status,order_result,error_message,created_at", lines[0])

	// Case: export honors the same filters.
	resp, body = g.do(t, "GET", "/orders/export?action=long_entry", "")
	require.Equal(t, 200, resp.StatusCode)
	require.Len(t, strings.Split(strings.TrimRight(body, "\n"), "\n"), 2)
}

func TestLiveFlagRoutesAtLiveMode(t *testing.T) {
	var g = newTestGateway(t, Config{Verify: VerifyConfig{Disabled: true}})

	var resp, body = g.do(t, "POST", "/order?simulation=false",
		`{"action":"long_entry","symbol":"TMFR1","quantity":1}`)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, bus.StatusOK, decodeEnvelope(t, body).Status)

	// Case: the live session was established on demand, beside the
	// simulation session the worker holds from startup.
	require.Equal(t, 2, g.driver.Counts().Logins)

	// Case: the audit row is marked live.
	resp, body = g.do(t, "GET", "/orders", "")
	require.Equal(t, 200, resp.StatusCode)
	var history OrderHistory
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Equal(t, 1, history.Count)
	require.Equal(t, "live", history.Orders[0].Mode)
}

func TestQuoteSocketBehindAuth(t *testing.T) {
	var g = newTestGateway(t, Config{})
	var wsURL = "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/quotes"

	// Case: a handshake carrying the secret upgrades.
	var header = http.Header{"X-Auth-Key": []string{testAuthKey}}
	var conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Type     string `json:"type"`
		ClientID string `json:"client_id"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "connected", frame.Type)
	require.NotEmpty(t, frame.ClientID)

	// Case: without the secret the upgrade is refused.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestTransportErrors(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// A facade over a live bus with no worker behind it.
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	var b = bus.New(rdb, bus.Config{PollInterval: 5 * time.Millisecond})

	var st, err = store.Open(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var gw = NewServer(ctx, b, st, Config{
		AuthKey:       testAuthKey,
		AwaitTimeout:  50 * time.Millisecond,
		HealthTimeout: 50 * time.Millisecond,
	})
	var srv = httptest.NewServer(gw.Router(nil))
	t.Cleanup(srv.Close)
	var g = &testGateway{ctx: ctx, srv: srv, store: st}

	// Case: health reads the absent worker as unavailable.
	var resp, body = g.doUnauth(t, "GET", "/health")
	require.Equal(t, 503, resp.StatusCode)
	require.Contains(t, body, "bus or worker unavailable")

	// Case: an awaited command times out with the recovery hint.
	resp, body = g.do(t, "GET", "/positions", "")
	require.Equal(t, 504, resp.StatusCode)
	require.Contains(t, body, "recheck_order")

	// Case: with the bus itself gone, submission fails before the worker.
	mr.Close()
	resp, body = g.do(t, "GET", "/positions", "")
	require.Equal(t, 502, resp.StatusCode)
	require.Contains(t, body, "submitting list_positions")
}
