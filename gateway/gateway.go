// Package gateway is the public HTTP facade of the trading service.
// It owns no upstream session: trading routes are translated into bus
// commands, awaited, and the worker's Response is mapped onto an HTTP
// status. Audit history routes read the local store directly.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/store"
)

// Config parameterizes a Server.
type Config struct {
	// AuthKey is the shared secret clients present in X-Auth-Key.
	AuthKey string
	// AwaitTimeout bounds how long a handler waits for the worker's reply
	// before answering 504.
	AwaitTimeout time.Duration
	// HealthTimeout bounds the /health ping round-trip.
	HealthTimeout time.Duration
	// Verify parameterizes the fill verification loop spawned after an
	// accepted order.
	Verify VerifyConfig
}

func (c Config) withDefaults() Config {
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	c.Verify = c.Verify.withDefaults()
	return c
}

// Server routes facade requests. It holds the bus client, a read handle on
// the audit store, and the auth secret; everything else lives behind the bus.
type Server struct {
	ctx   context.Context
	bus   *bus.Bus
	store *store.Store
	cfg   Config
}

// NewServer builds a Server. Fill verification loops it spawns are bounded
// by |ctx|, not by the request that placed the order.
func NewServer(ctx context.Context, b *bus.Bus, st *store.Store, cfg Config) *Server {
	return &Server{
		ctx:   ctx,
		bus:   b,
		store: st,
		cfg:   cfg.withDefaults(),
	}
}

// Router returns the facade's route table. |ws| is the quote hub's
// websocket endpoint, mounted behind the same auth check as the trading
// routes; pass nil to serve without it. /health stays unauthenticated so
// probes don't need the secret.
func (s *Server) Router(ws http.HandlerFunc) *mux.Router {
	var router = mux.NewRouter()
	router.Path("/health").Methods("GET").HandlerFunc(s.serveHealth)

	var api = router.PathPrefix("/").Subrouter()
	api.Use(s.authenticate)

	// HeadersRegexp, not Headers: clients commonly send a charset parameter.
	api.Path("/order").Methods("POST").
		HeadersRegexp("Content-Type", "application/json").
		HandlerFunc(s.servePlaceOrder)
	api.Path("/orders/{id}/recheck").Methods("POST").
		HandlerFunc(s.orderAction(bus.RecheckOrder))
	api.Path("/orders/{id}").Methods("DELETE").
		HandlerFunc(s.orderAction(bus.CancelOrder))
	api.Path("/orders").Methods("GET").HandlerFunc(s.serveOrderHistory)
	api.Path("/orders/export").Methods("GET").HandlerFunc(s.serveOrderExport)

	api.Path("/positions").Methods("GET").HandlerFunc(s.query(bus.ListPositions))
	api.Path("/margin").Methods("GET").HandlerFunc(s.query(bus.QueryMargin))
	api.Path("/profit-loss").Methods("GET").HandlerFunc(s.query(bus.QueryProfitLoss))
	api.Path("/trades").Methods("GET").HandlerFunc(s.query(bus.ListTrades))
	api.Path("/settlements").Methods("GET").HandlerFunc(s.query(bus.ListSettlements))
	api.Path("/usage").Methods("GET").HandlerFunc(s.query(bus.QueryUsage))

	api.Path("/symbols").Methods("GET").HandlerFunc(s.query(bus.ListSymbols))
	api.Path("/symbols/{symbol}").Methods("GET").
		HandlerFunc(s.symbolQuery(bus.SymbolInfo))
	api.Path("/symbols/{symbol}/snapshot").Methods("GET").
		HandlerFunc(s.symbolQuery(bus.SymbolSnapshot))

	if ws != nil {
		api.Path("/ws/quotes").Methods("GET").HandlerFunc(ws)
	}
	return router
}

// authenticate requires the shared secret in X-Auth-Key on every route
// behind it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key = r.Header.Get("X-Auth-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthKey)) != 1 {
			log.WithFields(log.Fields{
				"url":    r.URL.String(),
				"client": r.RemoteAddr,
			}).Warn("rejecting unauthenticated request")
			http.Error(w, "invalid or missing X-Auth-Key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) servePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var cmd bus.OrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.failRequest(w, r, http.StatusBadRequest, fmt.Errorf("decoding order: %w", err))
		return
	}
	// Reject malformed orders here rather than spending a bus round-trip;
	// the worker re-validates its copy regardless.
	if err := cmd.Validate(); err != nil {
		s.failRequest(w, r, http.StatusBadRequest, err)
		return
	}

	var resp = s.roundTrip(w, r, bus.PlaceOrder, &cmd)
	if resp == nil {
		return
	}
	if resp.Status == bus.StatusOK {
		var result bus.OrderResult
		if err := resp.DecodeData(&result); err == nil && result.OrderID != "" {
			go s.verifyFill(result.OrderID, simulationFlag(r))
		}
	}
	s.writeResponse(w, r, resp)
}

// orderAction builds a handler for a command addressed at one upstream
// order, identified by the {id} path variable.
func (s *Server) orderAction(cmd bus.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref = bus.OrderRef{OrderID: mux.Vars(r)["id"]}
		if resp := s.roundTrip(w, r, cmd, &ref); resp != nil {
			s.writeResponse(w, r, resp)
		}
	}
}

// query builds a handler for a payload-free account query.
func (s *Server) query(cmd bus.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp := s.roundTrip(w, r, cmd, nil); resp != nil {
			s.writeResponse(w, r, resp)
		}
	}
}

// symbolQuery builds a handler for a command addressed at one symbol,
// identified by the {symbol} path variable.
func (s *Server) symbolQuery(cmd bus.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref = bus.SymbolRef{Symbol: mux.Vars(r)["symbol"]}
		if resp := s.roundTrip(w, r, cmd, &ref); resp != nil {
			s.writeResponse(w, r, resp)
		}
	}
}

// OrderHistory is the /orders response body.
type OrderHistory struct {
	Orders []store.OrderRow `json:"orders"`
	Count  int              `json:"count"`
}

func (s *Server) serveOrderHistory(w http.ResponseWriter, r *http.Request) {
	var filter, err = orderFilter(r)
	if err != nil {
		s.failRequest(w, r, http.StatusBadRequest, err)
		return
	}
	rows, err := s.store.ListOrders(r.Context(), filter)
	if err != nil {
		s.failRequest(w, r, http.StatusInternalServerError,
			fmt.Errorf("listing orders: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, &OrderHistory{Orders: rows, Count: len(rows)})
}

func (s *Server) serveOrderExport(w http.ResponseWriter, r *http.Request) {
	var filter, err = orderFilter(r)
	if err != nil {
		s.failRequest(w, r, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="order_history.csv"`)
	if _, err = s.store.ExportOrders(r.Context(), w, filter); err != nil {
		// The status line may already be on the wire, so a clean error
		// response isn't possible past this point.
		log.WithFields(log.Fields{
			"err":    err,
			"client": r.RemoteAddr,
		}).Warn("order export failed mid-stream")
	}
}

// serveHealth answers liveness probes. It rounds a ping through the bus and
// the worker under a short bound; an unreachable bus or an absent worker
// both read as 503.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	var ctx, cancel = context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	var req, _ = bus.NewRequest(bus.Ping, nil, true)
	var resp *bus.Response
	var requestID, err = s.bus.Submit(ctx, req)
	if err == nil {
		resp, err = s.bus.AwaitResponse(ctx, requestID, s.cfg.HealthTimeout)
	}
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("health probe failed")
		writeJSON(w, http.StatusServiceUnavailable, &bus.Response{
			Status:  bus.StatusFailed,
			Message: fmt.Sprintf("bus or worker unavailable: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// roundTrip submits |payload| as a |cmd| Request and waits for the worker's
// reply. Transport failures are written to |w| here, reported as a nil
// Response: 502 when the bus won't take or return the request, 504 when the
// reply never arrived. A 504 leaves the command's outcome unknown; for
// orders, recheck_order recovers it.
func (s *Server) roundTrip(w http.ResponseWriter, r *http.Request, cmd bus.Command, payload interface{}) *bus.Response {
	var req, err = bus.NewRequest(cmd, payload, simulationFlag(r))
	if err != nil {
		s.failRequest(w, r, http.StatusBadRequest, err)
		return nil
	}
	requestID, err := s.bus.Submit(r.Context(), req)
	if err != nil {
		s.failRequest(w, r, http.StatusBadGateway,
			fmt.Errorf("submitting %s: %w", cmd, err))
		return nil
	}
	resp, err := s.bus.AwaitResponse(r.Context(), requestID, s.cfg.AwaitTimeout)
	if errors.Is(err, bus.ErrAwaitTimeout) {
		s.failRequest(w, r, http.StatusGatewayTimeout, fmt.Errorf(
			"no reply for %s request %s; if an order reached the upstream, recheck_order recovers its status",
			cmd, requestID))
		return nil
	} else if err != nil {
		s.failRequest(w, r, http.StatusBadGateway,
			fmt.Errorf("awaiting %s reply: %w", cmd, err))
		return nil
	}
	return resp
}

// writeResponse maps a worker Response onto an HTTP status and writes the
// envelope as the body. Retryable failures are 503, telling the caller to
// back off and re-submit; other failures were refused on their merits, 400.
func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *bus.Response) {
	var code = http.StatusOK
	if resp.Status == bus.StatusFailed {
		if resp.Retryable {
			code = http.StatusServiceUnavailable
		} else {
			code = http.StatusBadRequest
		}
		log.WithFields(log.Fields{
			"url":       r.URL.String(),
			"client":    r.RemoteAddr,
			"message":   resp.Message,
			"retryable": resp.Retryable,
		}).Warn("worker refused command")
	}
	writeJSON(w, code, resp)
}

// failRequest reports a request which never produced a worker Response.
func (s *Server) failRequest(w http.ResponseWriter, r *http.Request, code int, err error) {
	log.WithFields(log.Fields{
		"err":    err,
		"url":    r.URL.String(),
		"client": r.RemoteAddr,
	}).Warn("failed to serve gateway request")
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// simulationFlag reads the request's simulation query flag. Absent or
// unparsable means simulation; routing a command at the live account takes
// an explicit simulation=false.
func simulationFlag(r *http.Request) bool {
	var v = r.URL.Query().Get("simulation")
	if v == "" {
		return true
	}
	var b, err = strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// orderFilter parses audit listing filters from the request query.
// start and end accept RFC 3339 stamps or plain dates; a plain end date is
// inclusive through its end of day.
func orderFilter(r *http.Request) (store.OrderFilter, error) {
	var q = r.URL.Query()
	var f = store.OrderFilter{
		Symbol: q.Get("symbol"),
		Action: q.Get("action"),
		Status: q.Get("status"),
	}
	var err error
	if v := q.Get("start"); v != "" {
		if f.Start, _, err = parseStamp(v); err != nil {
			return f, fmt.Errorf("invalid start %q: %w", v, err)
		}
	}
	if v := q.Get("end"); v != "" {
		var dateOnly bool
		if f.End, dateOnly, err = parseStamp(v); err != nil {
			return f, fmt.Errorf("invalid end %q: %w", v, err)
		}
		if dateOnly {
			f.End = f.End.Add(24*time.Hour - time.Nanosecond)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("invalid offset %q", v)
		}
	}
	return f, nil
}

func parseStamp(v string) (stamp time.Time, dateOnly bool, err error) {
	if stamp, err = time.Parse(time.RFC3339, v); err == nil {
		return stamp, false, nil
	}
	stamp, err = time.ParseInLocation("2006-01-02", v, time.UTC)
	return stamp, true, err
}
