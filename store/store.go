// Package store persists the order audit trail and quote history to SQLite.
// Order rows are written once an order is accepted upstream and updated as
// fill verification observes exchange status. Quote rows arrive in batches
// from the Recorder.
package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("order not found")

// SQLite / go-sqlite3 is a bit fickle about raced opens of a newly created
// database, often returning "database is locked" errors. We can resolve by
// ensuring one sql.Open completes before the next starts.
var sqliteOpenMu sync.Mutex

const ddl = `
CREATE TABLE IF NOT EXISTS order_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	mode            TEXT NOT NULL DEFAULT 'simulation',
	symbol          TEXT NOT NULL,
	code            TEXT,
	action          TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	order_result    TEXT,
	error_message   TEXT,
	order_id        TEXT,
	seqno           TEXT,
	ordno           TEXT,
	fill_status     TEXT,
	fill_quantity   INTEGER,
	fill_price      REAL,
	cancel_quantity INTEGER,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME
);
CREATE INDEX IF NOT EXISTS idx_order_history_symbol ON order_history (symbol);
CREATE INDEX IF NOT EXISTS idx_order_history_order_id ON order_history (order_id);
CREATE INDEX IF NOT EXISTS idx_order_history_created_at ON order_history (created_at);

CREATE TABLE IF NOT EXISTS quote_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol       TEXT NOT NULL,
	code         TEXT NOT NULL,
	quote_type   TEXT NOT NULL,
	close_price  REAL,
	open_price   REAL,
	high_price   REAL,
	low_price    REAL,
	change_price REAL,
	change_rate  REAL,
	volume       INTEGER,
	total_volume INTEGER,
	buy_price    REAL,
	sell_price   REAL,
	buy_volume   INTEGER,
	sell_volume  INTEGER,
	quote_time   DATETIME NOT NULL,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quote_history_symbol ON quote_history (symbol);
CREATE INDEX IF NOT EXISTS idx_quote_history_code ON quote_history (code);
CREATE INDEX IF NOT EXISTS idx_quote_history_quote_time ON quote_history (quote_time);
`

// Store is the SQLite-backed audit and history database.
// Writes are serialized by an internal mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating as needed) the database at |path| and ensures its
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	log.WithField("path", path).Info("opening audit database")

	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", path)
	if err == nil {
		err = db.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("opening SQLite database %q: %w", path, err)
	}
	if _, err = db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ModeOf names the trading mode of an audit row.
func ModeOf(simulation bool) string {
	if simulation {
		return "simulation"
	}
	return "live"
}

// OrderRow is one audit row of order_history.
type OrderRow struct {
	ID             int64     `json:"id"`
	Mode           string    `json:"mode"`
	Symbol         string    `json:"symbol"`
	Code           string    `json:"code"`
	Action         string    `json:"action"`
	Quantity       int       `json:"quantity"`
	Status         string    `json:"status"`
	OrderResult    string    `json:"order_result,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	OrderID        string    `json:"order_id"`
	Seqno          string    `json:"seqno,omitempty"`
	Ordno          string    `json:"ordno,omitempty"`
	FillStatus     string    `json:"fill_status,omitempty"`
	FillQuantity   int       `json:"fill_quantity"`
	FillPrice      float64   `json:"fill_price"`
	CancelQuantity int       `json:"cancel_quantity"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// InsertOrder appends an audit row, setting row.ID and row.CreatedAt.
func (s *Store) InsertOrder(ctx context.Context, row *OrderRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Mode == "" {
		row.Mode = "simulation"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res, err = s.db.ExecContext(ctx, `
		INSERT INTO order_history (
			mode, symbol, code, action, quantity, status, order_result,
			error_message, order_id, seqno, ordno, fill_status, fill_quantity,
			fill_price, cancel_quantity, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Mode, row.Symbol, row.Code, row.Action, row.Quantity, row.Status,
		row.OrderResult, row.ErrorMessage, row.OrderID, row.Seqno, row.Ordno,
		row.FillStatus, row.FillQuantity, row.FillPrice, row.CancelQuantity,
		row.CreatedAt,
	)
	if err != nil {
		auditWriteFailuresCounter.Inc()
		return fmt.Errorf("inserting order row: %w", err)
	}
	if row.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("result.LastInsertId: %w", err)
	}
	return nil
}

// FillUpdate carries the observed exchange status of an order.
type FillUpdate struct {
	FillStatus     string
	Status         string
	FillQuantity   int
	FillPrice      float64
	CancelQuantity int
	ErrorMessage   string
}

// UpdateOrderFill updates the audit row |id| with verification results.
func (s *Store) UpdateOrderFill(ctx context.Context, id int64, u FillUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res, err = s.db.ExecContext(ctx, `
		UPDATE order_history SET
			fill_status = ?, status = ?, fill_quantity = ?, fill_price = ?,
			cancel_quantity = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		u.FillStatus, u.Status, u.FillQuantity, u.FillPrice,
		u.CancelQuantity, u.ErrorMessage, time.Now().UTC(), id,
	)
	if err != nil {
		auditWriteFailuresCounter.Inc()
		return fmt.Errorf("updating order row: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("result.RowsAffected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder returns the newest audit row with the given upstream order ID.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*OrderRow, error) {
	var rows, err = s.queryOrders(ctx,
		`WHERE order_id = ? ORDER BY id DESC LIMIT 1`, orderID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// OrderFilter selects audit rows. Zero fields match everything.
type OrderFilter struct {
	Symbol string
	Action string
	Status string
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

func (f OrderFilter) where() (string, []interface{}) {
	var clause = ""
	var args []interface{}
	var and = func(cond string, arg interface{}) {
		if clause == "" {
			clause = "WHERE " + cond
		} else {
			clause += " AND " + cond
		}
		args = append(args, arg)
	}
	if f.Symbol != "" {
		and("symbol = ?", f.Symbol)
	}
	if f.Action != "" {
		and("action = ?", f.Action)
	}
	if f.Status != "" {
		and("status = ?", f.Status)
	}
	if !f.Start.IsZero() {
		and("created_at >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		and("created_at <= ?", f.End.UTC())
	}
	return clause, args
}

// ListOrders returns audit rows matching |f|, newest first. Limit defaults
// to 100 and is capped at 1000.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]OrderRow, error) {
	var limit = f.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	var offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	var clause, args = f.where()
	clause += " ORDER BY created_at DESC, id DESC LIMIT " +
		strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)
	return s.queryOrders(ctx, clause, args...)
}

// ExportOrders writes all audit rows matching |f| to |w| as CSV, newest
// first, and returns the number of rows written.
func (s *Store) ExportOrders(ctx context.Context, w io.Writer, f OrderFilter) (int, error) {
	var clause, args = f.where()
	var rows, err = s.queryOrders(ctx, clause+" ORDER BY created_at DESC, id DESC", args...)
	if err != nil {
		return 0, err
	}

	var cw = csv.NewWriter(w)
	if err = cw.Write([]string{
		"id", "symbol", "action", "quantity", "status",
		"order_result", "error_message", "created_at",
	}); err != nil {
		return 0, fmt.Errorf("writing CSV header: %w", err)
	}
	for _, row := range rows {
		if err = cw.Write([]string{
			strconv.FormatInt(row.ID, 10),
			row.Symbol,
			row.Action,
			strconv.Itoa(row.Quantity),
			row.Status,
			row.OrderResult,
			row.ErrorMessage,
			row.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return 0, fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}

func (s *Store) queryOrders(ctx context.Context, clause string, args ...interface{}) ([]OrderRow, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT id, mode, symbol, code, action, quantity, status, order_result,
			error_message, order_id, seqno, ordno, fill_status, fill_quantity,
			fill_price, cancel_quantity, created_at, updated_at
		FROM order_history `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying order rows: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var row OrderRow
		var code, result, errMsg, orderID, seqno, ordno, fillStatus sql.NullString
		var fillQty, cancelQty sql.NullInt64
		var fillPrice sql.NullFloat64
		var updatedAt sql.NullTime

		if err = rows.Scan(
			&row.ID, &row.Mode, &row.Symbol, &code, &row.Action, &row.Quantity,
			&row.Status, &result, &errMsg, &orderID, &seqno, &ordno,
			&fillStatus, &fillQty, &fillPrice, &cancelQty,
			&row.CreatedAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		row.Code = code.String
		row.OrderResult = result.String
		row.ErrorMessage = errMsg.String
		row.OrderID = orderID.String
		row.Seqno = seqno.String
		row.Ordno = ordno.String
		row.FillStatus = fillStatus.String
		row.FillQuantity = int(fillQty.Int64)
		row.FillPrice = fillPrice.Float64
		row.CancelQuantity = int(cancelQty.Int64)
		row.UpdatedAt = updatedAt.Time
		out = append(out, row)
	}
	return out, rows.Err()
}

// QuoteRow is one row of quote_history. Zero-valued prices and volumes are
// stored as NULL.
type QuoteRow struct {
	Symbol      string
	Code        string
	QuoteType   string
	Close       float64
	Open        float64
	High        float64
	Low         float64
	ChangePrice float64
	ChangeRate  float64
	Volume      int64
	TotalVolume int64
	BuyPrice    float64
	SellPrice   float64
	BuyVolume   int64
	SellVolume  int64
	QuoteTime   time.Time
}

func nzFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nzInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

// InsertQuotes appends a batch of quote rows in one transaction.
func (s *Store) InsertQuotes(ctx context.Context, batch []QuoteRow) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var txn, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db.BeginTx: %w", err)
	}
	defer func() {
		if txn != nil {
			txn.Rollback()
		}
	}()

	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO quote_history (
			symbol, code, quote_type, close_price, open_price, high_price,
			low_price, change_price, change_rate, volume, total_volume,
			buy_price, sell_price, buy_volume, sell_volume, quote_time,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing quote insert: %w", err)
	}
	defer stmt.Close()

	var now = time.Now().UTC()
	for _, row := range batch {
		var at = row.QuoteTime
		if at.IsZero() {
			at = now
		}
		if _, err = stmt.ExecContext(ctx,
			row.Symbol, row.Code, row.QuoteType,
			nzFloat(row.Close), nzFloat(row.Open), nzFloat(row.High),
			nzFloat(row.Low), nzFloat(row.ChangePrice), nzFloat(row.ChangeRate),
			nzInt(row.Volume), nzInt(row.TotalVolume),
			nzFloat(row.BuyPrice), nzFloat(row.SellPrice),
			nzInt(row.BuyVolume), nzInt(row.SellVolume),
			at.UTC(), now,
		); err != nil {
			return fmt.Errorf("inserting quote row: %w", err)
		}
	}

	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing quote batch: %w", err)
	}
	txn = nil
	return nil
}

// QuoteCount returns the number of stored quote rows.
func (s *Store) QuoteCount(ctx context.Context) (int64, error) {
	var n int64
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quote_history`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting quote rows: %w", err)
	}
	return n, nil
}

// RecentQuotes returns up to |limit| newest quote rows for |symbol|.
func (s *Store) RecentQuotes(ctx context.Context, symbol string, limit int) ([]QuoteRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows, err = s.db.QueryContext(ctx, `
		SELECT symbol, code, quote_type, close_price, open_price, high_price,
			low_price, change_price, change_rate, volume, total_volume,
			buy_price, sell_price, buy_volume, sell_volume, quote_time
		FROM quote_history WHERE symbol = ?
		ORDER BY quote_time DESC, id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying quote rows: %w", err)
	}
	defer rows.Close()

	var out []QuoteRow
	for rows.Next() {
		var row QuoteRow
		var c, o, h, l, cp, cr, bp, sp sql.NullFloat64
		var v, tv, bv, sv sql.NullInt64

		if err = rows.Scan(
			&row.Symbol, &row.Code, &row.QuoteType, &c, &o, &h, &l, &cp, &cr,
			&v, &tv, &bp, &sp, &bv, &sv, &row.QuoteTime,
		); err != nil {
			return nil, fmt.Errorf("scanning quote row: %w", err)
		}
		row.Close, row.Open, row.High, row.Low = c.Float64, o.Float64, h.Float64, l.Float64
		row.ChangePrice, row.ChangeRate = cp.Float64, cr.Float64
		row.Volume, row.TotalVolume = v.Int64, tv.Int64
		row.BuyPrice, row.SellPrice = bp.Float64, sp.Float64
		row.BuyVolume, row.SellVolume = bv.Int64, sv.Int64
		out = append(out, row)
	}
	return out, rows.Err()
}
