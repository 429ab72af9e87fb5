// Package journal persists simulated orders and fills in SQLite so a
// session's trading history survives restarts. Order rows are append-only
// snapshots; the latest row per order wins.
package journal

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"tapesim/internal/orderbook"
)

// Journal is a SQLite-backed order and fill log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	idMu sync.Mutex
	mono io.Reader
}

// SessionInfo describes a journaled replay session.
type SessionInfo struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Day    string `json:"day"`
}

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory database.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	memory := path == ":memory:"

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if memory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	j := &Journal{
		db:     db,
		logger: logger.With("component", "journal"),
		mono:   ulid.Monotonic(rand.Reader, 0),
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// newID returns a time-sortable row id.
func (j *Journal) newID() string {
	j.idMu.Lock()
	defer j.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), j.mono).String()
}

// RecordSession upserts the symbol and day a session is replaying.
func (j *Journal) RecordSession(sessionID, symbol, day string) error {
	_, err := j.db.Exec(`
		INSERT INTO sessions (id, symbol, day, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET symbol = excluded.symbol, day = excluded.day, updated_at = CURRENT_TIMESTAMP
	`, sessionID, symbol, day)
	return err
}

// Sessions lists journaled sessions, most recently updated first.
func (j *Journal) Sessions() ([]SessionInfo, error) {
	rows, err := j.db.Query("SELECT id, symbol, day FROM sessions ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Day); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordOrder appends a snapshot of o.
func (j *Journal) RecordOrder(sessionID string, o orderbook.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		"INSERT INTO orders (id, session_id, order_id, created_at, status, payload) VALUES (?, ?, ?, ?, ?, ?)",
		j.newID(), sessionID, o.ID, o.CreatedAt, o.Status.String(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", o.ID, err)
	}
	return nil
}

// RecordFill stores f. Recording the same fill twice keeps the latest copy.
func (j *Journal) RecordFill(sessionID string, f orderbook.Fill) error {
	var pnl sql.NullFloat64
	if f.RealizedPnL != nil {
		pnl = sql.NullFloat64{Float64: *f.RealizedPnL, Valid: true}
	}
	_, err := j.db.Exec(`
		INSERT INTO fills (id, session_id, fill_id, order_id, ts, symbol, side, qty, price, order_type, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, fill_id) DO UPDATE SET realized_pnl = excluded.realized_pnl
	`, j.newID(), sessionID, f.ID, f.OrderID, f.Timestamp, f.Symbol, f.Side.String(), f.Quantity, f.Price, f.OrderType.String(), pnl)
	if err != nil {
		return fmt.Errorf("record fill %s: %w", f.ID, err)
	}
	return nil
}

// Rewind drops fills after t and orders created after t.
func (j *Journal) Rewind(sessionID string, t int64) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fills, err := tx.Exec("DELETE FROM fills WHERE session_id = ? AND ts > ?", sessionID, t)
	if err != nil {
		return err
	}
	orders, err := tx.Exec("DELETE FROM orders WHERE session_id = ? AND created_at > ?", sessionID, t)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	nf, _ := fills.RowsAffected()
	no, _ := orders.RowsAffected()
	if nf > 0 || no > 0 {
		j.logger.Debug("journal rewound", "session", sessionID, "t", t, "fills", nf, "order_rows", no)
	}
	return nil
}

// Orders returns the latest snapshot of every order in the session, in
// the order they were first recorded.
func (j *Journal) Orders(sessionID string) ([]orderbook.Order, error) {
	rows, err := j.db.Query("SELECT order_id, payload FROM orders WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[string]int)
	var out []orderbook.Order
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var o orderbook.Order
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", id, err)
		}
		if i, ok := index[id]; ok {
			out[i] = o
			continue
		}
		index[id] = len(out)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Fills returns the session's fills by timestamp.
func (j *Journal) Fills(sessionID string) ([]orderbook.Fill, error) {
	rows, err := j.db.Query(`
		SELECT fill_id, order_id, ts, symbol, side, qty, price, order_type, realized_pnl
		FROM fills WHERE session_id = ? ORDER BY ts, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orderbook.Fill
	for rows.Next() {
		var (
			f         orderbook.Fill
			side, typ string
			pnl       sql.NullFloat64
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Timestamp, &f.Symbol, &side, &f.Quantity, &f.Price, &typ, &pnl); err != nil {
			return nil, err
		}
		if err := f.Side.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		if err := f.OrderType.UnmarshalText([]byte(typ)); err != nil {
			return nil, err
		}
		if pnl.Valid {
			v := pnl.Float64
			f.RealizedPnL = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
