package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

// decimals are stored as TEXT to keep their exact representation
func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS balances (
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  asset TEXT NOT NULL,
  free TEXT NOT NULL,
  locked TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(user_id, venue, asset)
);

CREATE TABLE IF NOT EXISTS orders (
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  price TEXT NOT NULL,
  qty TEXT NOT NULL,
  filled TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(user_id, venue, order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_ts ON orders(ts_ms);

CREATE TABLE IF NOT EXISTS user_trades (
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  trade_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  price TEXT NOT NULL,
  qty TEXT NOT NULL,
  fee TEXT NOT NULL,
  fee_asset TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  PRIMARY KEY(user_id, venue, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_user_trades_symbol ON user_trades(symbol);
CREATE INDEX IF NOT EXISTS idx_user_trades_ts ON user_trades(ts_ms);
`)
	return err
}

// inTx runs fn inside one transaction, so a batch lands as a whole.
func (r *Repo) inTx(ctx context.Context, query string, fn func(stmt *sql.Stmt) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	if err := fn(stmt); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpsertBalances never lets an older snapshot overwrite a newer one.
func (r *Repo) UpsertBalances(ctx context.Context, items []model.Balance) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return r.inTx(ctx, `
		INSERT INTO balances(user_id, venue, asset, free, locked, ts_ms, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, venue, asset) DO UPDATE SET
		free=excluded.free, locked=excluded.locked, ts_ms=excluded.ts_ms, updated_at=excluded.updated_at
		WHERE excluded.ts_ms >= balances.ts_ms
	`, func(stmt *sql.Stmt) error {
		for _, b := range items {
			if _, err := stmt.ExecContext(ctx, b.UserID, string(b.Venue), b.Asset, b.Free.String(), b.Locked.String(), b.Timestamp, now); err != nil {
				return fmt.Errorf("upsert balance %s: %w", model.BalanceKey(b), err)
			}
		}
		return nil
	})
}

func (r *Repo) UpsertOrders(ctx context.Context, items []model.Order) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return r.inTx(ctx, `
		INSERT INTO orders(user_id, venue, order_id, symbol, side, type, status, price, qty, filled, ts_ms, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, venue, order_id) DO UPDATE SET
		status=excluded.status, price=excluded.price, qty=excluded.qty, filled=excluded.filled,
		ts_ms=excluded.ts_ms, updated_at=excluded.updated_at
		WHERE excluded.ts_ms >= orders.ts_ms
	`, func(stmt *sql.Stmt) error {
		for _, o := range items {
			if _, err := stmt.ExecContext(ctx, o.UserID, string(o.Venue), o.OrderID, o.Symbol, o.Side, o.Type, o.Status,
				o.Price.String(), o.Qty.String(), o.Filled.String(), o.Timestamp, now); err != nil {
				return fmt.Errorf("upsert order %s: %w", model.OrderKey(o), err)
			}
		}
		return nil
	})
}

// UpsertUserTrades fills are immutable, a replayed trade is ignored.
func (r *Repo) UpsertUserTrades(ctx context.Context, items []model.UserTrade) error {
	if len(items) == 0 {
		return nil
	}
	return r.inTx(ctx, `
		INSERT INTO user_trades(user_id, venue, trade_id, order_id, symbol, side, price, qty, fee, fee_asset, ts_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, venue, trade_id) DO NOTHING
	`, func(stmt *sql.Stmt) error {
		for _, t := range items {
			if _, err := stmt.ExecContext(ctx, t.UserID, string(t.Venue), t.TradeID, t.OrderID, t.Symbol, t.Side,
				t.Price.String(), t.Qty.String(), t.Fee.String(), t.FeeAsset, t.Timestamp); err != nil {
				return fmt.Errorf("upsert trade %s: %w", model.UserTradeKey(t), err)
			}
		}
		return nil
	})
}

// where builds the WHERE clause for f; withSymbol is false for balances.
func where(f port.AccountFilter, withSymbol bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Venue != "" {
		conds = append(conds, "venue=?")
		args = append(args, string(f.Venue))
	}
	if withSymbol && f.Symbol != "" {
		conds = append(conds, "symbol=?")
		args = append(args, f.Symbol)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *Repo) FindBalances(ctx context.Context, f port.AccountFilter) ([]model.Balance, error) {
	cond, args := where(f, false)
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, venue, asset, free, locked, ts_ms FROM balances`+cond+` ORDER BY user_id, venue, asset`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var (
			b            model.Balance
			venue        string
			free, locked string
		)
		if err := rows.Scan(&b.UserID, &venue, &b.Asset, &free, &locked, &b.Timestamp); err != nil {
			return nil, err
		}
		b.Venue = model.Venue(venue)
		b.Free, b.Locked = dec(free), dec(locked)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repo) FindOrders(ctx context.Context, f port.AccountFilter) ([]model.Order, error) {
	cond, args := where(f, true)
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, venue, order_id, symbol, side, type, status, price, qty, filled, ts_ms FROM orders`+cond+` ORDER BY ts_ms DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var (
			o                  model.Order
			venue              string
			price, qty, filled string
		)
		if err := rows.Scan(&o.UserID, &venue, &o.OrderID, &o.Symbol, &o.Side, &o.Type, &o.Status, &price, &qty, &filled, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Venue = model.Venue(venue)
		o.Price, o.Qty, o.Filled = dec(price), dec(qty), dec(filled)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) FindUserTrades(ctx context.Context, f port.AccountFilter) ([]model.UserTrade, error) {
	cond, args := where(f, true)
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, venue, trade_id, order_id, symbol, side, price, qty, fee, fee_asset, ts_ms FROM user_trades`+cond+` ORDER BY ts_ms DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UserTrade
	for rows.Next() {
		var (
			t               model.UserTrade
			venue           string
			price, qty, fee string
		)
		if err := rows.Scan(&t.UserID, &venue, &t.TradeID, &t.OrderID, &t.Symbol, &t.Side, &price, &qty, &fee, &t.FeeAsset, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Venue = model.Venue(venue)
		t.Price, t.Qty, t.Fee = dec(price), dec(qty), dec(fee)
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ port.Store = (*Repo)(nil)
