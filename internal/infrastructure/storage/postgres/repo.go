package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

// Options 连接池参数
type Options struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type Repo struct {
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, opts Options) (*Repo, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repo{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS balances (
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  asset TEXT NOT NULL,
  free NUMERIC NOT NULL,
  locked NUMERIC NOT NULL,
  ts_ms BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, venue, asset)
);

CREATE TABLE IF NOT EXISTS orders (
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  price NUMERIC NOT NULL,
  qty NUMERIC NOT NULL,
  filled NUMERIC NOT NULL,
  ts_ms BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, venue, order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);

CREATE TABLE IF NOT EXISTS user_trades (
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  trade_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  price NUMERIC NOT NULL,
  qty NUMERIC NOT NULL,
  fee NUMERIC NOT NULL,
  fee_asset TEXT NOT NULL,
  ts_ms BIGINT NOT NULL,
  PRIMARY KEY (user_id, venue, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_user_trades_symbol ON user_trades(symbol);
`)
	return err
}

// sendBatch runs every queued statement and reports the first failure.
func (r *Repo) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) UpsertBalances(ctx context.Context, items []model.Balance) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range items {
		batch.Queue(`
			INSERT INTO balances (user_id, venue, asset, free, locked, ts_ms)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
			ON CONFLICT (user_id, venue, asset) DO UPDATE SET
			free = EXCLUDED.free, locked = EXCLUDED.locked, ts_ms = EXCLUDED.ts_ms, updated_at = now()
			WHERE EXCLUDED.ts_ms >= balances.ts_ms
		`, b.UserID, string(b.Venue), b.Asset, b.Free.String(), b.Locked.String(), b.Timestamp)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upsert balances: %w", err)
	}
	return nil
}

func (r *Repo) UpsertOrders(ctx context.Context, items []model.Order) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range items {
		batch.Queue(`
			INSERT INTO orders (user_id, venue, order_id, symbol, side, type, status, price, qty, filled, ts_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11)
			ON CONFLICT (user_id, venue, order_id) DO UPDATE SET
			status = EXCLUDED.status, price = EXCLUDED.price, qty = EXCLUDED.qty,
			filled = GREATEST(orders.filled, EXCLUDED.filled), ts_ms = EXCLUDED.ts_ms, updated_at = now()
			WHERE EXCLUDED.ts_ms >= orders.ts_ms
		`, o.UserID, string(o.Venue), o.OrderID, o.Symbol, o.Side, o.Type, o.Status,
			o.Price.String(), o.Qty.String(), o.Filled.String(), o.Timestamp)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upsert orders: %w", err)
	}
	return nil
}

func (r *Repo) UpsertUserTrades(ctx context.Context, items []model.UserTrade) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range items {
		batch.Queue(`
			INSERT INTO user_trades (user_id, venue, trade_id, order_id, symbol, side, price, qty, fee, fee_asset, ts_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11)
			ON CONFLICT (user_id, venue, trade_id) DO NOTHING
		`, t.UserID, string(t.Venue), t.TradeID, t.OrderID, t.Symbol, t.Side,
			t.Price.String(), t.Qty.String(), t.Fee.String(), t.FeeAsset, t.Timestamp)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upsert user trades: %w", err)
	}
	return nil
}

// where builds a $n placeholder WHERE clause for f.
func where(f port.AccountFilter, withSymbol bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.Venue != "" {
		add("venue", string(f.Venue))
	}
	if withSymbol && f.Symbol != "" {
		add("symbol", f.Symbol)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *Repo) FindBalances(ctx context.Context, f port.AccountFilter) ([]model.Balance, error) {
	cond, args := where(f, false)
	rows, err := r.pool.Query(ctx, `SELECT user_id, venue, asset, free::text, locked::text, ts_ms FROM balances`+cond+` ORDER BY user_id, venue, asset`, args...)
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
	rows, err := r.pool.Query(ctx, `SELECT user_id, venue, order_id, symbol, side, type, status, price::text, qty::text, filled::text, ts_ms FROM orders`+cond+` ORDER BY ts_ms DESC`, args...)
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
	rows, err := r.pool.Query(ctx, `SELECT user_id, venue, trade_id, order_id, symbol, side, price::text, qty::text, fee::text, fee_asset, ts_ms FROM user_trades`+cond+` ORDER BY ts_ms DESC`, args...)
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
