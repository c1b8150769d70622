package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// PutOrder inserts or replaces an order row.
func (db *DB) PutOrder(ctx context.Context, o types.Order) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO "order" (id, account_id, strategy_id, symbol, side, type, size, limit_px, reduce_only,
			status, filled_size, avg_fill_price, venue_order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, filled_size=excluded.filled_size, avg_fill_price=excluded.avg_fill_price,
			venue_order_id=excluded.venue_order_id, updated_at=excluded.updated_at`,
		o.ID, o.AccountID, o.StrategyID, o.Symbol, string(o.Side), string(o.Type), o.Size.String(),
		nullDecimal(o.LimitPx), o.ReduceOnly, string(o.Status), o.FilledSize.String(), o.AvgFillPrice.String(),
		o.VenueOrderID, o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

func nullDecimal(d decimal.Decimal) sql.NullString {
	if d.IsZero() {
		return sql.NullString{String: d.String(), Valid: true}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanOrder(row interface{ Scan(...any) error }) (types.Order, error) {
	var o types.Order
	var size, filled, avgFill, createdAt, updatedAt string
	var limitPx, venueOrderID sql.NullString
	if err := row.Scan(&o.ID, &o.AccountID, &o.StrategyID, &o.Symbol, &o.Side, &o.Type, &size, &limitPx,
		&o.ReduceOnly, &o.Status, &filled, &avgFill, &venueOrderID, &createdAt, &updatedAt); err != nil {
		return types.Order{}, err
	}
	var err error
	if o.Size, err = decimal.NewFromString(size); err != nil {
		return types.Order{}, err
	}
	if limitPx.Valid {
		if o.LimitPx, err = decimal.NewFromString(limitPx.String); err != nil {
			return types.Order{}, err
		}
	}
	if o.FilledSize, err = decimal.NewFromString(filled); err != nil {
		return types.Order{}, err
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgFill); err != nil {
		return types.Order{}, err
	}
	o.VenueOrderID = venueOrderID.String
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return types.Order{}, err
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return types.Order{}, err
	}
	return o, nil
}

// GetOrder fetches one order by id.
func (db *DB) GetOrder(ctx context.Context, id string) (types.Order, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, strategy_id, symbol, side, type, size, limit_px, reduce_only,
			status, filled_size, avg_fill_price, venue_order_id, created_at, updated_at
		FROM "order" WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Order{}, ErrNotFound
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOpenOrdersByStrategy returns every order for a strategy that is not in
// a terminal state.
func (db *DB) ListOpenOrdersByStrategy(ctx context.Context, strategyID string) ([]types.Order, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, account_id, strategy_id, symbol, side, type, size, limit_px, reduce_only,
			status, filled_size, avg_fill_price, venue_order_id, created_at, updated_at
		FROM "order" WHERE strategy_id = ? AND status IN (?, ?)`,
		strategyID, string(types.OrderStatusOpen), string(types.OrderStatusPartial))
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PutTrade inserts a fill record. Trades are append-only; there is no update
// path.
func (db *DB) PutTrade(ctx context.Context, t types.Trade) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO trade (id, order_id, account_id, strategy_id, symbol, side, size, price, pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.AccountID, t.StrategyID, t.Symbol, string(t.Side), t.Size.String(),
		t.Price.String(), t.PnL.String(), t.ExecutedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put trade: %w", err)
	}
	return nil
}

// ListTradesByStrategy returns every fill recorded for a strategy, oldest
// first, used by the Kelly position sizer.
func (db *DB) ListTradesByStrategy(ctx context.Context, strategyID string) ([]types.Trade, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, order_id, account_id, strategy_id, symbol, side, size, price, pnl, executed_at
		FROM trade WHERE strategy_id = ? ORDER BY executed_at ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var size, price, pnl, executedAt string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.StrategyID, &t.Symbol, &t.Side,
			&size, &price, &pnl, &executedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		var err error
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		if t.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
