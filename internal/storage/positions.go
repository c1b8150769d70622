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

// PutPosition inserts or replaces a strategy's position on a symbol.
func (db *DB) PutPosition(ctx context.Context, p types.Position) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO position (account_id, strategy_id, symbol, side, size, entry_price, leverage,
			unrealized_pnl, regime_at_open, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, symbol) DO UPDATE SET
			side=excluded.side, size=excluded.size, entry_price=excluded.entry_price,
			leverage=excluded.leverage, unrealized_pnl=excluded.unrealized_pnl`,
		p.AccountID, p.StrategyID, p.Symbol, string(p.Side), p.Size.String(), p.EntryPrice.String(),
		p.Leverage.String(), p.UnrealizedPnL.String(), string(p.RegimeAtOpen), p.OpenedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (db *DB) DeletePosition(ctx context.Context, strategyID, symbol string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM position WHERE strategy_id = ? AND symbol = ?`, strategyID, symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

func scanPosition(row interface{ Scan(...any) error }) (types.Position, error) {
	var p types.Position
	var size, entry, leverage, pnl, openedAt string
	if err := row.Scan(&p.AccountID, &p.StrategyID, &p.Symbol, &p.Side, &size, &entry, &leverage,
		&pnl, &p.RegimeAtOpen, &openedAt); err != nil {
		return types.Position{}, err
	}
	var err error
	if p.Size, err = decimal.NewFromString(size); err != nil {
		return types.Position{}, err
	}
	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return types.Position{}, err
	}
	if p.Leverage, err = decimal.NewFromString(leverage); err != nil {
		return types.Position{}, err
	}
	if p.UnrealizedPnL, err = decimal.NewFromString(pnl); err != nil {
		return types.Position{}, err
	}
	if p.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
		return types.Position{}, err
	}
	return p, nil
}

// GetPosition fetches a strategy's position on one symbol, if any.
func (db *DB) GetPosition(ctx context.Context, strategyID, symbol string) (types.Position, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT account_id, strategy_id, symbol, side, size, entry_price, leverage, unrealized_pnl, regime_at_open, opened_at
		FROM position WHERE strategy_id = ? AND symbol = ?`, strategyID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, ErrNotFound
	}
	if err != nil {
		return types.Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListPositionsByAccount returns every open position across all of an
// account's strategies, used by the portfolio manager's status rollup.
func (db *DB) ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT account_id, strategy_id, symbol, side, size, entry_price, leverage, unrealized_pnl, regime_at_open, opened_at
		FROM position WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPositionsByStrategy returns a single strategy's open positions, used
// by the admission check's maxPositions count.
func (db *DB) ListPositionsByStrategy(ctx context.Context, strategyID string) ([]types.Position, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT account_id, strategy_id, symbol, side, size, entry_price, leverage, unrealized_pnl, regime_at_open, opened_at
		FROM position WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list positions by strategy: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
