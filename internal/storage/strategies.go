package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// PutStrategy inserts or replaces a strategy row.
func (db *DB) PutStrategy(ctx context.Context, s types.Strategy) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO strategy (id, account_id, name, kind, is_active, allocated_percent, max_positions,
			max_leverage, daily_loss_limit_pct, current_daily_loss, correlation_group, config, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, kind=excluded.kind, is_active=excluded.is_active,
			allocated_percent=excluded.allocated_percent, max_positions=excluded.max_positions,
			max_leverage=excluded.max_leverage, daily_loss_limit_pct=excluded.daily_loss_limit_pct,
			current_daily_loss=excluded.current_daily_loss, correlation_group=excluded.correlation_group,
			config=excluded.config, status=excluded.status`,
		s.ID, s.AccountID, s.Name, string(s.Kind), s.IsActive, s.AllocatedPercent.String(), s.MaxPositions,
		s.MaxLeverage.String(), s.DailyLossLimitPct.String(), s.CurrentDailyLoss.String(),
		s.CorrelationGroup, string(cfg), s.Status)
	if err != nil {
		return fmt.Errorf("put strategy: %w", err)
	}
	return nil
}

func scanStrategy(row interface{ Scan(...any) error }) (types.Strategy, error) {
	var s types.Strategy
	var allocated, maxLev, lossLimit, dailyLoss, cfg string
	var correlationGroup sql.NullString
	if err := row.Scan(&s.ID, &s.AccountID, &s.Name, &s.Kind, &s.IsActive, &allocated, &s.MaxPositions,
		&maxLev, &lossLimit, &dailyLoss, &correlationGroup, &cfg, &s.Status); err != nil {
		return types.Strategy{}, err
	}
	var err error
	if s.AllocatedPercent, err = decimal.NewFromString(allocated); err != nil {
		return types.Strategy{}, err
	}
	if s.MaxLeverage, err = decimal.NewFromString(maxLev); err != nil {
		return types.Strategy{}, err
	}
	if s.DailyLossLimitPct, err = decimal.NewFromString(lossLimit); err != nil {
		return types.Strategy{}, err
	}
	if s.CurrentDailyLoss, err = decimal.NewFromString(dailyLoss); err != nil {
		return types.Strategy{}, err
	}
	s.CorrelationGroup = correlationGroup.String
	if err := json.Unmarshal([]byte(cfg), &s.Config); err != nil {
		return types.Strategy{}, err
	}
	return s, nil
}

// GetStrategy fetches one strategy by id.
func (db *DB) GetStrategy(ctx context.Context, id string) (types.Strategy, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, name, kind, is_active, allocated_percent, max_positions,
			max_leverage, daily_loss_limit_pct, current_daily_loss, correlation_group, config, status
		FROM strategy WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Strategy{}, ErrNotFound
	}
	if err != nil {
		return types.Strategy{}, fmt.Errorf("get strategy: %w", err)
	}
	return s, nil
}

// ListStrategiesByAccount returns every strategy configured for an account,
// active or not.
func (db *DB) ListStrategiesByAccount(ctx context.Context, accountID string) ([]types.Strategy, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, account_id, name, kind, is_active, allocated_percent, max_positions,
			max_leverage, daily_loss_limit_pct, current_daily_loss, correlation_group, config, status
		FROM strategy WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ResetDailyLoss zeroes current_daily_loss for every strategy of one account.
// No job in the server calls it, so the counter is not reset at the start of
// a trading day.
func (db *DB) ResetDailyLoss(ctx context.Context, accountID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE strategy SET current_daily_loss = '0' WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("reset daily loss: %w", err)
	}
	return nil
}

// IncrDailyLoss adds delta (signed; a losing trade passes a positive delta)
// to a strategy's running daily loss counter.
func (db *DB) IncrDailyLoss(ctx context.Context, strategyID string, delta decimal.Decimal) error {
	s, err := db.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	s.CurrentDailyLoss = s.CurrentDailyLoss.Add(delta)
	return db.PutStrategy(ctx, s)
}
