package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// PutTradeEvaluation inserts a per-close trade scoring row. Evaluations are
// append-only.
func (db *DB) PutTradeEvaluation(ctx context.Context, e types.TradeEvaluation) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO trade_evaluation (id, account_id, trade_id, pnl, target_hit, regime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.TradeID, e.PnL.String(), e.TargetHit, string(e.Regime), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put trade evaluation: %w", err)
	}
	return nil
}

// ListTradeEvaluationsByAccount returns every evaluation recorded for an
// account, oldest first, used by the daily aggregation job.
func (db *DB) ListTradeEvaluationsByAccount(ctx context.Context, accountID string) ([]types.TradeEvaluation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, account_id, trade_id, pnl, target_hit, regime, created_at
		FROM trade_evaluation WHERE account_id = ? ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list trade evaluations: %w", err)
	}
	defer rows.Close()

	var out []types.TradeEvaluation
	for rows.Next() {
		var e types.TradeEvaluation
		var pnl, createdAt string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TradeID, &pnl, &e.TargetHit, &e.Regime, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trade evaluation: %w", err)
		}
		var err error
		if e.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
