package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// PutPortfolioSnapshot appends a snapshot row. Snapshots are never updated
// after the fact, only superseded by a later one.
func (db *DB) PutPortfolioSnapshot(ctx context.Context, s types.PortfolioSnapshot) error {
	exposure := make(map[string]string, len(s.NetExposure))
	for sym, v := range s.NetExposure {
		exposure[sym] = v.String()
	}
	blob, err := json.Marshal(exposure)
	if err != nil {
		return fmt.Errorf("marshal net exposure: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO portfolio_snapshot (id, account_id, total_capital, margin_used, utilization_percent,
			net_exposure, health, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AccountID, s.TotalCapital.String(), s.MarginUsed.String(), s.UtilizationPercent.String(),
		string(blob), string(s.Health), s.TakenAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put portfolio snapshot: %w", err)
	}
	return nil
}

// LatestPortfolioSnapshot returns the most recent snapshot for an account, if
// any.
func (db *DB) LatestPortfolioSnapshot(ctx context.Context, accountID string) (types.PortfolioSnapshot, bool, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, total_capital, margin_used, utilization_percent, net_exposure, health, taken_at
		FROM portfolio_snapshot WHERE account_id = ? ORDER BY taken_at DESC LIMIT 1`, accountID)

	var s types.PortfolioSnapshot
	var totalCapital, marginUsed, util, exposureBlob, takenAt string
	if err := row.Scan(&s.ID, &s.AccountID, &totalCapital, &marginUsed, &util, &exposureBlob, &s.Health, &takenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.PortfolioSnapshot{}, false, nil
		}
		return types.PortfolioSnapshot{}, false, fmt.Errorf("get latest snapshot: %w", err)
	}
	var err error
	if s.TotalCapital, err = decimal.NewFromString(totalCapital); err != nil {
		return types.PortfolioSnapshot{}, false, err
	}
	if s.MarginUsed, err = decimal.NewFromString(marginUsed); err != nil {
		return types.PortfolioSnapshot{}, false, err
	}
	if s.UtilizationPercent, err = decimal.NewFromString(util); err != nil {
		return types.PortfolioSnapshot{}, false, err
	}
	if s.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return types.PortfolioSnapshot{}, false, err
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(exposureBlob), &raw); err != nil {
		return types.PortfolioSnapshot{}, false, err
	}
	s.NetExposure = make(map[string]decimal.Decimal, len(raw))
	for sym, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return types.PortfolioSnapshot{}, false, err
		}
		s.NetExposure[sym] = d
	}
	return s, true, nil
}

// ListSnapshotsBefore returns snapshots taken strictly before cutoff, oldest
// first, for cold archival.
func (db *DB) ListSnapshotsBefore(ctx context.Context, cutoff time.Time) ([]types.PortfolioSnapshot, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, account_id, total_capital, margin_used, utilization_percent, net_exposure, health, taken_at
		FROM portfolio_snapshot WHERE taken_at < ? ORDER BY taken_at ASC`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list snapshots before: %w", err)
	}
	defer rows.Close()

	var out []types.PortfolioSnapshot
	for rows.Next() {
		var s types.PortfolioSnapshot
		var totalCapital, marginUsed, util, exposureBlob, takenAt string
		if err := rows.Scan(&s.ID, &s.AccountID, &totalCapital, &marginUsed, &util, &exposureBlob, &s.Health, &takenAt); err != nil {
			return nil, err
		}
		if s.TotalCapital, err = decimal.NewFromString(totalCapital); err != nil {
			return nil, err
		}
		if s.MarginUsed, err = decimal.NewFromString(marginUsed); err != nil {
			return nil, err
		}
		if s.UtilizationPercent, err = decimal.NewFromString(util); err != nil {
			return nil, err
		}
		if s.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
			return nil, err
		}
		var raw map[string]string
		if err := json.Unmarshal([]byte(exposureBlob), &raw); err != nil {
			return nil, err
		}
		s.NetExposure = make(map[string]decimal.Decimal, len(raw))
		for sym, v := range raw {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, err
			}
			s.NetExposure[sym] = d
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSnapshotsBefore removes snapshots taken strictly before cutoff,
// called only after archival confirms the upload.
func (db *DB) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM portfolio_snapshot WHERE taken_at < ?`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", err)
	}
	return res.RowsAffected()
}
