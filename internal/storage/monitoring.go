package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
)

// RecordMonitoringLog appends one monitoring-tick outcome row.
func (db *DB) RecordMonitoringLog(ctx context.Context, l types.MonitoringLogEntry) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO monitoring_log (id, account_id, state, triggered_by, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.AccountID, l.State, l.TriggeredBy, l.Outcome, l.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record monitoring log: %w", err)
	}
	return nil
}

// LastMonitoringLog returns the most recent monitoring log row for an
// account, used on startup to decide whether to run a tick immediately
// after a restart.
func (db *DB) LastMonitoringLog(ctx context.Context, accountID string) (types.MonitoringLogEntry, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, state, triggered_by, outcome, created_at
		FROM monitoring_log WHERE account_id = ? ORDER BY created_at DESC LIMIT 1`, accountID)

	var l types.MonitoringLogEntry
	var createdAt string
	err := row.Scan(&l.ID, &l.AccountID, &l.State, &l.TriggeredBy, &l.Outcome, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MonitoringLogEntry{}, ErrNotFound
	}
	if err != nil {
		return types.MonitoringLogEntry{}, fmt.Errorf("last monitoring log: %w", err)
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return types.MonitoringLogEntry{}, err
	}
	return l, nil
}
