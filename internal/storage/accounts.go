package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

func timePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// PutAccount inserts or replaces an account row.
func (db *DB) PutAccount(ctx context.Context, a types.Account) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO account (id, role, verification_status, agent_mode, monitoring_frequency_min, main_wallet_address, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role=excluded.role, verification_status=excluded.verification_status,
			agent_mode=excluded.agent_mode, monitoring_frequency_min=excluded.monitoring_frequency_min,
			main_wallet_address=excluded.main_wallet_address, deleted_at=excluded.deleted_at`,
		a.ID, a.Role, string(a.VerificationStatus), string(a.AgentMode), a.MonitoringFrequencyMin,
		a.MainWalletAddress, a.CreatedAt.Format(time.RFC3339Nano), nullableTime(a.DeletedAt))
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func scanAccount(row interface{ Scan(...any) error }) (types.Account, error) {
	var a types.Account
	var createdAt string
	var deletedAt sql.NullString
	var wallet sql.NullString
	if err := row.Scan(&a.ID, &a.Role, &a.VerificationStatus, &a.AgentMode, &a.MonitoringFrequencyMin,
		&wallet, &createdAt, &deletedAt); err != nil {
		return types.Account{}, err
	}
	a.MainWalletAddress = wallet.String
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return types.Account{}, err
	}
	a.CreatedAt = t
	da, err := timePtr(deletedAt)
	if err != nil {
		return types.Account{}, err
	}
	a.DeletedAt = da
	return a, nil
}

// GetAccount fetches one account by id.
func (db *DB) GetAccount(ctx context.Context, id string) (types.Account, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, role, verification_status, agent_mode, monitoring_frequency_min, main_wallet_address, created_at, deleted_at
		FROM account WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Account{}, ErrNotFound
	}
	if err != nil {
		return types.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListActiveApprovedAccounts returns every account the monitoring manager
// should run a control loop for on startup: approved and not soft-deleted.
func (db *DB) ListActiveApprovedAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, role, verification_status, agent_mode, monitoring_frequency_min, main_wallet_address, created_at, deleted_at
		FROM account WHERE verification_status = ? AND deleted_at IS NULL`, string(types.VerificationApproved))
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
