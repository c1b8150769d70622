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

// CreateJournalEntry inserts a new journal entry in the planned state.
func (db *DB) CreateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO trade_journal_entry (id, account_id, strategy_id, order_id, symbol, status,
			entry_reasoning, expectations, entry_price, stop_loss, take_profit, close_analysis,
			created_at, activated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.StrategyID, nullString(e.OrderID), e.Symbol, string(e.Status),
		e.EntryReasoning, e.Expectations, optionalDecimal(e.EntryPrice), optionalDecimal(e.StopLoss),
		optionalDecimal(e.TakeProfit), nil, e.CreatedAt.Format(time.RFC3339Nano), nil, nil)
	if err != nil {
		return fmt.Errorf("create journal entry: %w", err)
	}
	return nil
}

// UpdateJournalEntry persists a journal entry's mutable fields (status,
// timestamps, close analysis) after a lifecycle transition has already been
// validated by types.TradeJournalEntry's own Activate/Close methods.
func (db *DB) UpdateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	var closeAnalysis []byte
	if e.CloseAnalysis != nil {
		var err error
		closeAnalysis, err = json.Marshal(e.CloseAnalysis)
		if err != nil {
			return fmt.Errorf("marshal close analysis: %w", err)
		}
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE trade_journal_entry SET status=?, close_analysis=?, activated_at=?, closed_at=?
		WHERE id=?`,
		string(e.Status), nullBytes(closeAnalysis), optionalTime(e.ActivatedAt), optionalTime(e.ClosedAt), e.ID)
	if err != nil {
		return fmt.Errorf("update journal entry: %w", err)
	}
	return nil
}

func scanJournalEntry(row interface{ Scan(...any) error }) (types.TradeJournalEntry, error) {
	var e types.TradeJournalEntry
	var orderID, entryPrice, stopLoss, takeProfit sql.NullString
	var closeAnalysisRaw sql.NullString
	var createdAt string
	var activatedAt, closedAt sql.NullString

	if err := row.Scan(&e.ID, &e.AccountID, &e.StrategyID, &orderID, &e.Symbol, &e.Status,
		&e.EntryReasoning, &e.Expectations, &entryPrice, &stopLoss, &takeProfit, &closeAnalysisRaw,
		&createdAt, &activatedAt, &closedAt); err != nil {
		return types.TradeJournalEntry{}, err
	}

	e.OrderID = orderID.String
	var err error
	if entryPrice.Valid {
		if e.EntryPrice, err = decimal.NewFromString(entryPrice.String); err != nil {
			return types.TradeJournalEntry{}, err
		}
	}
	if stopLoss.Valid {
		if e.StopLoss, err = decimal.NewFromString(stopLoss.String); err != nil {
			return types.TradeJournalEntry{}, err
		}
	}
	if takeProfit.Valid {
		if e.TakeProfit, err = decimal.NewFromString(takeProfit.String); err != nil {
			return types.TradeJournalEntry{}, err
		}
	}
	if closeAnalysisRaw.Valid {
		var analysis types.CloseAnalysis
		if err := json.Unmarshal([]byte(closeAnalysisRaw.String), &analysis); err != nil {
			return types.TradeJournalEntry{}, err
		}
		e.CloseAnalysis = &analysis
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return types.TradeJournalEntry{}, err
	}
	if activatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, activatedAt.String)
		if err != nil {
			return types.TradeJournalEntry{}, err
		}
		e.ActivatedAt = &t
	}
	if closedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return types.TradeJournalEntry{}, err
		}
		e.ClosedAt = &t
	}
	return e, nil
}

const journalColumns = `id, account_id, strategy_id, order_id, symbol, status, entry_reasoning,
	expectations, entry_price, stop_loss, take_profit, close_analysis, created_at, activated_at, closed_at`

// GetJournalEntry fetches one journal entry by id.
func (db *DB) GetJournalEntry(ctx context.Context, id string) (types.TradeJournalEntry, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+journalColumns+` FROM trade_journal_entry WHERE id = ?`, id)
	e, err := scanJournalEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TradeJournalEntry{}, ErrNotFound
	}
	if err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("get journal entry: %w", err)
	}
	return e, nil
}

// ListJournalEntriesByAccount returns every journal entry for an account,
// newest first.
func (db *DB) ListJournalEntriesByAccount(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM trade_journal_entry WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var out []types.TradeJournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func optionalDecimal(d decimal.Decimal) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func optionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}
