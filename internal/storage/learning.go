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

// PutLearningRecord inserts or updates a learning record by id.
func (db *DB) PutLearningRecord(ctx context.Context, l types.LearningRecord) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO learning_record (id, account_id, category, subcategory, text, sample_size,
			confidence_score, decay_weight, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text=excluded.text, sample_size=excluded.sample_size, confidence_score=excluded.confidence_score,
			decay_weight=excluded.decay_weight, is_active=excluded.is_active, updated_at=excluded.updated_at`,
		l.ID, l.AccountID, l.Category, l.Subcategory, l.Text, l.SampleSize,
		l.ConfidenceScore.String(), l.DecayWeight.String(), l.IsActive, l.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put learning record: %w", err)
	}
	return nil
}

func scanLearningRecord(row interface{ Scan(...any) error }) (types.LearningRecord, error) {
	var l types.LearningRecord
	var confidence, decay, updatedAt string
	if err := row.Scan(&l.ID, &l.AccountID, &l.Category, &l.Subcategory, &l.Text, &l.SampleSize,
		&confidence, &decay, &l.IsActive, &updatedAt); err != nil {
		return types.LearningRecord{}, err
	}
	var err error
	if l.ConfidenceScore, err = decimal.NewFromString(confidence); err != nil {
		return types.LearningRecord{}, err
	}
	if l.DecayWeight, err = decimal.NewFromString(decay); err != nil {
		return types.LearningRecord{}, err
	}
	if l.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return types.LearningRecord{}, err
	}
	return l, nil
}

const learningColumns = `id, account_id, category, subcategory, text, sample_size, confidence_score, decay_weight, is_active, updated_at`

// GetLearningRecord fetches one record by id.
func (db *DB) GetLearningRecord(ctx context.Context, id string) (types.LearningRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+learningColumns+` FROM learning_record WHERE id = ?`, id)
	l, err := scanLearningRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LearningRecord{}, ErrNotFound
	}
	if err != nil {
		return types.LearningRecord{}, fmt.Errorf("get learning record: %w", err)
	}
	return l, nil
}

// ListActiveLearningRecords returns every active (non-archived) learning
// record for an account, read by the trade evaluator on each closed trade.
func (db *DB) ListActiveLearningRecords(ctx context.Context, accountID string) ([]types.LearningRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+learningColumns+` FROM learning_record WHERE account_id = ? AND is_active = 1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list active learning records: %w", err)
	}
	defer rows.Close()

	var out []types.LearningRecord
	for rows.Next() {
		l, err := scanLearningRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan learning record: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListAllLearningRecords returns every learning record for an account,
// active or archived, used by the daily aggregation job's decay pass.
func (db *DB) ListAllLearningRecords(ctx context.Context, accountID string) ([]types.LearningRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+learningColumns+` FROM learning_record WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list learning records: %w", err)
	}
	defer rows.Close()

	var out []types.LearningRecord
	for rows.Next() {
		l, err := scanLearningRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan learning record: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
