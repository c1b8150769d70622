// Package journal is the Journal & Snapshot Store's service layer:
// lifecycle-enforced trade-journal operations, the portfolio snapshotter,
// and an optional cold-archival sink for retired snapshots.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository is the persistence the service drives. Satisfied by
// *storage.DB.
type Repository interface {
	CreateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error
	UpdateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error
	GetJournalEntry(ctx context.Context, id string) (types.TradeJournalEntry, error)
	ListJournalEntriesByAccount(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error)
}

// Service exposes the journal lifecycle to the control surface. Every
// transition runs through the entry's own Activate/Close validation; there
// is no direct status write anywhere in this package.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService builds the journal Service.
func NewService(logger *zap.Logger, repo Repository) *Service {
	return &Service{repo: repo, logger: logger}
}

// CreateInput is the caller-facing shape for a new planned entry.
type CreateInput struct {
	AccountID      string
	StrategyID     string
	Symbol         string
	EntryReasoning string
	Expectations   string
	EntryPrice     decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
}

// Create appends a new entry in the planned state.
func (s *Service) Create(ctx context.Context, in CreateInput) (types.TradeJournalEntry, error) {
	entry := types.TradeJournalEntry{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		StrategyID:     in.StrategyID,
		Symbol:         in.Symbol,
		Status:         types.JournalPlanned,
		EntryReasoning: in.EntryReasoning,
		Expectations:   in.Expectations,
		EntryPrice:     in.EntryPrice,
		StopLoss:       in.StopLoss,
		TakeProfit:     in.TakeProfit,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.CreateJournalEntry(ctx, entry); err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("journal create: %w", err)
	}
	return entry, nil
}

// Activate moves a planned entry to active.
func (s *Service) Activate(ctx context.Context, id string) (types.TradeJournalEntry, error) {
	entry, err := s.repo.GetJournalEntry(ctx, id)
	if err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("journal activate: %w", err)
	}
	if err := entry.Activate(time.Now()); err != nil {
		return types.TradeJournalEntry{}, err
	}
	if err := s.repo.UpdateJournalEntry(ctx, entry); err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("journal activate: %w", err)
	}
	return entry, nil
}

// Close moves an active entry to closed with its analysis. A planned entry
// is rejected here by the entry's own transition check.
func (s *Service) Close(ctx context.Context, id string, analysis types.CloseAnalysis) (types.TradeJournalEntry, error) {
	entry, err := s.repo.GetJournalEntry(ctx, id)
	if err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("journal close: %w", err)
	}
	if err := entry.Close(time.Now(), analysis); err != nil {
		return types.TradeJournalEntry{}, err
	}
	if err := s.repo.UpdateJournalEntry(ctx, entry); err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("journal close: %w", err)
	}
	return entry, nil
}

// List returns an account's entries, newest first per the store's ordering.
func (s *Service) List(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error) {
	return s.repo.ListJournalEntriesByAccount(ctx, accountID)
}
