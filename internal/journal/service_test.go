package journal

import (
	"context"
	"testing"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memJournal struct {
	entries map[string]types.TradeJournalEntry
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[string]types.TradeJournalEntry)}
}

func (m *memJournal) CreateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	m.entries[e.ID] = e
	return nil
}

func (m *memJournal) UpdateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	m.entries[e.ID] = e
	return nil
}

func (m *memJournal) GetJournalEntry(ctx context.Context, id string) (types.TradeJournalEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return types.TradeJournalEntry{}, assert.AnError
	}
	return e, nil
}

func (m *memJournal) ListJournalEntriesByAccount(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error) {
	var out []types.TradeJournalEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestJournalLifecyclePath(t *testing.T) {
	svc := NewService(zap.NewNop(), newMemJournal())
	ctx := context.Background()

	entry, err := svc.Create(ctx, CreateInput{
		AccountID: "acct-1", StrategyID: "strat-1", Symbol: "BTC",
		EntryReasoning: "breakout above resistance", Expectations: "target 70k",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JournalPlanned, entry.Status)

	entry, err = svc.Activate(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalActive, entry.Status)
	assert.NotNil(t, entry.ActivatedAt)

	entry, err = svc.Close(ctx, entry.ID, types.CloseAnalysis{
		PnL: decimal.NewFromInt(120), TargetHit: true, ClosedReason: "target reached",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JournalClosed, entry.Status)
	require.NotNil(t, entry.CloseAnalysis)
	assert.True(t, entry.CloseAnalysis.TargetHit)
}

func TestCloseRejectsPlannedEntry(t *testing.T) {
	svc := NewService(zap.NewNop(), newMemJournal())
	ctx := context.Background()

	entry, err := svc.Create(ctx, CreateInput{AccountID: "acct-1", StrategyID: "strat-1", Symbol: "BTC"})
	require.NoError(t, err)

	_, err = svc.Close(ctx, entry.ID, types.CloseAnalysis{})
	require.Error(t, err)
	var transition *types.InvalidTransitionError
	assert.ErrorAs(t, err, &transition)
}

func TestActivateRejectsClosedEntry(t *testing.T) {
	svc := NewService(zap.NewNop(), newMemJournal())
	ctx := context.Background()

	entry, err := svc.Create(ctx, CreateInput{AccountID: "acct-1", StrategyID: "strat-1", Symbol: "ETH"})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, entry.ID)
	require.NoError(t, err)
	_, err = svc.Close(ctx, entry.ID, types.CloseAnalysis{})
	require.NoError(t, err)

	_, err = svc.Activate(ctx, entry.ID)
	assert.Error(t, err)
}
