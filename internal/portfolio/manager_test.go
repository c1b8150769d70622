package portfolio

import (
	"context"
	"testing"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type fakeRepo struct {
	strategies map[string]types.Strategy
	byAccount  []types.Strategy
	positions  map[string][]types.Position
}

func (f *fakeRepo) GetStrategy(ctx context.Context, id string) (types.Strategy, error) {
	s, ok := f.strategies[id]
	if !ok {
		return types.Strategy{}, assertErr("not found")
	}
	return s, nil
}
func (f *fakeRepo) ListStrategiesByAccount(ctx context.Context, accountID string) ([]types.Strategy, error) {
	return f.byAccount, nil
}
func (f *fakeRepo) ListPositionsByStrategy(ctx context.Context, strategyID string) ([]types.Position, error) {
	return f.positions[strategyID], nil
}
func (f *fakeRepo) ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error) {
	var all []types.Position
	for _, ps := range f.positions {
		all = append(all, ps...)
	}
	return all, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestCanExecuteRejectsWhenMaxPositionsReached(t *testing.T) {
	repo := &fakeRepo{
		strategies: map[string]types.Strategy{
			"s1": {ID: "s1", IsActive: true, MaxPositions: 2, MaxLeverage: decimal.NewFromInt(10)},
		},
		positions: map[string][]types.Position{
			"s1": {{Symbol: "BTC"}, {Symbol: "ETH"}},
		},
	}
	mgr := New(nil, repo)

	result, err := mgr.CanExecute(context.Background(), "acc1", "s1", "SOL", types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(5))
	assert.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Max positions")
}

func TestCanExecuteRejectsInactiveStrategy(t *testing.T) {
	repo := &fakeRepo{strategies: map[string]types.Strategy{"s1": {ID: "s1", IsActive: false}}}
	mgr := New(nil, repo)

	result, _ := mgr.CanExecute(context.Background(), "acc1", "s1", "BTC", types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.False(t, result.Allowed)
}

func TestCanExecuteRejectsLeverageAboveMax(t *testing.T) {
	repo := &fakeRepo{strategies: map[string]types.Strategy{
		"s1": {ID: "s1", IsActive: true, MaxPositions: 5, MaxLeverage: decimal.NewFromInt(5)},
	}}
	mgr := New(nil, repo)

	result, _ := mgr.CanExecute(context.Background(), "acc1", "s1", "BTC", types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(10))
	assert.False(t, result.Allowed)
}

func TestGetStatusDetectsOpposingPositions(t *testing.T) {
	repo := &fakeRepo{
		byAccount: []types.Strategy{
			{ID: "s1", AllocatedPercent: decimal.NewFromInt(50), DailyLossLimitPct: decimal.NewFromInt(10)},
			{ID: "s2", AllocatedPercent: decimal.NewFromInt(50), DailyLossLimitPct: decimal.NewFromInt(10)},
		},
		positions: map[string][]types.Position{
			"s1": {{StrategyID: "s1", Symbol: "BTC", Side: types.PositionSideLong, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100), Leverage: decimal.NewFromInt(1)}},
			"s2": {{StrategyID: "s2", Symbol: "BTC", Side: types.PositionSideShort, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100), Leverage: decimal.NewFromInt(1)}},
		},
	}
	mgr := New(nil, repo)

	status, err := mgr.GetStatus(context.Background(), "acc1", decimal.NewFromInt(10000))
	assert.NoError(t, err)
	assert.NotEmpty(t, status.Conflicts)
	found := false
	for _, c := range status.Conflicts {
		if c.Kind == types.ConflictOpposingPositions {
			found = true
		}
	}
	assert.True(t, found)
}
