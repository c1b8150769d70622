package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/events"
	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVenueReader struct{}

func (fakeVenueReader) UserState(ctx context.Context, address string) (venue.UserState, error) {
	return venue.UserState{
		AccountValue:    decimal.NewFromInt(10000),
		TotalMarginUsed: decimal.NewFromInt(1500),
		Positions: []venue.RawPosition{
			{Symbol: "BTC", Size: decimal.NewFromFloat(0.2), EntryPx: decimal.NewFromInt(60000), Leverage: decimal.NewFromInt(3)},
		},
	}, nil
}

func (fakeVenueReader) OpenOrders(ctx context.Context, address string) ([]venue.RawOrder, error) {
	return nil, nil
}

type fakeReasoner struct {
	mu      sync.Mutex
	calls   int
	actions []types.Action
}

func (f *fakeReasoner) Invoke(ctx context.Context, req router.Request) (*types.ReasoningResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls += 1
	return &types.ReasoningResult{Interpretation: "test", Actions: f.actions}, nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	batches int
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, accountID, strategyID string, actions []types.Action) ([]types.ActionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	out := make([]types.ActionOutcome, len(actions))
	for i, a := range actions {
		out[i] = types.ActionOutcome{Action: a, Status: types.ActionOK}
	}
	return out, nil
}

type memMonitorRepo struct {
	mu         sync.Mutex
	accounts   map[string]types.Account
	strategies []types.Strategy
	logs       []types.MonitoringLogEntry
}

func (m *memMonitorRepo) GetAccount(ctx context.Context, id string) (types.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return types.Account{}, assert.AnError
	}
	return a, nil
}

func (m *memMonitorRepo) ListActiveApprovedAccounts(ctx context.Context) ([]types.Account, error) {
	var out []types.Account
	for _, a := range m.accounts {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memMonitorRepo) ListStrategiesByAccount(ctx context.Context, accountID string) ([]types.Strategy, error) {
	var out []types.Strategy
	for _, s := range m.strategies {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memMonitorRepo) ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error) {
	return nil, nil
}

func (m *memMonitorRepo) RecordMonitoringLog(ctx context.Context, l types.MonitoringLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *memMonitorRepo) LastMonitoringLog(ctx context.Context, accountID string) (types.MonitoringLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs) == 0 {
		return types.MonitoringLogEntry{}, assert.AnError
	}
	return m.logs[len(m.logs)-1], nil
}

func (m *memMonitorRepo) lastOutcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs) == 0 {
		return ""
	}
	return m.logs[len(m.logs)-1].Outcome
}

func testRepo(mode types.AgentMode) *memMonitorRepo {
	return &memMonitorRepo{
		accounts: map[string]types.Account{
			"acct-1": {
				ID: "acct-1", VerificationStatus: types.VerificationApproved,
				AgentMode: mode, MonitoringFrequencyMin: 5, MainWalletAddress: "0xabc",
			},
		},
		strategies: []types.Strategy{{
			ID: "strat-1", AccountID: "acct-1", Name: "rsi", Kind: types.StrategyKindIndicator,
			IsActive: true, MaxPositions: 3, MaxLeverage: decimal.NewFromInt(5),
			Config: map[string]any{"symbols": []any{"BTC"}},
		}},
	}
}

func newTestManager(repo *memMonitorRepo, reasoner *fakeReasoner, exec *fakeExecutor) *Manager {
	return New(context.Background(), zap.NewNop(), fakeVenueReader{}, reasoner, exec, repo, indicators.New(), events.NewBus(zap.NewNop()))
}

func TestTickPassiveModeRecordsPlanOnly(t *testing.T) {
	repo := testRepo(types.AgentModePassive)
	reasoner := &fakeReasoner{actions: []types.Action{{Kind: types.ActionBuy, Symbol: "BTC", Size: decimal.NewFromFloat(0.1), Reasoning: "x"}}}
	exec := &fakeExecutor{}
	m := newTestManager(repo, reasoner, exec)

	m.tick(context.Background(), "acct-1", types.FireEvent{Kind: types.FireHeartbeat, At: time.Now()}, "test")

	assert.Equal(t, 1, reasoner.calls)
	assert.Equal(t, 0, exec.batches, "passive mode never executes")
	assert.Contains(t, repo.lastOutcome(), "plan recorded")
}

func TestTickActiveModeExecutes(t *testing.T) {
	repo := testRepo(types.AgentModeActive)
	reasoner := &fakeReasoner{actions: []types.Action{{Kind: types.ActionBuy, Symbol: "BTC", Size: decimal.NewFromFloat(0.1), Reasoning: "x"}}}
	exec := &fakeExecutor{}
	m := newTestManager(repo, reasoner, exec)

	m.tick(context.Background(), "acct-1", types.FireEvent{Kind: types.FireTrigger, StrategyID: "strat-1", At: time.Now()}, "trigger:1")

	assert.Equal(t, 1, exec.batches)
	assert.Contains(t, repo.lastOutcome(), "executed: 1 ok")
}

func TestStartWithZeroIntervalStaysSuspended(t *testing.T) {
	repo := testRepo(types.AgentModeActive)
	m := newTestManager(repo, &fakeReasoner{}, &fakeExecutor{})

	require.NoError(t, m.Start("acct-1", 0, false))
	assert.False(t, m.Running("acct-1"))
}

func TestStartStopLifecycle(t *testing.T) {
	repo := testRepo(types.AgentModeActive)
	m := newTestManager(repo, &fakeReasoner{}, &fakeExecutor{})

	require.NoError(t, m.Start("acct-1", 5, false))
	assert.True(t, m.Running("acct-1"))

	m.Stop("acct-1")
	assert.False(t, m.Running("acct-1"))
}

func TestTriggerEventDrivesTick(t *testing.T) {
	repo := testRepo(types.AgentModeActive)
	reasoner := &fakeReasoner{}
	m := newTestManager(repo, reasoner, &fakeExecutor{})

	require.NoError(t, m.Start("acct-1", 60, false))
	defer m.Stop("acct-1")

	m.bus.Publish("acct-1", types.FireEvent{Kind: types.FireTrigger, StrategyID: "strat-1", At: time.Now()})

	require.Eventually(t, func() bool {
		reasoner.mu.Lock()
		defer reasoner.mu.Unlock()
		return reasoner.calls >= 1
	}, 2*time.Second, 10*time.Millisecond, "a published trigger event wakes the loop")
}

func TestClassifyOpenOrders(t *testing.T) {
	positions := []venue.RawPosition{
		{Symbol: "BTC", Size: decimal.NewFromFloat(0.5), EntryPx: decimal.NewFromInt(60000)},
		{Symbol: "ETH", Size: decimal.NewFromFloat(-2), EntryPx: decimal.NewFromInt(3000)},
	}
	orders := []venue.RawOrder{
		{OID: "1", Symbol: "BTC", ReduceOnly: true, LimitPx: decimal.NewFromInt(65000)},
		{OID: "2", Symbol: "BTC", ReduceOnly: true, LimitPx: decimal.NewFromInt(57000)},
		{OID: "3", Symbol: "ETH", ReduceOnly: true, LimitPx: decimal.NewFromInt(2800)},
		{OID: "4", Symbol: "SOL", ReduceOnly: false, LimitPx: decimal.NewFromInt(150)},
	}

	classified := classifyOpenOrders(orders, positions)
	require.Len(t, classified, 4)
	assert.Equal(t, RoleTakeProfit, classified[0].Role, "long, sell above entry")
	assert.Equal(t, RoleStopLoss, classified[1].Role, "long, sell below entry")
	assert.Equal(t, RoleTakeProfit, classified[2].Role, "short, buy below entry")
	assert.Equal(t, RoleEntry, classified[3].Role, "no position, plain entry order")
}

func TestDeriveTriggersDefaultsToRSIPair(t *testing.T) {
	strategy := types.Strategy{ID: "s1", Kind: types.StrategyKindIndicator, Config: map[string]any{"symbols": []any{"BTC", "ETH"}}}
	specs := deriveTriggers(strategy)
	require.Len(t, specs, 4, "oversold+overbought per symbol")
	assert.Equal(t, "rsi", specs[0].Indicator)
	assert.Equal(t, 30, specs[0].CooldownMinutes)
}
