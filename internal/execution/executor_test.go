package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVenue struct {
	mu        sync.Mutex
	placed    []venue.PlaceOrderRequest
	delay     time.Duration
	inFlight  int32
	maxSeen   int32
}

func (f *fakeVenue) Markets(ctx context.Context) ([]venue.Market, error) {
	return []venue.Market{
		{Symbol: "BTC", MaxLeverage: 50, TickSize: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromFloat(0.0001)},
		{Symbol: "ETH", MaxLeverage: 50, TickSize: decimal.NewFromFloat(0.01), LotSize: decimal.NewFromFloat(0.001)},
	}, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, signer *secrets.Signer, market venue.Market, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	return venue.PlaceOrderResult{VenueOrderID: "v-1", Status: "filled", FilledSize: req.Size, AvgFillPrice: req.LimitPx}, nil
}

func (f *fakeVenue) UpdateLeverage(ctx context.Context, signer *secrets.Signer, req venue.UpdateLeverageRequest) error {
	return nil
}

type allowAll struct{}

func (allowAll) CanExecute(ctx context.Context, accountID, strategyID, symbol string, side types.PositionSide, size, leverage decimal.Decimal) (types.AdmissionResult, error) {
	return types.AdmissionResult{Allowed: true}, nil
}

type testSigners struct{ plaintext []byte }

func (s testSigners) Get(ctx context.Context, accountID string) (*secrets.Handle, error) {
	return secrets.HandleFromPlaintext(s.plaintext), nil
}

type memRepo struct {
	mu        sync.Mutex
	orders    []types.Order
	trades    []types.Trade
	positions map[string]types.Position
	journal   map[string]types.TradeJournalEntry
}

func newMemRepo() *memRepo {
	return &memRepo{positions: make(map[string]types.Position), journal: make(map[string]types.TradeJournalEntry)}
}

func posKey(strategyID, symbol string) string { return strategyID + ":" + symbol }

func (m *memRepo) PutOrder(ctx context.Context, o types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
	return nil
}

func (m *memRepo) PutTrade(ctx context.Context, t types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *memRepo) PutPosition(ctx context.Context, p types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey(p.StrategyID, p.Symbol)] = p
	return nil
}

func (m *memRepo) GetPosition(ctx context.Context, strategyID, symbol string) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posKey(strategyID, symbol)]
	if !ok {
		return types.Position{}, assert.AnError
	}
	return p, nil
}

func (m *memRepo) DeletePosition(ctx context.Context, strategyID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, posKey(strategyID, symbol))
	return nil
}

func (m *memRepo) CreateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal[e.ID] = e
	return nil
}

func (m *memRepo) UpdateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal[e.ID] = e
	return nil
}

func (m *memRepo) ListJournalEntriesByAccount(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.TradeJournalEntry
	for _, e := range m.journal {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

type countingQueue struct{ count int32 }

func (q *countingQueue) Enqueue(accountID string) { atomic.AddInt32(&q.count, 1) }

func testKeyBytes(t *testing.T) []byte {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.FromECDSA(key)
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestExecuteBatchPartialSuccess(t *testing.T) {
	v := &fakeVenue{}
	repo := newMemRepo()
	queue := &countingQueue{}
	repo.positions[posKey("strat-1", "ETH")] = types.Position{
		AccountID: "acct-1", StrategyID: "strat-1", Symbol: "ETH",
		Side: types.PositionSideLong, Size: d(1), EntryPrice: d(3000), Leverage: d(2),
	}

	activatedAt := time.Now().Add(-time.Hour)
	repo.journal["j-eth"] = types.TradeJournalEntry{
		ID: "j-eth", AccountID: "acct-1", StrategyID: "strat-1", Symbol: "ETH",
		Status: types.JournalActive, EntryReasoning: "prior entry", Expectations: "target 3200",
		TakeProfit: d(3200), CreatedAt: activatedAt, ActivatedAt: &activatedAt,
	}

	exec := New(zap.NewNop(), v, allowAll{}, nil, testSigners{testKeyBytes(t)}, repo, queue, nil)

	size := d(0.1)
	actions := []types.Action{
		{Kind: types.ActionBuy, Symbol: "BTC", Side: types.PositionSideLong, Size: size, Reasoning: "breakout"},
		{Kind: types.ActionBuy, Symbol: "UNKNOWN", Side: types.PositionSideLong, Size: size, Reasoning: "bad"},
		{Kind: types.ActionClose, Symbol: "ETH", Reasoning: "take profit"},
	}

	outcomes, err := exec.ExecuteBatch(context.Background(), "acct-1", "strat-1", actions)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, types.ActionOK, outcomes[0].Status)
	assert.Equal(t, types.ActionSkipped, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Reason, "InvalidParams")
	assert.Equal(t, types.ActionOK, outcomes[2].Status)

	assert.Len(t, repo.orders, 2, "one BTC open plus one ETH close")
	assert.Len(t, repo.trades, 1, "the ETH close produced a trade")
	_, ethStillOpen := repo.positions[posKey("strat-1", "ETH")]
	assert.False(t, ethStillOpen, "ETH position was flattened")
	assert.Equal(t, int32(1), atomic.LoadInt32(&queue.count), "snapshot enqueued once per successful batch")

	assert.Len(t, repo.journal, 2, "buy creates a planned entry; close reuses the active ETH entry")
	eth := repo.journal["j-eth"]
	assert.Equal(t, types.JournalClosed, eth.Status)
	require.NotNil(t, eth.CloseAnalysis)
	assert.NotNil(t, eth.ClosedAt)
}

func TestCloseIsReduceOnlyIOC(t *testing.T) {
	v := &fakeVenue{}
	repo := newMemRepo()
	repo.positions[posKey("strat-1", "ETH")] = types.Position{
		AccountID: "acct-1", StrategyID: "strat-1", Symbol: "ETH",
		Side: types.PositionSideShort, Size: d(2), EntryPrice: d(3000), Leverage: d(3),
	}
	exec := New(zap.NewNop(), v, allowAll{}, nil, testSigners{testKeyBytes(t)}, repo, nil, nil)

	outcomes, err := exec.ExecuteBatch(context.Background(), "acct-1", "strat-1", []types.Action{
		{Kind: types.ActionClose, Symbol: "ETH", Reasoning: "exit"},
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionOK, outcomes[0].Status)

	require.Len(t, v.placed, 1)
	req := v.placed[0]
	assert.True(t, req.ReduceOnly)
	assert.True(t, req.IsBuy, "closing a short buys")
	assert.Equal(t, venue.OrderTypeLimitIOC, req.OrderType)
	assert.True(t, req.LimitPx.GreaterThan(d(3000)), "buy-to-close bound sits above entry")
}

func TestBatchesSerializedPerAccount(t *testing.T) {
	v := &fakeVenue{delay: 20 * time.Millisecond}
	repo := newMemRepo()
	exec := New(zap.NewNop(), v, allowAll{}, nil, testSigners{testKeyBytes(t)}, repo, nil, nil)

	actions := []types.Action{{Kind: types.ActionBuy, Symbol: "BTC", Side: types.PositionSideLong, Size: d(0.1), Reasoning: "x"}}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.ExecuteBatch(context.Background(), "acct-1", "strat-1", actions)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&v.maxSeen), "same-account batches never overlap")
}

func TestHoldWritesJournalNote(t *testing.T) {
	v := &fakeVenue{}
	repo := newMemRepo()
	exec := New(zap.NewNop(), v, allowAll{}, nil, testSigners{testKeyBytes(t)}, repo, nil, nil)

	outcomes, err := exec.ExecuteBatch(context.Background(), "acct-1", "strat-1", []types.Action{
		{Kind: types.ActionHold, Symbol: "BTC", Reasoning: "chop, stay flat"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionOK, outcomes[0].Status)
	assert.Empty(t, v.placed, "hold places nothing")
	assert.Len(t, repo.journal, 1, "hold still writes its journal note")
}
