package evaluation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/workers"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memAggRepo struct {
	mu       sync.Mutex
	accounts []types.Account
	records  map[string]types.LearningRecord
	evals    []types.TradeEvaluation
}

func newMemAggRepo() *memAggRepo {
	return &memAggRepo{records: make(map[string]types.LearningRecord)}
}

func (m *memAggRepo) ListActiveApprovedAccounts(ctx context.Context) ([]types.Account, error) {
	return m.accounts, nil
}

func (m *memAggRepo) ListAllLearningRecords(ctx context.Context, accountID string) ([]types.LearningRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.LearningRecord
	for _, r := range m.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAggRepo) PutLearningRecord(ctx context.Context, l types.LearningRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[l.ID] = l
	return nil
}

func (m *memAggRepo) ListTradeEvaluationsByAccount(ctx context.Context, accountID string) ([]types.TradeEvaluation, error) {
	var out []types.TradeEvaluation
	for _, e := range m.evals {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestAggregator(repo *memAggRepo) *Aggregator {
	return NewAggregator(zap.NewNop(), repo, workers.New(zap.NewNop(), 2))
}

func TestDecayConvergesToArchival(t *testing.T) {
	repo := newMemAggRepo()
	start := time.Now()
	repo.records["l1"] = types.LearningRecord{
		ID: "l1", AccountID: "acct-1", Category: "regime:bullish", Subcategory: "BTC",
		SampleSize: 3, ConfidenceScore: decimal.NewFromInt(50), DecayWeight: decimal.NewFromInt(1),
		IsActive: true, UpdatedAt: start,
	}

	agg := newTestAggregator(repo)
	agg.now = func() time.Time { return start.Add(60 * 24 * time.Hour) }

	require.NoError(t, agg.AggregateAccount(context.Background(), "acct-1"))

	record := repo.records["l1"]
	// 50 * e^(-60/30) ~= 6.77, well under the archive threshold of 20.
	assert.False(t, record.IsActive)
	assert.True(t, record.EffectiveConfidence().LessThan(decimal.NewFromInt(20)))
	assert.True(t, record.EffectiveConfidence().GreaterThan(decimal.NewFromInt(6)))
}

func TestDecayIsIdempotentWithinOneRun(t *testing.T) {
	repo := newMemAggRepo()
	start := time.Now()
	repo.records["l1"] = types.LearningRecord{
		ID: "l1", AccountID: "acct-1", Category: "regime:neutral", Subcategory: "ETH",
		SampleSize: 10, ConfidenceScore: decimal.NewFromInt(80), DecayWeight: decimal.NewFromInt(1),
		IsActive: true, UpdatedAt: start,
	}

	agg := newTestAggregator(repo)
	frozen := start.Add(10 * 24 * time.Hour)
	agg.now = func() time.Time { return frozen }

	require.NoError(t, agg.AggregateAccount(context.Background(), "acct-1"))
	weightAfterFirst := repo.records["l1"].DecayWeight

	require.NoError(t, agg.AggregateAccount(context.Background(), "acct-1"))
	weightAfterSecond := repo.records["l1"].DecayWeight

	assert.True(t, weightAfterFirst.Equal(weightAfterSecond),
		"updatedAt advanced to now after the first pass, so the second sees zero elapsed days")
}

func TestClockSkewResetsWeight(t *testing.T) {
	repo := newMemAggRepo()
	now := time.Now()
	repo.records["l1"] = types.LearningRecord{
		ID: "l1", AccountID: "acct-1", Category: "regime:bearish", Subcategory: "SOL",
		SampleSize: 2, ConfidenceScore: decimal.NewFromInt(60), DecayWeight: decimal.NewFromFloat(0.4),
		IsActive: true, UpdatedAt: now.Add(48 * time.Hour),
	}

	agg := newTestAggregator(repo)
	agg.now = func() time.Time { return now }

	require.NoError(t, agg.AggregateAccount(context.Background(), "acct-1"))
	assert.True(t, repo.records["l1"].DecayWeight.Equal(decimal.NewFromInt(1)),
		"a future updatedAt resets the weight instead of amplifying it")
}

func TestConsolidateKeepsLargestSample(t *testing.T) {
	repo := newMemAggRepo()
	now := time.Now()
	for id, samples := range map[string]int{"small": 2, "big": 9, "mid": 5} {
		repo.records[id] = types.LearningRecord{
			ID: id, AccountID: "acct-1", Category: "regime:bullish", Subcategory: "BTC",
			SampleSize: samples, ConfidenceScore: decimal.NewFromInt(70), DecayWeight: decimal.NewFromInt(1),
			IsActive: true, UpdatedAt: now,
		}
	}

	agg := newTestAggregator(repo)
	agg.now = func() time.Time { return now }

	require.NoError(t, agg.AggregateAccount(context.Background(), "acct-1"))

	assert.True(t, repo.records["big"].IsActive)
	assert.False(t, repo.records["small"].IsActive)
	assert.False(t, repo.records["mid"].IsActive)
}

func TestRegimeAggregatesRollup(t *testing.T) {
	repo := newMemAggRepo()
	for _, pnl := range []int64{10, 20, -5} {
		repo.evals = append(repo.evals, types.TradeEvaluation{
			AccountID: "acct-1", Regime: types.RegimeBullish, PnL: decimal.NewFromInt(pnl),
		})
	}
	agg := newTestAggregator(repo)

	aggs, err := agg.regimeAggregates(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 3, aggs[0].Count)
	assert.InDelta(t, 2.0/3.0, aggs[0].WinRate, 1e-9)
	assert.True(t, aggs[0].AvgPnL.Sub(decimal.NewFromFloat(25.0/3.0)).Abs().LessThan(decimal.NewFromFloat(0.001)))
	assert.Greater(t, aggs[0].AnnualizedSharpe, 0.0)
}

func TestClassifyRegime(t *testing.T) {
	up := make([]float64, 80)
	down := make([]float64, 80)
	flat := make([]float64, 80)
	for i := range up {
		up[i] = 100 + float64(i)*0.5
		down[i] = 140 - float64(i)*0.5
		flat[i] = 100
	}
	assert.Equal(t, types.RegimeBullish, ClassifyRegime(up))
	assert.Equal(t, types.RegimeBearish, ClassifyRegime(down))
	assert.Equal(t, types.RegimeNeutral, ClassifyRegime(flat))

	choppy := make([]float64, 80)
	for i := range choppy {
		if i%2 == 0 {
			choppy[i] = 100
		} else {
			choppy[i] = 108
		}
	}
	assert.Equal(t, types.RegimeVolatile, ClassifyRegime(choppy))
}
