package evaluation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/workers"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const (
	// decayHalfLifeDays shapes the exponential: weight multiplies by
	// e^(-days/30) per aggregation.
	decayHalfLifeDays = 30.0
	// archiveThreshold is the effective-confidence floor under which a
	// record is archived.
	archiveThreshold = 20.0
)

// weightEpsilon is the decay-weight floor: a record never decays to exactly
// zero, so a late reinforcement can still revive it.
var weightEpsilon = decimal.NewFromFloat(0.001)

// AggregateRepository is the persistence surface of the daily run.
type AggregateRepository interface {
	ListActiveApprovedAccounts(ctx context.Context) ([]types.Account, error)
	ListAllLearningRecords(ctx context.Context, accountID string) ([]types.LearningRecord, error)
	PutLearningRecord(ctx context.Context, l types.LearningRecord) error
	ListTradeEvaluationsByAccount(ctx context.Context, accountID string) ([]types.TradeEvaluation, error)
}

// RegimeAggregate is one regime's performance rollup for an account.
type RegimeAggregate struct {
	Regime           types.Regime
	Count            int
	WinRate          float64
	AvgPnL           decimal.Decimal
	AnnualizedSharpe float64
}

// Aggregator owns the daily learning maintenance run.
type Aggregator struct {
	logger *zap.Logger
	repo   AggregateRepository
	pool   *workers.Pool

	// now is injectable so decay tests can advance the clock.
	now func() time.Time
}

// NewAggregator builds an Aggregator fanning accounts out over pool.
func NewAggregator(logger *zap.Logger, repo AggregateRepository, pool *workers.Pool) *Aggregator {
	return &Aggregator{logger: logger, repo: repo, pool: pool, now: time.Now}
}

// RunDaily executes the aggregation for every active account, one task per
// account on the worker pool. Account failures are independent.
func (a *Aggregator) RunDaily(ctx context.Context) error {
	accounts, err := a.repo.ListActiveApprovedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("aggregation: list accounts: %w", err)
	}

	tasks := make([]workers.Task, 0, len(accounts))
	for _, account := range accounts {
		accountID := account.ID
		tasks = append(tasks, func(ctx context.Context) error {
			return a.AggregateAccount(ctx, accountID)
		})
	}
	if err := a.pool.Run(ctx, tasks); err != nil {
		a.logger.Warn("aggregation: some accounts failed", zap.Error(err))
	}
	return nil
}

// AggregateAccount runs the four aggregation stages for one account:
// decay, archive, per-regime rollup, consolidation.
func (a *Aggregator) AggregateAccount(ctx context.Context, accountID string) error {
	records, err := a.repo.ListAllLearningRecords(ctx, accountID)
	if err != nil {
		return fmt.Errorf("aggregation %s: list learnings: %w", accountID, err)
	}

	now := a.now()
	active := make([]types.LearningRecord, 0, len(records))
	for _, record := range records {
		if !record.IsActive {
			continue
		}
		record = a.decay(record, now)

		if record.EffectiveConfidence().LessThan(decimal.NewFromFloat(archiveThreshold)) {
			record.IsActive = false
			a.logger.Info("aggregation: learning archived",
				zap.String("accountId", accountID), zap.String("category", record.Category),
				zap.String("effectiveConfidence", record.EffectiveConfidence().StringFixed(2)))
		}
		if err := a.repo.PutLearningRecord(ctx, record); err != nil {
			return fmt.Errorf("aggregation %s: persist learning: %w", accountID, err)
		}
		if record.IsActive {
			active = append(active, record)
		}
	}

	aggregates, err := a.regimeAggregates(ctx, accountID)
	if err != nil {
		return err
	}
	for _, agg := range aggregates {
		a.logger.Info("aggregation: regime performance",
			zap.String("accountId", accountID), zap.String("regime", string(agg.Regime)),
			zap.Int("count", agg.Count), zap.Float64("winRate", agg.WinRate),
			zap.String("avgPnl", agg.AvgPnL.StringFixed(2)), zap.Float64("sharpe", agg.AnnualizedSharpe))
	}

	return a.consolidate(ctx, active)
}

// decay applies the time decay exactly once: updatedAt is advanced to now
// so a second pass within the same run sees daysSince = 0 and multiplier 1.
// A record whose updatedAt sits in the future (clock skew) resets to full
// weight instead of amplifying.
func (a *Aggregator) decay(record types.LearningRecord, now time.Time) types.LearningRecord {
	daysSince := now.Sub(record.UpdatedAt).Hours() / 24
	if daysSince < 0 {
		record.DecayWeight = decimal.NewFromInt(1)
		record.UpdatedAt = now
		return record
	}

	multiplier := decimal.NewFromFloat(math.Exp(-daysSince / decayHalfLifeDays))
	weight := record.DecayWeight
	if weight.GreaterThan(decimal.NewFromInt(1)) {
		weight = decimal.NewFromInt(1)
	}
	if weight.LessThan(weightEpsilon) {
		weight = weightEpsilon
	}
	weight = weight.Mul(multiplier)
	if weight.LessThan(weightEpsilon) {
		weight = weightEpsilon
	}
	record.DecayWeight = weight
	record.UpdatedAt = now
	return record
}

// regimeAggregates rolls every trade evaluation up per regime.
func (a *Aggregator) regimeAggregates(ctx context.Context, accountID string) ([]RegimeAggregate, error) {
	evals, err := a.repo.ListTradeEvaluationsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("aggregation %s: list evaluations: %w", accountID, err)
	}

	byRegime := map[types.Regime][]types.TradeEvaluation{}
	for _, e := range evals {
		byRegime[e.Regime] = append(byRegime[e.Regime], e)
	}

	out := make([]RegimeAggregate, 0, len(byRegime))
	for regime, group := range byRegime {
		wins := 0
		total := decimal.Zero
		pnls := make([]float64, 0, len(group))
		for _, e := range group {
			if e.PnL.IsPositive() {
				wins++
			}
			total = total.Add(e.PnL)
			f, _ := e.PnL.Float64()
			pnls = append(pnls, f)
		}
		agg := RegimeAggregate{
			Regime:  regime,
			Count:   len(group),
			WinRate: float64(wins) / float64(len(group)),
			AvgPnL:  total.Div(decimal.NewFromInt(int64(len(group)))),
		}
		if len(pnls) > 1 {
			mean := stat.Mean(pnls, nil)
			sd := stat.StdDev(pnls, nil)
			if sd > 0 {
				agg.AnnualizedSharpe = mean / sd * math.Sqrt(252)
			}
		}
		out = append(out, agg)
	}
	return out, nil
}

// consolidate keeps, per category+subcategory bucket, only the record with
// the largest sample size; duplicates are archived.
func (a *Aggregator) consolidate(ctx context.Context, active []types.LearningRecord) error {
	buckets := map[string][]types.LearningRecord{}
	for _, record := range active {
		key := record.Category + "|" + record.Subcategory
		buckets[key] = append(buckets[key], record)
	}

	for _, group := range buckets {
		if len(group) < 2 {
			continue
		}
		keep := 0
		for i := 1; i < len(group); i++ {
			if group[i].SampleSize > group[keep].SampleSize {
				keep = i
			}
		}
		for i, record := range group {
			if i == keep {
				continue
			}
			record.IsActive = false
			if err := a.repo.PutLearningRecord(ctx, record); err != nil {
				return fmt.Errorf("aggregation: archive duplicate: %w", err)
			}
		}
	}
	return nil
}
