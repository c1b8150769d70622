package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource supplies recent close prices for regime classification.
// Implemented by the Indicator Engine.
type PriceSource interface {
	Closes(symbol string) []float64
}

// Repository is the persistence the evaluator writes through.
type Repository interface {
	PutTradeEvaluation(ctx context.Context, e types.TradeEvaluation) error
	PutLearningRecord(ctx context.Context, l types.LearningRecord) error
	ListActiveLearningRecords(ctx context.Context, accountID string) ([]types.LearningRecord, error)
}

// Evaluator scores each closed trade and folds the outcome into the
// account's learning records. It is the executor's CloseListener.
type Evaluator struct {
	logger *zap.Logger
	prices PriceSource
	repo   Repository
}

// NewEvaluator builds an Evaluator.
func NewEvaluator(logger *zap.Logger, prices PriceSource, repo Repository) *Evaluator {
	return &Evaluator{logger: logger, prices: prices, repo: repo}
}

// OnTradeClose runs the per-close evaluation: score PnL and target hit,
// classify the regime over the trade window, persist the evaluation, and
// synthesize or reinforce the matching learning record. Failures are logged
// and swallowed; evaluation never fails the trade that triggered it.
func (e *Evaluator) OnTradeClose(ctx context.Context, trade types.Trade, journal *types.TradeJournalEntry) {
	regime := ClassifyRegime(e.prices.Closes(trade.Symbol))

	targetHit := false
	if journal != nil && journal.CloseAnalysis != nil {
		targetHit = journal.CloseAnalysis.TargetHit
	}

	eval := types.TradeEvaluation{
		ID:        uuid.NewString(),
		AccountID: trade.AccountID,
		TradeID:   trade.ID,
		PnL:       trade.PnL,
		TargetHit: targetHit,
		Regime:    regime,
		CreatedAt: time.Now(),
	}
	if err := e.repo.PutTradeEvaluation(ctx, eval); err != nil {
		e.logger.Warn("evaluation: persist failed", zap.String("tradeId", trade.ID), zap.Error(err))
		return
	}

	if err := e.reinforceLearning(ctx, trade, regime); err != nil {
		e.logger.Warn("evaluation: learning update failed", zap.String("tradeId", trade.ID), zap.Error(err))
	}
}

// reinforceLearning increments the learning record keyed by
// (regime, symbol), creating it on first observation. Confidence moves
// toward the observed win rate as the sample grows.
func (e *Evaluator) reinforceLearning(ctx context.Context, trade types.Trade, regime types.Regime) error {
	category := "regime:" + string(regime)
	subcategory := trade.Symbol
	won := trade.PnL.IsPositive()

	records, err := e.repo.ListActiveLearningRecords(ctx, trade.AccountID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, record := range records {
		if record.Category != category || record.Subcategory != subcategory {
			continue
		}
		record.SampleSize++
		delta := decimal.NewFromInt(-5)
		if won {
			delta = decimal.NewFromInt(5)
		}
		record.ConfidenceScore = clampConfidence(record.ConfidenceScore.Add(delta))
		record.DecayWeight = decimal.NewFromInt(1)
		record.Text = learningText(regime, subcategory, record.SampleSize)
		record.UpdatedAt = now
		return e.repo.PutLearningRecord(ctx, record)
	}

	initial := decimal.NewFromInt(40)
	if won {
		initial = decimal.NewFromInt(60)
	}
	record := types.LearningRecord{
		ID:              uuid.NewString(),
		AccountID:       trade.AccountID,
		Category:        category,
		Subcategory:     subcategory,
		Text:            learningText(regime, subcategory, 1),
		SampleSize:      1,
		ConfidenceScore: initial,
		DecayWeight:     decimal.NewFromInt(1),
		IsActive:        true,
		UpdatedAt:       now,
	}
	return e.repo.PutLearningRecord(ctx, record)
}

func learningText(regime types.Regime, symbol string, samples int) string {
	return fmt.Sprintf("%s trades in a %s regime, %d samples", symbol, regime, samples)
}

var confidenceCeiling = decimal.NewFromInt(100)

func clampConfidence(c decimal.Decimal) decimal.Decimal {
	if c.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if c.GreaterThan(confidenceCeiling) {
		return confidenceCeiling
	}
	return c
}
