package portfolio

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/atlas-desktop/perp-orchestrator/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource supplies a symbol's latest close for notional-to-size
// conversion. Implemented by the Indicator Engine.
type PriceSource interface {
	Closes(symbol string) []float64
}

// CapitalSource reports an account's current total capital.
type CapitalSource interface {
	TotalCapital(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// SizingRepository is the storage slice the sizer reads.
type SizingRepository interface {
	GetStrategy(ctx context.Context, id string) (types.Strategy, error)
	ListTradesByStrategy(ctx context.Context, strategyID string) ([]types.Trade, error)
}

var (
	kellyFloor    = decimal.NewFromFloat(0.01)
	kellyCeiling  = decimal.NewFromFloat(0.25)
	kellyDefault  = decimal.NewFromFloat(0.05)
	kellyHalving  = decimal.NewFromFloat(0.5)
	minKellySample = 10
)

// Sizer produces a position-size hint for actions that arrive without an
// explicit size: a half-Kelly fraction of the strategy's allocated capital,
// falling back to a fixed conservative fraction until the strategy has
// enough closed trades to estimate from. An explicit size from the
// reasoning provider always wins; the executor only consults this when the
// action's size is zero.
type Sizer struct {
	logger  *zap.Logger
	repo    SizingRepository
	prices  PriceSource
	capital CapitalSource
}

// NewSizer builds a Sizer.
func NewSizer(logger *zap.Logger, repo SizingRepository, prices PriceSource, capital CapitalSource) *Sizer {
	return &Sizer{logger: logger, repo: repo, prices: prices, capital: capital}
}

// SuggestSize returns a venue-units size for one new position.
func (s *Sizer) SuggestSize(ctx context.Context, accountID, strategyID, symbol string, leverage decimal.Decimal) (decimal.Decimal, error) {
	strategy, err := s.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizing: load strategy: %w", err)
	}
	capital, err := s.capital.TotalCapital(ctx, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizing: capital: %w", err)
	}

	closes := s.prices.Closes(symbol)
	if len(closes) == 0 {
		return decimal.Zero, fmt.Errorf("sizing: no price history for %s", symbol)
	}
	price := decimal.NewFromFloat(closes[len(closes)-1])
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing: non-positive price for %s", symbol)
	}

	fraction := s.kellyFraction(ctx, strategyID)
	allocated := capital.Mul(strategy.AllocatedPercent).Div(decimal.NewFromInt(100))
	notional := allocated.Mul(fraction)
	size := notional.Div(price)
	if size.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("sizing: allocation too small for %s", symbol)
	}
	return size, nil
}

// kellyFraction estimates a half-Kelly bet fraction from the strategy's
// closed-trade history: f = W - (1-W)/R with W the win rate and R the
// average-win to average-loss ratio, halved and clamped.
func (s *Sizer) kellyFraction(ctx context.Context, strategyID string) decimal.Decimal {
	trades, err := s.repo.ListTradesByStrategy(ctx, strategyID)
	if err != nil || len(trades) < minKellySample {
		return kellyDefault
	}

	wins := 0
	winTotal := decimal.Zero
	lossTotal := decimal.Zero
	for _, trade := range trades {
		if trade.PnL.IsPositive() {
			wins++
			winTotal = winTotal.Add(trade.PnL)
		} else {
			lossTotal = lossTotal.Add(trade.PnL.Abs())
		}
	}
	if wins == 0 || wins == len(trades) || lossTotal.IsZero() {
		return kellyDefault
	}

	winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
	avgWin := winTotal.Div(decimal.NewFromInt(int64(wins)))
	avgLoss := lossTotal.Div(decimal.NewFromInt(int64(len(trades) - wins)))
	ratio := avgWin.Div(avgLoss)

	kelly := winRate.Sub(decimal.NewFromInt(1).Sub(winRate).Div(ratio))
	return utils.ClampDecimal(kelly.Mul(kellyHalving), kellyFloor, kellyCeiling)
}
