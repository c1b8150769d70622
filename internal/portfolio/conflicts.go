package portfolio

import (
	"fmt"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// detectConflicts runs the three conflict detectors across every
// strategy on the account.
func detectConflicts(strategies []types.Strategy, positionsByStrategy map[string][]types.Position, totalPositions int, dailyLossLimitAbs map[string]decimal.Decimal) []types.Conflict {
	var conflicts []types.Conflict

	conflicts = append(conflicts, detectOpposingPositions(positionsByStrategy)...)
	conflicts = append(conflicts, detectOverConcentration(positionsByStrategy, totalPositions)...)
	conflicts = append(conflicts, detectCorrelatedRisk(strategies, dailyLossLimitAbs)...)

	return conflicts
}

// detectOpposingPositions flags a symbol where at least one strategy is long
// and at least one is short, severity scaled by how hedged the net exposure
// is relative to gross exposure.
func detectOpposingPositions(positionsByStrategy map[string][]types.Position) []types.Conflict {
	type side struct {
		long, short decimal.Decimal
	}
	bySymbol := map[string]*side{}

	for _, positions := range positionsByStrategy {
		for _, p := range positions {
			s, ok := bySymbol[p.Symbol]
			if !ok {
				s = &side{long: decimal.Zero, short: decimal.Zero}
				bySymbol[p.Symbol] = s
			}
			notional := p.Size.Mul(p.EntryPrice)
			if p.Side == types.PositionSideLong {
				s.long = s.long.Add(notional)
			} else {
				s.short = s.short.Add(notional)
			}
		}
	}

	var out []types.Conflict
	for symbol, s := range bySymbol {
		if s.long.IsZero() || s.short.IsZero() {
			continue
		}
		gross := s.long.Add(s.short)
		net := s.long.Sub(s.short).Abs()
		hedgedPct := decimal.NewFromInt(100).Sub(net.Div(gross).Mul(decimal.NewFromInt(100)))

		severity := types.SeverityLow
		switch {
		case hedgedPct.GreaterThanOrEqual(hedgedHighPct):
			severity = types.SeverityHigh
		case hedgedPct.GreaterThanOrEqual(hedgedMediumPct):
			severity = types.SeverityMedium
		}
		out = append(out, types.Conflict{
			Kind: types.ConflictOpposingPositions, Symbol: symbol, Severity: severity,
			Description: fmt.Sprintf("opposing long/short positions on %s, %s%% hedged", symbol, hedgedPct.StringFixed(1)),
		})
	}
	return out
}

// detectOverConcentration flags a symbol holding more than 40% of all open
// positions across the account.
func detectOverConcentration(positionsByStrategy map[string][]types.Position, totalPositions int) []types.Conflict {
	if totalPositions == 0 {
		return nil
	}
	countBySymbol := map[string]int{}
	for _, positions := range positionsByStrategy {
		for _, p := range positions {
			countBySymbol[p.Symbol]++
		}
	}

	var out []types.Conflict
	for symbol, count := range countBySymbol {
		pct := decimal.NewFromInt(int64(count)).Div(decimal.NewFromInt(int64(totalPositions))).Mul(decimal.NewFromInt(100))
		if pct.LessThanOrEqual(concentrationMediumPct) {
			continue
		}
		severity := types.SeverityMedium
		if pct.GreaterThan(concentrationHighPct) {
			severity = types.SeverityHigh
		}
		out = append(out, types.Conflict{
			Kind: types.ConflictOverConcentration, Symbol: symbol, Severity: severity,
			Description: fmt.Sprintf("%s%% of open positions concentrated in %s", pct.StringFixed(1), symbol),
		})
	}
	return out
}

// detectCorrelatedRisk flags any strategy whose accumulated daily loss has
// breached its configured absolute limit — critical severity, since it
// should have already blocked further admission.
func detectCorrelatedRisk(strategies []types.Strategy, dailyLossLimitAbs map[string]decimal.Decimal) []types.Conflict {
	var out []types.Conflict
	for _, s := range strategies {
		limit, ok := dailyLossLimitAbs[s.ID]
		if !ok || limit.IsZero() {
			continue
		}
		if s.CurrentDailyLoss.GreaterThanOrEqual(limit) {
			out = append(out, types.Conflict{
				Kind: types.ConflictCorrelatedRisk, Severity: types.SeverityCritical,
				Description: fmt.Sprintf("strategy %s breached its daily loss limit", s.ID),
			})
		}
	}
	return out
}
