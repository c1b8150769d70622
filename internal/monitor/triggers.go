package monitor

import (
	"fmt"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// defaultNearMissFraction is the stock near-miss band fraction.
var defaultNearMissFraction = decimal.NewFromFloat(0.8)

// strategySymbols reads the symbol list out of a strategy's config blob,
// defaulting to BTC when none is configured.
func strategySymbols(strategy types.Strategy) []string {
	raw, ok := strategy.Config["symbols"]
	if !ok {
		return []string{"BTC"}
	}
	list, ok := raw.([]any)
	if !ok {
		return []string{"BTC"}
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"BTC"}
	}
	return out
}

// deriveTriggers builds a strategy's trigger set. Explicit triggers in the
// config blob win; otherwise each kind gets a stock set over the strategy's
// symbols. The stock indicator set is the oversold/overbought RSI pair with
// a 5-point hysteresis band and a 30-minute cooldown.
func deriveTriggers(strategy types.Strategy) []types.TriggerSpec {
	if specs := configuredTriggers(strategy); len(specs) > 0 {
		return specs
	}

	var specs []types.TriggerSpec
	for _, symbol := range strategySymbols(strategy) {
		specs = append(specs,
			types.TriggerSpec{
				ID:               fmt.Sprintf("%s-%s-rsi-oversold", strategy.ID, symbol),
				StrategyID:       strategy.ID,
				Symbol:           symbol,
				Kind:             types.TriggerKindIndicator,
				Indicator:        "rsi",
				Period:           14,
				Op:               types.CompareLT,
				Threshold:        decimal.NewFromInt(30),
				Hysteresis:       decimal.NewFromInt(5),
				CooldownMinutes:  30,
				NearMissFraction: defaultNearMissFraction,
				Description:      fmt.Sprintf("%s RSI(14) oversold", symbol),
			},
			types.TriggerSpec{
				ID:               fmt.Sprintf("%s-%s-rsi-overbought", strategy.ID, symbol),
				StrategyID:       strategy.ID,
				Symbol:           symbol,
				Kind:             types.TriggerKindIndicator,
				Indicator:        "rsi",
				Period:           14,
				Op:               types.CompareGT,
				Threshold:        decimal.NewFromInt(70),
				Hysteresis:       decimal.NewFromInt(5),
				CooldownMinutes:  30,
				NearMissFraction: defaultNearMissFraction,
				Description:      fmt.Sprintf("%s RSI(14) overbought", symbol),
			},
		)
	}
	return specs
}

// configuredTriggers decodes an explicit trigger list from the strategy's
// config blob. Malformed entries are dropped rather than failing the
// strategy.
func configuredTriggers(strategy types.Strategy) []types.TriggerSpec {
	raw, ok := strategy.Config["triggers"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	var specs []types.TriggerSpec
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		spec := types.TriggerSpec{
			ID:               fmt.Sprintf("%s-cfg-%d", strategy.ID, i),
			StrategyID:       strategy.ID,
			Kind:             types.TriggerKindIndicator,
			NearMissFraction: defaultNearMissFraction,
			CooldownMinutes:  30,
		}
		if v, ok := entry["symbol"].(string); ok {
			spec.Symbol = v
		}
		if v, ok := entry["indicator"].(string); ok {
			spec.Indicator = v
		}
		if v, ok := entry["period"].(float64); ok {
			spec.Period = int(v)
		}
		if v, ok := entry["op"].(string); ok {
			spec.Op = types.CompareOp(v)
		}
		if v, ok := entry["threshold"].(float64); ok {
			spec.Threshold = decimal.NewFromFloat(v)
		}
		if v, ok := entry["hysteresis"].(float64); ok {
			spec.Hysteresis = decimal.NewFromFloat(v)
		}
		if v, ok := entry["cooldownMinutes"].(float64); ok {
			spec.CooldownMinutes = int(v)
		}
		if v, ok := entry["description"].(string); ok {
			spec.Description = v
		}
		if spec.Symbol == "" || spec.Indicator == "" || spec.Op == "" {
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}
