package triggers

import (
	"strings"

	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/shopspring/decimal"
)

// lookupIndicator resolves a trigger's named indicator (and, for
// period-parameterized ones, its period) against a Snapshot. The second
// return is false when that indicator's minimum lookback isn't satisfied
// yet, matching the Indicator Engine's absent-until-gated contract.
func lookupIndicator(snap indicators.Snapshot, name string, period int) (decimal.Decimal, bool) {
	switch strings.ToLower(name) {
	case "rsi":
		return fromPtr(snap.RSI)
	case "sma":
		v, ok := snap.SMA[period]
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case "ema":
		v, ok := snap.EMA[period]
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case "macd":
		return fromPtr(snap.MACD)
	case "macd_signal":
		return fromPtr(snap.MACDSignal)
	case "macd_histogram":
		return fromPtr(snap.MACDHistogram)
	case "atr":
		return fromPtr(snap.ATR)
	case "bollinger_upper":
		return fromPtr(snap.BollingerUpper)
	case "bollinger_middle":
		return fromPtr(snap.BollingerMiddle)
	case "bollinger_lower":
		return fromPtr(snap.BollingerLower)
	case "volume_sma":
		return fromPtr(snap.VolumeSMA)
	default:
		return decimal.Zero, false
	}
}

func fromPtr(v *float64) (decimal.Decimal, bool) {
	if v == nil {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(*v), true
}
