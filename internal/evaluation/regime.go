// Package evaluation is the learning half of the system: per-close
// trade scoring with regime classification, and the daily aggregation run
// that decays, archives, and consolidates learning records.
package evaluation

import (
	"math"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"gonum.org/v1/gonum/stat"
)

const (
	// regimeWindow is how many closes the classifier looks back over.
	regimeWindow = 60
	// volatileStdDev is the log-return dispersion above which the regime is
	// volatile regardless of trend direction.
	volatileStdDev = 0.02
	// trendSlopeMin is the per-bar normalized slope below which price action
	// counts as flat.
	trendSlopeMin = 0.0005
)

// ClassifyRegime buckets recent price behavior into the four coarse labels
// used to key per-trade performance: dispersion first (a violent chop is
// volatile even when it drifts), then OLS trend slope for direction.
func ClassifyRegime(closes []float64) types.Regime {
	if len(closes) < 2 {
		return types.RegimeNeutral
	}
	if len(closes) > regimeWindow {
		closes = closes[len(closes)-regimeWindow:]
	}

	logReturns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		logReturns = append(logReturns, math.Log(closes[i]/closes[i-1]))
	}
	if len(logReturns) == 0 {
		return types.RegimeNeutral
	}

	dispersion := stat.StdDev(logReturns, nil)
	if dispersion > volatileStdDev {
		return types.RegimeVolatile
	}

	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, closes, nil, false)

	mean := stat.Mean(closes, nil)
	if mean == 0 {
		return types.RegimeNeutral
	}
	normalized := slope / mean

	switch {
	case normalized > trendSlopeMin:
		return types.RegimeBullish
	case normalized < -trendSlopeMin:
		return types.RegimeBearish
	default:
		return types.RegimeNeutral
	}
}
