package indicators

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func pushCandles(e *Engine, symbol string, n int, base float64) {
	for i := 0; i < n; i++ {
		px := base + float64(i)
		candle := &types.CandleFrame{
			Symbol: symbol,
			Open:   decimal.NewFromFloat(px),
			High:   decimal.NewFromFloat(px + 1),
			Low:    decimal.NewFromFloat(px - 1),
			Close:  decimal.NewFromFloat(px),
			Volume: decimal.NewFromFloat(100),
			T:      time.Now(),
		}
		e.OnCandle(candle)
	}
}

func TestIndicatorsAbsentBeforeMinimumLookback(t *testing.T) {
	e := New()
	pushCandles(e, "BTC", 5, 100)

	snap := e.Get("BTC")
	assert.Nil(t, snap.RSI, "RSI should be absent before 15 candles")
	assert.Nil(t, snap.ATR, "ATR should be absent before 15 candles")
	assert.Empty(t, snap.SMA, "no SMA period has enough data yet")
}

func TestIndicatorsPresentAfterMinimumLookback(t *testing.T) {
	e := New()
	pushCandles(e, "BTC", 60, 100)

	snap := e.Get("BTC")
	assert.NotNil(t, snap.RSI)
	assert.NotNil(t, snap.ATR)
	assert.Contains(t, snap.SMA, 20)
	assert.Contains(t, snap.SMA, 50)
	assert.NotContains(t, snap.SMA, 200, "200-period SMA needs 200 candles")
	assert.Contains(t, snap.EMA, 9)
	assert.NotNil(t, snap.BollingerMiddle)
}

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	rb := newRingBuffer(3)
	rb.push(1)
	rb.push(2)
	rb.push(3)
	rb.push(4)
	assert.Equal(t, []float64{2, 3, 4}, rb.values())
}

func TestSnapshotRoundTripPreservesBuffers(t *testing.T) {
	e := New()
	pushCandles(e, "BTC", 60, 100)
	before := e.Get("BTC")

	path := filepath.Join(t.TempDir(), "indicators.msgpack")
	assert.NoError(t, e.SaveSnapshot(path))

	restored := New()
	assert.NoError(t, restored.LoadSnapshot(path))
	after := restored.Get("BTC")

	assert.Equal(t, *before.RSI, *after.RSI)
	assert.Equal(t, before.SMA[20], after.SMA[20])
}

func TestLoadSnapshotMissingFileIsNotError(t *testing.T) {
	e := New()
	err := e.LoadSnapshot(filepath.Join(t.TempDir(), "missing.msgpack"))
	assert.NoError(t, err)
}
