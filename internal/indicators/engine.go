// Package indicators is the Indicator Engine: a pure function of the
// candle stream that maintains per-symbol ring buffers and recomputes each
// configured indicator on every push, gating queries behind a minimum
// lookback so a cold buffer reports absent rather than a partial value.
package indicators

import (
	"sync"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	talib "github.com/markcheno/go-talib"
)

// BufferCapacity bounds how much history each symbol's ring buffers retain.
// Large enough to cover every configured period (the longest is SMA200)
// with headroom for warm-restart continuity.
const BufferCapacity = 500

// Configured periods: ring buffers are sized statically against a
// fixed period set rather than an arbitrary caller-supplied one.
var (
	SMAPeriods = []int{20, 50, 200}
	EMAPeriods = []int{9, 12, 20, 26, 50}
)

const (
	rsiPeriod          = 14
	macdFast           = 12
	macdSlow           = 26
	macdSignal         = 9
	atrPeriod          = 14
	bollingerPeriod    = 20
	bollingerDeviation = 2.0
	volumeSMAPeriod    = 20
)

// Snapshot is the full set of indicator readings for one symbol at its most
// recent candle. A nil field means the minimum lookback for that indicator
// has not yet been satisfied.
type Snapshot struct {
	Symbol string

	RSI *float64

	SMA map[int]float64
	EMA map[int]float64

	MACD          *float64
	MACDSignal    *float64
	MACDHistogram *float64

	ATR *float64

	BollingerUpper  *float64
	BollingerMiddle *float64
	BollingerLower  *float64

	VolumeSMA *float64
}

type symbolBuffers struct {
	close  *ringBuffer
	high   *ringBuffer
	low    *ringBuffer
	volume *ringBuffer
}

func newSymbolBuffers() *symbolBuffers {
	return &symbolBuffers{
		close:  newRingBuffer(BufferCapacity),
		high:   newRingBuffer(BufferCapacity),
		low:    newRingBuffer(BufferCapacity),
		volume: newRingBuffer(BufferCapacity),
	}
}

// Engine owns every symbol's ring buffers. Safe for concurrent OnCandle and
// Get calls; Get is served from the same lock so a reader never observes a
// push half-applied.
type Engine struct {
	mu      sync.RWMutex
	symbols map[string]*symbolBuffers
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{symbols: make(map[string]*symbolBuffers)}
}

// OnCandle pushes one closed candle into its symbol's buffers. Candles must
// arrive in close order; the engine does not reorder or deduplicate.
func (e *Engine) OnCandle(candle *types.CandleFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.symbols[candle.Symbol]
	if !ok {
		b = newSymbolBuffers()
		e.symbols[candle.Symbol] = b
	}
	closeF, _ := candle.Close.Float64()
	highF, _ := candle.High.Float64()
	lowF, _ := candle.Low.Float64()
	volF, _ := candle.Volume.Float64()
	b.close.push(closeF)
	b.high.push(highF)
	b.low.push(lowF)
	b.volume.push(volF)
}

// Get computes the current indicator Snapshot for symbol. Indicators whose
// minimum lookback is not yet met are left nil.
func (e *Engine) Get(symbol string) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{Symbol: symbol, SMA: map[int]float64{}, EMA: map[int]float64{}}
	b, ok := e.symbols[symbol]
	if !ok {
		return snap
	}

	closes := b.close.values()
	highs := b.high.values()
	lows := b.low.values()
	volumes := b.volume.values()

	if len(closes) >= rsiPeriod+1 {
		rsi := talib.Rsi(closes, rsiPeriod)
		snap.RSI = lastValid(rsi)
	}

	for _, p := range SMAPeriods {
		if len(closes) < p {
			continue
		}
		if v := lastValid(talib.Sma(closes, p)); v != nil {
			snap.SMA[p] = *v
		}
	}
	for _, p := range EMAPeriods {
		if len(closes) < p {
			continue
		}
		if v := lastValid(talib.Ema(closes, p)); v != nil {
			snap.EMA[p] = *v
		}
	}

	if len(closes) >= macdSlow+macdSignal {
		macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		snap.MACD = lastValid(macd)
		snap.MACDSignal = lastValid(signal)
		snap.MACDHistogram = lastValid(hist)
	}

	if len(closes) >= atrPeriod+1 {
		snap.ATR = lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	}

	if len(closes) >= bollingerPeriod {
		upper, middle, lower := talib.BBands(closes, bollingerPeriod, bollingerDeviation, bollingerDeviation, talib.SMA)
		snap.BollingerUpper = lastValid(upper)
		snap.BollingerMiddle = lastValid(middle)
		snap.BollingerLower = lastValid(lower)
	}

	if len(volumes) >= volumeSMAPeriod {
		snap.VolumeSMA = lastValid(talib.Sma(volumes, volumeSMAPeriod))
	}

	return snap
}

// Closes returns symbol's close-price history oldest-first, up to the ring
// capacity. The evaluation pipeline reads this to classify the regime over
// a trade window.
func (e *Engine) Closes(symbol string) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.symbols[symbol]
	if !ok {
		return nil
	}
	return b.close.values()
}

// lastValid returns the final element of series unless it's NaN or the
// series is empty, matching talib's convention of padding leading entries
// with NaN until the period is satisfied.
func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if v != v { // NaN
		return nil
	}
	return &v
}
