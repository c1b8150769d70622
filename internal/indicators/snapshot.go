package indicators

import (
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// persistedBuffers is the on-disk warm-restart representation:
// one entry per symbol, each holding its four ring buffers oldest-first.
type persistedBuffers struct {
	Symbol string    `msgpack:"symbol"`
	Close  []float64 `msgpack:"close"`
	High   []float64 `msgpack:"high"`
	Low    []float64 `msgpack:"low"`
	Volume []float64 `msgpack:"volume"`
}

// SaveSnapshot serializes every symbol's ring-buffer contents to path via
// msgpack, so a restart can skip re-entering each indicator's minimum
// lookback gating period.
func (e *Engine) SaveSnapshot(path string) error {
	e.mu.RLock()
	entries := make([]persistedBuffers, 0, len(e.symbols))
	for symbol, b := range e.symbols {
		entries = append(entries, persistedBuffers{
			Symbol: symbol,
			Close:  b.close.snapshot(),
			High:   b.high.snapshot(),
			Low:    b.low.snapshot(),
			Volume: b.volume.snapshot(),
		})
	}
	e.mu.RUnlock()

	buf, err := msgpack.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}

// LoadSnapshot restores ring buffers from a file written by SaveSnapshot. A
// missing file is not an error: the engine simply starts cold, same as a
// fresh deployment.
func (e *Engine) LoadSnapshot(path string) error {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var entries []persistedBuffers
	if err := msgpack.Unmarshal(buf, &entries); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		b := newSymbolBuffers()
		b.close.restore(entry.Close)
		b.high.restore(entry.High)
		b.low.restore(entry.Low)
		b.volume.restore(entry.Volume)
		e.symbols[entry.Symbol] = b
	}
	return nil
}
