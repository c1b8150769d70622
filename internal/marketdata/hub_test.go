package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeSymbol(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC", "BTC"},
		{"BTC-USD", "BTC"},
		{"btc-perp", "BTC"},
		{"ETH-SPOT", "ETH"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, canonicalizeSymbol(c.in), "input %q", c.in)
	}
}

func TestCanonicalKey(t *testing.T) {
	assert.Equal(t, "trades:BTC", canonicalKey(ChannelTrades, "BTC", ""))
	assert.Equal(t, "candle:BTC:1h", canonicalKey(ChannelCandle, "BTC", "1h"))
}

func TestSubscribeIncrementsRefcountOncePerCanonicalKey(t *testing.T) {
	h := New(testLogger(), "wss://example.invalid")
	h.dial = failingDialer

	handle1, err := h.Subscribe(ChannelTrades, "BTC-USD", "")
	assert.NoError(t, err)
	handle2, err := h.Subscribe(ChannelTrades, "BTC-PERP", "")
	assert.NoError(t, err)

	h.mu.Lock()
	assert.Equal(t, 2, h.refcount[canonicalKey(ChannelTrades, "BTC", "")])
	h.mu.Unlock()

	handle1.Unsubscribe()
	h.mu.Lock()
	assert.Equal(t, 1, h.refcount[canonicalKey(ChannelTrades, "BTC", "")])
	h.mu.Unlock()

	handle2.Unsubscribe()
	h.mu.Lock()
	_, exists := h.refcount[canonicalKey(ChannelTrades, "BTC", "")]
	assert.False(t, exists)
	h.mu.Unlock()
}

func TestFanoutDeliversToAllDecoratedSubscribers(t *testing.T) {
	h := New(testLogger(), "wss://example.invalid")
	h.dial = failingDialer

	handle1, _ := h.Subscribe(ChannelTrades, "BTC-USD", "")
	handle2, _ := h.Subscribe(ChannelTrades, "BTC-PERP", "")

	frame := rawTrade{Coin: "BTC", Side: "B"}.normalize()
	h.fanout(canonicalKey(ChannelTrades, "BTC", ""), trade(frame))

	select {
	case f := <-handle1.Frames():
		assert.Equal(t, "BTC", f.Trade.Symbol)
	default:
		t.Fatal("handle1 did not receive frame")
	}
	select {
	case f := <-handle2.Frames():
		assert.Equal(t, "BTC", f.Trade.Symbol)
	default:
		t.Fatal("handle2 did not receive frame")
	}
}

func TestFanoutDropsOnFullQueueWithoutBlocking(t *testing.T) {
	h := New(testLogger(), "wss://example.invalid")
	h.dial = failingDialer

	handle, _ := h.Subscribe(ChannelTrades, "BTC", "")
	key := canonicalKey(ChannelTrades, "BTC", "")
	frame := trade(rawTrade{Coin: "BTC", Side: "B"}.normalize())

	for i := 0; i < subscriberQueueSize+10; i++ {
		h.fanout(key, frame)
	}

	assert.Greater(t, handle.entry.dropped, int64(0))
}
