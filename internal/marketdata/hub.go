// Package marketdata is the Market-Data Hub: a single upstream venue
// websocket multiplexed to many in-process subscribers with reference-
// counted upstream subscriptions and transparent reconnect.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/metrics"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 30 * time.Second
	maxBackoff        = 30 * time.Second
	minBackoff        = 500 * time.Millisecond
	subscriberQueueSize = 256
)

// ChannelType is one of the three upstream channel kinds.
type ChannelType string

const (
	ChannelTrades ChannelType = "trades"
	ChannelBook   ChannelType = "l2Book"
	ChannelCandle ChannelType = "candle"
)

// canonicalKey builds the bare-symbol channel key the hub tracks upstream
// subscriptions under, e.g. "l2Book:BTC" or "candle:BTC:1h".
func canonicalKey(ch ChannelType, symbol, interval string) string {
	if interval != "" {
		return fmt.Sprintf("%s:%s:%s", ch, symbol, interval)
	}
	return fmt.Sprintf("%s:%s", ch, symbol)
}

// canonicalizeSymbol strips decoration (-USD, -PERP, -SPOT) so the hub
// always subscribes upstream using the venue's bare symbol.
func canonicalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"-USD", "-PERP", "-SPOT"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// subscriberEntry is one downstream subscription's delivery channel and
// drop counter.
type subscriberEntry struct {
	id      string
	frames  chan types.Frame
	dropped int64
}

// Handle is what a downstream consumer holds: a read-only frame channel and
// an Unsubscribe method. Disconnect (losing the Handle without calling
// Unsubscribe) is treated the same as an explicit Unsubscribe by callers
// that defer it.
type Handle struct {
	hub          *Hub
	decoratedKey string
	entry        *subscriberEntry
}

// Frames returns this subscription's delivery channel, in upstream arrival
// order for this channel.
func (h *Handle) Frames() <-chan types.Frame { return h.entry.frames }

// Unsubscribe releases this handle's reference. The hub unsubscribes
// upstream on the last reference's release (1→0 transition).
func (h *Handle) Unsubscribe() {
	h.hub.unsubscribe(h.decoratedKey, h.entry.id)
}

// upstreamDialer abstracts websocket.Dial so tests can substitute a fake
// upstream without opening a real socket.
type upstreamDialer func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Hub owns the single upstream connection and every downstream subscriber.
// Its state is mutated only from its own reader/writer goroutines plus the
// Subscribe/Unsubscribe entry points, which all funnel through mu.
type Hub struct {
	url    string
	dial   upstreamDialer
	logger *zap.Logger

	mu                   sync.Mutex
	conn                 *websocket.Conn
	connMu               sync.Mutex // guards writes to conn; the hub is the only upstream writer
	refcount             map[string]int                  // canonical key -> total decorated subscription count
	canonicalToDecorated map[string]map[string]struct{}   // canonical key -> set of decorated keys observing it
	subscribers          map[string]map[string]*subscriberEntry // decorated key -> subscriber id -> entry
	nextSubID            int64

	reconnects int64
	connected  bool

	metrics *metrics.Metrics

	done chan struct{}
}

// WithMetrics attaches the Prometheus surface. Call before Run.
func (h *Hub) WithMetrics(mx *metrics.Metrics) *Hub {
	h.metrics = mx
	return h
}

// New constructs a Hub that will dial url on Run.
func New(logger *zap.Logger, url string) *Hub {
	return &Hub{
		url:                  url,
		dial:                 defaultDialer,
		logger:               logger,
		refcount:             make(map[string]int),
		canonicalToDecorated: make(map[string]map[string]struct{}),
		subscribers:          make(map[string]map[string]*subscriberEntry),
		done:                 make(chan struct{}),
	}
}

// Run owns the upstream connection lifecycle: dial, read loop, heartbeat,
// and reconnect-with-backoff on disconnect. It blocks until ctx is
// cancelled. Two tasks: the reader (this goroutine after dial) and a
// heartbeat goroutine, both scoped to one connection generation.
func (h *Hub) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := h.dial(ctx, h.url)
		if err != nil {
			h.logger.Warn("marketdata: dial failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		h.mu.Lock()
		h.conn = conn
		h.connected = true
		h.reconnects++
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.HubReconnects.Inc()
		}
		backoff = minBackoff

		h.logger.Info("marketdata: upstream connected")
		h.resubscribeAll(ctx)

		hbCtx, hbCancel := context.WithCancel(ctx)
		go h.heartbeatLoop(hbCtx, conn)

		h.readLoop(ctx, conn)
		hbCancel()

		h.mu.Lock()
		h.connected = false
		h.conn = nil
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (h *Hub) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.connMu.Lock()
			err := conn.WriteJSON(map[string]string{"method": "ping"})
			h.connMu.Unlock()
			if err != nil {
				h.logger.Warn("marketdata: ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("marketdata: upstream read failed, will reconnect", zap.Error(err))
			}
			return
		}
		h.handleUpstreamMessage(data)
	}
}

// resubscribeAll re-emits the upstream subscribe for every canonical key
// with at least one downstream subscriber, exactly once each.
func (h *Hub) resubscribeAll(ctx context.Context) {
	h.mu.Lock()
	keys := make([]string, 0, len(h.refcount))
	for k, n := range h.refcount {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	h.mu.Unlock()

	for _, k := range keys {
		if err := h.sendUpstreamSubscribe(k); err != nil {
			h.logger.Error("marketdata: resubscribe failed", zap.String("key", k), zap.Error(err))
		}
	}
}

func parseKey(key string) (ch ChannelType, symbol, interval string) {
	parts := strings.SplitN(key, ":", 3)
	ch = ChannelType(parts[0])
	if len(parts) > 1 {
		symbol = parts[1]
	}
	if len(parts) > 2 {
		interval = parts[2]
	}
	return
}

func (h *Hub) sendUpstreamSubscribe(canonical string) error {
	ch, symbol, interval := parseKey(canonical)
	sub := map[string]any{"type": string(ch), "coin": symbol}
	if interval != "" {
		sub["interval"] = interval
	}
	msg := map[string]any{"method": "subscribe", "subscription": sub}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no upstream connection")
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return conn.WriteJSON(msg)
}

func (h *Hub) sendUpstreamUnsubscribe(canonical string) error {
	ch, symbol, interval := parseKey(canonical)
	sub := map[string]any{"type": string(ch), "coin": symbol}
	if interval != "" {
		sub["interval"] = interval
	}
	msg := map[string]any{"method": "unsubscribe", "subscription": sub}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return conn.WriteJSON(msg)
}

// Subscribe registers downstream interest in one channel under a possibly
// decorated symbol. The upstream subscribe is forwarded only on the 0→1
// transition of the canonical key's refcount.
func (h *Hub) Subscribe(ch ChannelType, symbol, interval string) (*Handle, error) {
	canonical := canonicalizeSymbol(symbol)
	canonicalK := canonicalKey(ch, canonical, interval)
	decoratedK := canonicalKey(ch, symbol, interval)

	h.mu.Lock()
	h.nextSubID++
	subID := fmt.Sprintf("sub-%d", h.nextSubID)
	entry := &subscriberEntry{id: subID, frames: make(chan types.Frame, subscriberQueueSize)}

	if h.subscribers[decoratedK] == nil {
		h.subscribers[decoratedK] = make(map[string]*subscriberEntry)
	}
	h.subscribers[decoratedK][subID] = entry

	if h.canonicalToDecorated[canonicalK] == nil {
		h.canonicalToDecorated[canonicalK] = make(map[string]struct{})
	}
	h.canonicalToDecorated[canonicalK][decoratedK] = struct{}{}

	wasZero := h.refcount[canonicalK] == 0
	h.refcount[canonicalK]++
	h.mu.Unlock()

	if wasZero {
		if err := h.sendUpstreamSubscribe(canonicalK); err != nil {
			h.logger.Warn("marketdata: upstream subscribe deferred until reconnect", zap.String("key", canonicalK), zap.Error(err))
		}
	}
	return &Handle{hub: h, decoratedKey: decoratedK, entry: entry}, nil
}

func (h *Hub) unsubscribe(decoratedKey, subID string) {
	h.mu.Lock()
	subs := h.subscribers[decoratedKey]
	if subs == nil {
		h.mu.Unlock()
		return
	}
	if _, ok := subs[subID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.subscribers, decoratedKey)
	}

	// Find canonical key(s) this decorated key maps to and decrement.
	var emptiedCanonical string
	for canonicalK, decorated := range h.canonicalToDecorated {
		if _, ok := decorated[decoratedKey]; !ok {
			continue
		}
		if len(subs) == 0 {
			delete(decorated, decoratedKey)
		}
		h.refcount[canonicalK]--
		if h.refcount[canonicalK] <= 0 {
			delete(h.refcount, canonicalK)
			emptiedCanonical = canonicalK
		}
		break
	}
	h.mu.Unlock()

	if emptiedCanonical != "" {
		if err := h.sendUpstreamUnsubscribe(emptiedCanonical); err != nil {
			h.logger.Warn("marketdata: upstream unsubscribe failed", zap.Error(err))
		}
	}
}

// handleUpstreamMessage decodes one raw upstream frame and fans it out to
// every decorated key subscribed to its canonical channel.
func (h *Hub) handleUpstreamMessage(data []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Channel {
	case "trades":
		var ticks []rawTrade
		if err := json.Unmarshal(envelope.Data, &ticks); err != nil {
			return
		}
		for _, t := range ticks {
			frame := types.Frame{Kind: types.FrameKindTrade, Trade: t.normalize()}
			h.fanout(canonicalKey(ChannelTrades, canonicalizeSymbol(t.Coin), ""), frame)
		}
	case "l2Book":
		var raw rawBook
		if err := json.Unmarshal(envelope.Data, &raw); err != nil {
			return
		}
		frame := types.Frame{Kind: types.FrameKindBook, Book: raw.normalize()}
		h.fanout(canonicalKey(ChannelBook, canonicalizeSymbol(raw.Coin), ""), frame)
	case "candle":
		var raw rawCandle
		if err := json.Unmarshal(envelope.Data, &raw); err != nil {
			return
		}
		frame := types.Frame{Kind: types.FrameKindCandle, Candle: raw.normalize()}
		h.fanout(canonicalKey(ChannelCandle, canonicalizeSymbol(raw.Symbol), raw.Interval), frame)
	}
}

// fanout delivers frame to every decorated-key subscriber registered for
// canonical. A subscriber whose queue is full has this frame dropped and
// logged; the hub never blocks on a slow consumer.
func (h *Hub) fanout(canonical string, frame types.Frame) {
	h.mu.Lock()
	decorated := h.canonicalToDecorated[canonical]
	var targets []*subscriberEntry
	for dk := range decorated {
		for _, entry := range h.subscribers[dk] {
			targets = append(targets, entry)
		}
	}
	h.mu.Unlock()

	for _, entry := range targets {
		select {
		case entry.frames <- frame:
		default:
			entry.dropped++
			if h.metrics != nil {
				h.metrics.HubFramesDropped.Inc()
			}
			h.logger.Warn("marketdata: subscriber queue full, dropping frame", zap.String("subscriber", entry.id))
		}
	}
}

// Reconnects reports how many times the upstream connection has been
// (re)established, for the metrics surface.
func (h *Hub) Reconnects() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconnects
}

// rawTrade/rawBook/rawCandle are the exact upstream wire shapes.

type rawTrade struct {
	Coin string          `json:"coin"`
	Side string          `json:"side"`
	Px   decimal.Decimal `json:"px"`
	Sz   decimal.Decimal `json:"sz"`
	Time int64           `json:"time"`
	TID  int64           `json:"tid"`
}

func (t rawTrade) normalize() *types.TradeFrame {
	side := types.OrderSideSell
	if t.Side == "B" {
		side = types.OrderSideBuy
	}
	return &types.TradeFrame{Symbol: t.Coin, Side: side, Px: t.Px, Sz: t.Sz, T: time.UnixMilli(t.Time)}
}

type rawBookLevel struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
}

type rawBook struct {
	Coin   string           `json:"coin"`
	Levels [][]rawBookLevel `json:"levels"`
	Time   int64            `json:"time"`
}

func (b rawBook) normalize() *types.BookFrame {
	frame := &types.BookFrame{Symbol: b.Coin, T: time.UnixMilli(b.Time)}
	if len(b.Levels) > 0 {
		for _, l := range b.Levels[0] {
			frame.Bids = append(frame.Bids, types.BookLevel{Px: l.Px, Sz: l.Sz})
		}
	}
	if len(b.Levels) > 1 {
		for _, l := range b.Levels[1] {
			frame.Asks = append(frame.Asks, types.BookLevel{Px: l.Px, Sz: l.Sz})
		}
	}
	return frame
}

type rawCandle struct {
	T        int64           `json:"t"`
	Tend     int64           `json:"T"`
	Symbol   string          `json:"s"`
	Interval string          `json:"i"`
	Open     decimal.Decimal `json:"o"`
	Close    decimal.Decimal `json:"c"`
	High     decimal.Decimal `json:"h"`
	Low      decimal.Decimal `json:"l"`
	Volume   decimal.Decimal `json:"v"`
	N        int             `json:"n"`
}

func (c rawCandle) normalize() *types.CandleFrame {
	return &types.CandleFrame{
		Symbol: c.Symbol, Interval: c.Interval,
		Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		T: time.UnixMilli(c.T),
	}
}
