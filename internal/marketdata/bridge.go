package marketdata

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Bridge is the downstream-facing websocket server: external clients
// connect to /market-data and send subscribe/unsubscribe requests naming a
// channel and (possibly decorated) symbol; the bridge relays hub frames back
// as they arrive. Built on nhooyr.io/websocket rather than
// gorilla/websocket, keeping the upstream and downstream transports on
// distinct libraries.
type Bridge struct {
	hub    *Hub
	logger *zap.Logger
}

// NewBridge wraps a Hub for downstream serving.
func NewBridge(logger *zap.Logger, hub *Hub) *Bridge {
	return &Bridge{hub: hub, logger: logger}
}

type bridgeRequest struct {
	Action   string `json:"action"` // "subscribe" | "unsubscribe"
	Channel  string `json:"type"`   // "trades" | "l2Book" | "candle"
	Symbol   string `json:"coin"`
	Interval string `json:"interval,omitempty"`
}

type bridgeFrame struct {
	Type string `json:"type"` // "trade" | "orderBook" | "candle"
	Data any    `json:"data"`
}

// ServeHTTP upgrades the connection and runs the per-client session until
// the client disconnects or the request context is cancelled.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("marketdata bridge: accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	session := &bridgeSession{bridge: b, conn: conn, handles: make(map[string]*Handle)}
	defer session.closeAll()

	for {
		var req bridgeRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		session.handle(ctx, req)
	}
}

type bridgeSession struct {
	bridge  *Bridge
	conn    *websocket.Conn
	handles map[string]*Handle
}

func (s *bridgeSession) handle(ctx context.Context, req bridgeRequest) {
	key := strings.ToLower(req.Channel) + ":" + req.Symbol + ":" + req.Interval
	switch req.Action {
	case "subscribe":
		if _, exists := s.handles[key]; exists {
			return
		}
		handle, err := s.bridge.hub.Subscribe(ChannelType(req.Channel), req.Symbol, req.Interval)
		if err != nil {
			s.bridge.logger.Warn("marketdata bridge: subscribe failed", zap.Error(err))
			return
		}
		s.handles[key] = handle
		go s.pump(ctx, req, handle)
	case "unsubscribe":
		if handle, exists := s.handles[key]; exists {
			handle.Unsubscribe()
			delete(s.handles, key)
		}
	}
}

func (s *bridgeSession) pump(ctx context.Context, req bridgeRequest, handle *Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-handle.Frames():
			if !ok {
				return
			}
			out := bridgeFrame{Type: string(frame.Kind), Data: frame.Trade}
			switch frame.Kind {
			case types.FrameKindBook:
				out.Type, out.Data = "orderBook", frame.Book
			case types.FrameKindCandle:
				out.Data = frame.Candle
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, s.conn, out)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *bridgeSession) closeAll() {
	for _, h := range s.handles {
		h.Unsubscribe()
	}
}
