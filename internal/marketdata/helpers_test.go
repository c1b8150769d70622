package marketdata

import (
	"context"
	"errors"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger { return zap.NewNop() }

// failingDialer lets Subscribe/Unsubscribe tests exercise refcounting and
// fanout without a live upstream connection or Run loop.
func failingDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	return nil, errors.New("dial disabled in test")
}

func trade(t *types.TradeFrame) types.Frame {
	return types.Frame{Kind: types.FrameKindTrade, Trade: t}
}
