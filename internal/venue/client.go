package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/atlas-desktop/perp-orchestrator/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RPCDeadline bounds every outbound venue RPC.
const RPCDeadline = 10 * time.Second

// fallbackMarkets is the hard-coded instrument list the client falls back
// to when the upstream markets query is rate-limited. This
// is a policy, not a source of truth: it is refreshed from the venue the
// moment a call succeeds.
var fallbackMarkets = []Market{
	{Symbol: "BTC", MaxLeverage: 50, TickSize: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromFloat(0.0001)},
	{Symbol: "ETH", MaxLeverage: 50, TickSize: decimal.NewFromFloat(0.01), LotSize: decimal.NewFromFloat(0.001)},
	{Symbol: "SOL", MaxLeverage: 20, TickSize: decimal.NewFromFloat(0.001), LotSize: decimal.NewFromFloat(0.01)},
}

// Client is the stateless venue RPC surface. One Client is shared across
// accounts; the per-account signer is passed into each write call rather
// than stored on the struct, so the client itself carries no secret state.
type Client struct {
	httpBase string
	http     *http.Client
	logger   *zap.Logger

	marketsCache []Market
}

// New builds a venue Client against the given info+exchange HTTP base URL.
func New(logger *zap.Logger, httpBase string) *Client {
	return &Client{
		httpBase: httpBase,
		http:     &http.Client{Timeout: RPCDeadline},
		logger:   logger,
	}
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, RPCDeadline)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewKindError(types.ErrUnavailable, fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return types.NewKindError(types.ErrRateLimited, fmt.Errorf("%s: rate limited", path))
	}
	if resp.StatusCode >= 500 {
		return types.NewKindError(types.ErrUnavailable, fmt.Errorf("%s: %d %s", path, resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		return types.NewKindError(types.ErrInvalidParams, fmt.Errorf("%s: %d %s", path, resp.StatusCode, respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// Markets returns tradeable instruments. On rate-limit it falls back to the
// hard-coded list rather than failing the caller outright.
func (c *Client) Markets(ctx context.Context) ([]Market, error) {
	var resp struct {
		Universe []Market `json:"universe"`
	}
	err := c.post(ctx, "/info", map[string]string{"type": "meta"}, &resp)
	if err == nil {
		c.marketsCache = resp.Universe
		return resp.Universe, nil
	}
	if types.KindOf(err) == types.ErrRateLimited {
		c.logger.Warn("venue: markets rate-limited, using fallback list")
		if c.marketsCache != nil {
			return c.marketsCache, nil
		}
		return fallbackMarkets, nil
	}
	return nil, err
}

// UserState fetches one address's account snapshot.
func (c *Client) UserState(ctx context.Context, address string) (UserState, error) {
	var resp UserState
	err := c.post(ctx, "/info", map[string]string{"type": "clearinghouseState", "user": address}, &resp)
	if err != nil {
		return UserState{}, fmt.Errorf("user state: %w", err)
	}
	return resp, nil
}

// Positions fetches one address's open positions.
func (c *Client) Positions(ctx context.Context, address string) ([]RawPosition, error) {
	state, err := c.UserState(ctx, address)
	if err != nil {
		return nil, err
	}
	return state.Positions, nil
}

// OpenOrders fetches one address's raw open orders. TP/SL role inference
// happens one layer up, not here.
func (c *Client) OpenOrders(ctx context.Context, address string) ([]RawOrder, error) {
	var resp []RawOrder
	err := c.post(ctx, "/info", map[string]string{"type": "openOrders", "user": address}, &resp)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return resp, nil
}

// roundToTick rounds price and size to the instrument's tick/lot granularity
// before a write operation is signed; the venue rejects off-grid values
// and a signed payload cannot be adjusted afterwards.
func roundToTick(req PlaceOrderRequest, market Market) PlaceOrderRequest {
	req.LimitPx = utils.RoundToTickSize(req.LimitPx, market.TickSize)
	req.Size = utils.RoundToStepSize(req.Size, market.LotSize)
	return req
}

// PlaceOrder signs and submits one order. orderType=limit with LimitPx<=0 is
// rejected before signing.
func (c *Client) PlaceOrder(ctx context.Context, signer *secrets.Signer, market Market, req PlaceOrderRequest) (PlaceOrderResult, error) {
	if req.OrderType != OrderTypeMarket && req.LimitPx.LessThanOrEqual(decimal.Zero) {
		return PlaceOrderResult{}, types.NewFieldError(types.ErrInvalidParams, "limitPx", fmt.Errorf("limit order requires limitPx > 0"))
	}
	req = roundToTick(req, market)

	payload := wireOrderPayload{
		Coin:       req.Symbol,
		IsBuy:      req.IsBuy,
		Sz:         req.Size.String(),
		LimitPx:    req.LimitPx.String(),
		ReduceOnly: req.ReduceOnly,
	}
	switch req.OrderType {
	case OrderTypeMarket:
		payload.OrderType.Market = &struct{}{}
	case OrderTypeLimitGTC:
		payload.OrderType.Limit = &wireLimitType{Tif: "Gtc"}
	case OrderTypeLimitIOC:
		payload.OrderType.Limit = &wireLimitType{Tif: "Ioc"}
	default:
		return PlaceOrderResult{}, types.NewFieldError(types.ErrInvalidParams, "orderType", fmt.Errorf("unknown order type %q", req.OrderType))
	}

	digest := hashAction(payload)
	sig, err := signer.SignHash(digest)
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("sign order: %w", err)
	}

	var resp struct {
		Status string `json:"status"`
		OID    string `json:"oid"`
		Filled decimal.Decimal `json:"filledSz"`
		AvgPx  decimal.Decimal `json:"avgPx"`
	}
	body := map[string]any{"action": payload, "signature": fmt.Sprintf("0x%x", sig), "nonce": time.Now().UnixMilli()}
	if err := c.post(ctx, "/exchange", body, &resp); err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: %w", err)
	}
	return PlaceOrderResult{VenueOrderID: resp.OID, Status: resp.Status, FilledSize: resp.Filled, AvgFillPrice: resp.AvgPx}, nil
}

// CancelOrder signs and submits a cancellation.
func (c *Client) CancelOrder(ctx context.Context, signer *secrets.Signer, req CancelOrderRequest) error {
	digest := hashAction(req)
	sig, err := signer.SignHash(digest)
	if err != nil {
		return fmt.Errorf("sign cancel: %w", err)
	}
	body := map[string]any{
		"action":    map[string]string{"type": "cancel", "coin": req.Symbol, "oid": req.OID},
		"signature": fmt.Sprintf("0x%x", sig),
		"nonce":     time.Now().UnixMilli(),
	}
	if err := c.post(ctx, "/exchange", body, nil); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// UpdateLeverage signs and submits a leverage change for a symbol.
func (c *Client) UpdateLeverage(ctx context.Context, signer *secrets.Signer, req UpdateLeverageRequest) error {
	digest := hashAction(req)
	sig, err := signer.SignHash(digest)
	if err != nil {
		return fmt.Errorf("sign leverage update: %w", err)
	}
	marginMode := "cross"
	if !req.IsCross {
		marginMode = "isolated"
	}
	body := map[string]any{
		"action":    map[string]any{"type": "updateLeverage", "coin": req.Symbol, "leverage": req.Leverage, "marginMode": marginMode},
		"signature": fmt.Sprintf("0x%x", sig),
		"nonce":     time.Now().UnixMilli(),
	}
	if err := c.post(ctx, "/exchange", body, nil); err != nil {
		return fmt.Errorf("update leverage: %w", err)
	}
	return nil
}

// ApproveAgent submits an already-signed agent-wallet approval typed-data
// message. Signing happens inside the secret-store boundary; this
// layer only transports the result.
func (c *Client) ApproveAgent(ctx context.Context, signature []byte, nonce uint64, message map[string]any) error {
	body := map[string]any{
		"action":    message,
		"signature": fmt.Sprintf("0x%x", signature),
		"nonce":     nonce,
	}
	if err := c.post(ctx, "/exchange", body, nil); err != nil {
		return fmt.Errorf("approve agent: %w", err)
	}
	return nil
}
