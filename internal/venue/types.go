// Package venue is the typed RPC client over the perpetuals venue's info and
// exchange HTTP endpoints. The client holds an *http.Client and a cached
// market list; the secrets.Signer is passed into each write call, and the
// plaintext agent-wallet key never enters this package.
package venue

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawOrder is an open order exactly as the venue reports it. The caller
// (the monitoring manager, not this layer) infers TP/SL role from trigger
// price relative to the position's entry price and position side.
type RawOrder struct {
	OID         string          `json:"oid"`
	Symbol      string          `json:"coin"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"sz"`
	LimitPx     decimal.Decimal `json:"limitPx"`
	TriggerPx   decimal.Decimal `json:"triggerPx,omitempty"`
	ReduceOnly  bool            `json:"reduceOnly"`
	OrderType   string          `json:"orderType"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RawPosition is a user's open position on one symbol as reported by the
// venue's userState query.
type RawPosition struct {
	Symbol        string          `json:"coin"`
	Size          decimal.Decimal `json:"szi"`
	EntryPx       decimal.Decimal `json:"entryPx"`
	Leverage      decimal.Decimal `json:"leverage"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	MarginUsed    decimal.Decimal `json:"marginUsed"`
}

// UserState is the venue's account-level snapshot.
type UserState struct {
	AccountValue    decimal.Decimal `json:"accountValue"`
	TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
	Positions       []RawPosition   `json:"assetPositions"`
	WithdrawableUSD decimal.Decimal `json:"withdrawable"`
}

// Market is one tradeable instrument's metadata.
type Market struct {
	Symbol      string          `json:"name"`
	MaxLeverage int             `json:"maxLeverage"`
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
}

// OrderType is the venue order-type union: market, or limit with a
// time-in-force.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimitGTC OrderType = "limit_gtc"
	OrderTypeLimitIOC OrderType = "limit_ioc"
)

// PlaceOrderRequest is one order-placement request.
type PlaceOrderRequest struct {
	Symbol     string
	IsBuy      bool
	Size       decimal.Decimal
	LimitPx    decimal.Decimal
	OrderType  OrderType
	ReduceOnly bool
}

// PlaceOrderResult is the venue's placement acknowledgement.
type PlaceOrderResult struct {
	VenueOrderID string
	Status       string
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// CancelOrderRequest identifies an order to cancel.
type CancelOrderRequest struct {
	Symbol string
	OID    string
}

// UpdateLeverageRequest changes a symbol's leverage setting for the account.
type UpdateLeverageRequest struct {
	Symbol   string
	IsCross  bool
	Leverage int
}

// wire payload shapes matching the venue's exact JSON contract.

type wireOrderType struct {
	Market *struct{}      `json:"market,omitempty"`
	Limit  *wireLimitType `json:"limit,omitempty"`
}

type wireLimitType struct {
	Tif string `json:"tif"`
}

type wireOrderPayload struct {
	Coin       string        `json:"coin"`
	IsBuy      bool          `json:"is_buy"`
	Sz         string        `json:"sz"`
	LimitPx    string        `json:"limit_px"`
	OrderType  wireOrderType `json:"order_type"`
	ReduceOnly bool          `json:"reduce_only"`
}
