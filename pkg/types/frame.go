package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FrameKind discriminates the three normalized market-data frame variants
// the hub fans out.
type FrameKind string

const (
	FrameKindTrade  FrameKind = "trade"
	FrameKindBook   FrameKind = "book"
	FrameKindCandle FrameKind = "candle"
)

// Frame is the tagged union the Market-Data Hub delivers to subscribers,
// carrying exactly one of Trade, Book, or Candle depending on Kind.
type Frame struct {
	Kind   FrameKind    `json:"kind"`
	Trade  *TradeFrame  `json:"trade,omitempty"`
	Book   *BookFrame   `json:"book,omitempty"`
	Candle *CandleFrame `json:"candle,omitempty"`
}

// TradeFrame is a normalized upstream trade tick. Side is inferred by the
// hub from the raw tick's buy/sell marker.
type TradeFrame struct {
	Symbol string          `json:"symbol"`
	Side   OrderSide       `json:"side"`
	Px     decimal.Decimal `json:"px"`
	Sz     decimal.Decimal `json:"sz"`
	T      time.Time       `json:"t"`
}

// BookLevel is one price/size level of an order-book snapshot.
type BookLevel struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
}

// BookFrame is a normalized upstream order-book snapshot.
type BookFrame struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	T      time.Time   `json:"t"`
}

// CandleFrame is a normalized upstream candle update.
type CandleFrame struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"o"`
	High     decimal.Decimal `json:"h"`
	Low      decimal.Decimal `json:"l"`
	Close    decimal.Decimal `json:"c"`
	Volume   decimal.Decimal `json:"v"`
	T        time.Time       `json:"t"`
}
