package types

import "github.com/shopspring/decimal"

// ActionKind is the tagged-sum discriminator for a reasoning provider's
// structured trade intents. The router never lets an untyped action kind
// reach the executor; anything outside this set is a MalformedResponse.
type ActionKind string

const (
	ActionBuy   ActionKind = "buy"
	ActionSell  ActionKind = "sell"
	ActionHold  ActionKind = "hold"
	ActionClose ActionKind = "close"
)

// Action is one trade intent returned by a reasoning provider, already
// parsed and validated against the router's strict schema.
type Action struct {
	Kind           ActionKind       `json:"kind"`
	Symbol         string           `json:"symbol"`
	Side           PositionSide     `json:"side,omitempty"`
	Size           decimal.Decimal  `json:"size,omitempty"`
	Leverage       int              `json:"leverage,omitempty"`
	Reasoning      string           `json:"reasoning"`
	ExpectedEntry  *decimal.Decimal `json:"expectedEntry,omitempty"`
	StopLoss       *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"takeProfit,omitempty"`
}

// ReasoningResult is the full parsed shape of a provider response.
type ReasoningResult struct {
	Interpretation  string   `json:"interpretation"`
	Actions         []Action `json:"actions"`
	RiskManagement  string   `json:"riskManagement"`
	ExpectedOutcome string   `json:"expectedOutcome"`
}

// ActionOutcomeStatus is the per-action result the executor returns for a
// batch: ok, skipped with a reason, or a hard failure.
type ActionOutcomeStatus string

const (
	ActionOK      ActionOutcomeStatus = "ok"
	ActionSkipped ActionOutcomeStatus = "skipped"
	ActionFailed  ActionOutcomeStatus = "failed"
)

// ActionOutcome is one slot of the executor's per-batch result vector:
// the batch boundary never throws, every action gets one of these.
type ActionOutcome struct {
	Action Action              `json:"action"`
	Status ActionOutcomeStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
	OrderID string             `json:"orderId,omitempty"`
}
