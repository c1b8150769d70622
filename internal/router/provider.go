// Package router is the Reasoning Router: a fallback-order selector
// over interchangeable reasoning providers, each exposing a uniform
// Complete contract with independent health tracking.
package router

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Request is the structured payload handed to a provider: prompt, free-form
// context, the account's current state and an optional model override. The
// chat-completion adapter sends Prompt and ContextBlob as its two messages;
// it does not send CurrentState.
type Request struct {
	AccountID      string
	Prompt         string
	ContextBlob    string
	CurrentState   any
	Model          string
}

// Response is a provider's raw completion plus usage accounting. Content is
// expected to be a JSON object matching types.ReasoningResult; the router
// parses it, the provider does not.
type Response struct {
	Content      string
	PromptTokens int
	OutputTokens int
	CostUSD      decimal.Decimal
}

// Provider is one reasoning backend (e.g. a specific model/account-key
// pairing): a uniform Complete method plus a Health() query, so adding a
// provider is a new adapter rather than a branch in the router.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Health() Health
}

// Health is whether the provider is currently considered usable, plus the
// rolling stats that decide it.
type Health struct {
	IsHealthy      bool
	LastSuccessAt  time.Time
	LastError      string
	ConsecutiveErr int
	Latency        time.Duration
}
