// Package types holds the shared domain entities that cross component
// boundaries: accounts, strategies, market frames, orders, positions, and the
// journal/learning records persisted by the store.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus is an account's onboarding state.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// AgentMode controls whether a monitoring tick executes its plan or only
// records it.
type AgentMode string

const (
	AgentModePassive AgentMode = "passive"
	AgentModeActive  AgentMode = "active"
)

// Account is an onboarded venue participant.
type Account struct {
	ID                     string             `json:"id"`
	Role                   string             `json:"role"`
	VerificationStatus     VerificationStatus `json:"verificationStatus"`
	AgentMode              AgentMode          `json:"agentMode"`
	MonitoringFrequencyMin int                `json:"monitoringFrequencyMinutes"`
	MainWalletAddress      string             `json:"mainWalletAddress,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	DeletedAt              *time.Time         `json:"deletedAt,omitempty"`
}

// Active reports whether this account's control loop should run: approved and
// not soft-deleted. Agent mode is evaluated separately by the caller since a
// passive account still runs ticks, just without execution.
func (a Account) Active() bool {
	return a.VerificationStatus == VerificationApproved && a.DeletedAt == nil
}

// StrategyKind enumerates the supported strategy shapes.
type StrategyKind string

const (
	StrategyKindIndicator   StrategyKind = "indicator"
	StrategyKindOrderFlow   StrategyKind = "order-flow"
	StrategyKindProfile     StrategyKind = "profile"
	StrategyKindHybrid      StrategyKind = "hybrid"
	StrategyKindPriceAction StrategyKind = "price-action"
)

// Strategy is a per-account trading configuration with its own capital
// allocation, risk limits, and a kind-specific config blob.
type Strategy struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"accountId"`
	Name              string          `json:"name"`
	Kind              StrategyKind    `json:"kind"`
	IsActive          bool            `json:"isActive"`
	AllocatedPercent  decimal.Decimal `json:"allocatedPercent"`
	MaxPositions      int             `json:"maxPositions"`
	MaxLeverage       decimal.Decimal `json:"maxLeverage"`
	DailyLossLimitPct decimal.Decimal `json:"dailyLossLimitPercent"`
	CurrentDailyLoss  decimal.Decimal `json:"currentDailyLoss"`
	CorrelationGroup  string          `json:"correlationGroup,omitempty"`
	Config            map[string]any  `json:"config"`
	Status            string          `json:"status"`
}

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// OrderType mirrors the venue's order-type union.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimitGTC OrderType = "limit_gtc"
	OrderTypeLimitIOC OrderType = "limit_ioc"
)

// OrderStatus tracks venue-side order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is a placed venue order, always linked back to the strategy and
// account that produced it.
type Order struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"accountId"`
	StrategyID   string          `json:"strategyId"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Size         decimal.Decimal `json:"size"`
	LimitPx      decimal.Decimal `json:"limitPx,omitempty"`
	ReduceOnly   bool            `json:"reduceOnly"`
	Status       OrderStatus     `json:"status"`
	FilledSize   decimal.Decimal `json:"filledSize"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	VenueOrderID string          `json:"venueOrderId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Position is a strategy's open exposure on one symbol.
type Position struct {
	AccountID     string          `json:"accountId"`
	StrategyID    string          `json:"strategyId"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Leverage      decimal.Decimal `json:"leverage"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RegimeAtOpen  Regime          `json:"regimeAtOpen"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// Trade is a single fill, produced once an order executes against the venue.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	AccountID  string          `json:"accountId"`
	StrategyID string          `json:"strategyId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	PnL        decimal.Decimal `json:"pnl"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// PortfolioSnapshot is a point-in-time rollup of an account's exposure,
// written after successful order batches and on a periodic schedule.
type PortfolioSnapshot struct {
	ID                 string                     `json:"id"`
	AccountID          string                     `json:"accountId"`
	TotalCapital       decimal.Decimal            `json:"totalCapital"`
	MarginUsed         decimal.Decimal            `json:"marginUsed"`
	UtilizationPercent decimal.Decimal            `json:"utilizationPercent"`
	NetExposure        map[string]decimal.Decimal `json:"netExposure"`
	Health             PortfolioHealth            `json:"health"`
	TakenAt            time.Time                  `json:"takenAt"`
}

// PortfolioHealth is the coarse rollup status of a portfolio snapshot.
type PortfolioHealth string

const (
	HealthHealthy  PortfolioHealth = "healthy"
	HealthWarning  PortfolioHealth = "warning"
	HealthCritical PortfolioHealth = "critical"
)

// JournalStatus is the trade-journal lifecycle state.
type JournalStatus string

const (
	JournalPlanned JournalStatus = "planned"
	JournalActive  JournalStatus = "active"
	JournalClosed  JournalStatus = "closed"
)

// CloseAnalysis is populated exactly when a TradeJournalEntry transitions to
// closed.
type CloseAnalysis struct {
	PnL          decimal.Decimal `json:"pnl"`
	TargetHit    bool            `json:"targetHit"`
	Regime       Regime          `json:"regime"`
	ClosedReason string          `json:"closedReason"`
}

// TradeJournalEntry records the narrative around a trade: what was planned,
// what was expected, and (once closed) how it went.
type TradeJournalEntry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	StrategyID     string          `json:"strategyId"`
	OrderID        string          `json:"orderId,omitempty"`
	Symbol         string          `json:"symbol"`
	Status         JournalStatus   `json:"status"`
	EntryReasoning string          `json:"entryReasoning"`
	Expectations   string          `json:"expectations"`
	EntryPrice     decimal.Decimal `json:"entryPrice,omitempty"`
	StopLoss       decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit     decimal.Decimal `json:"takeProfit,omitempty"`
	CloseAnalysis  *CloseAnalysis  `json:"closeAnalysis,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ActivatedAt    *time.Time      `json:"activatedAt,omitempty"`
	ClosedAt       *time.Time      `json:"closedAt,omitempty"`
}

// Activate moves a planned entry to active. It is an error to activate
// anything but a planned entry.
func (e *TradeJournalEntry) Activate(now time.Time) error {
	if e.Status != JournalPlanned {
		return errInvalidTransition(e.Status, JournalActive)
	}
	e.Status = JournalActive
	e.ActivatedAt = &now
	return nil
}

// Close moves an active entry to closed, attaching the close analysis. Per
// the lifecycle invariant, only an active entry may close: a planned entry
// must be activated first.
func (e *TradeJournalEntry) Close(now time.Time, analysis CloseAnalysis) error {
	if e.Status != JournalActive {
		return errInvalidTransition(e.Status, JournalClosed)
	}
	e.Status = JournalClosed
	e.ClosedAt = &now
	e.CloseAnalysis = &analysis
	return nil
}

func errInvalidTransition(from JournalStatus, to JournalStatus) error {
	return &InvalidTransitionError{From: from, To: to}
}

// InvalidTransitionError reports an attempted journal-lifecycle violation.
type InvalidTransitionError struct {
	From JournalStatus
	To   JournalStatus
}

func (e *InvalidTransitionError) Error() string {
	return "journal: cannot transition from " + string(e.From) + " to " + string(e.To)
}

// Regime is the coarse market-behavior classification produced by
// evaluation's regime classifier.
type Regime string

const (
	RegimeBullish  Regime = "bullish"
	RegimeBearish  Regime = "bearish"
	RegimeVolatile Regime = "volatile"
	RegimeNeutral  Regime = "neutral"
)

// LearningRecord is a decaying, confidence-weighted lesson extracted from
// closed trades.
type LearningRecord struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	Category        string          `json:"category"`
	Subcategory     string          `json:"subcategory"`
	Text            string          `json:"text"`
	SampleSize      int             `json:"sampleSize"`
	ConfidenceScore decimal.Decimal `json:"confidenceScore"`
	DecayWeight     decimal.Decimal `json:"decayWeight"`
	IsActive        bool            `json:"isActive"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// EffectiveConfidence is confidenceScore * decayWeight, the value that gates
// archival.
func (l LearningRecord) EffectiveConfidence() decimal.Decimal {
	return l.ConfidenceScore.Mul(l.DecayWeight)
}

// AiUsageLog records a single reasoning-provider invocation's cost.
type AiUsageLog struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"accountId"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"promptTokens"`
	CompletionTokens int             `json:"completionTokens"`
	EstimatedCost    decimal.Decimal `json:"estimatedCost"`
	Success          bool            `json:"success"`
	UserPrompt       string          `json:"userPrompt"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// MonitoringLogEntry records one tick of a Monitoring Manager loop.
type MonitoringLogEntry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	State       string    `json:"state"`
	TriggeredBy string    `json:"triggeredBy"`
	Outcome     string    `json:"outcome"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TradeEvaluation is the per-close scoring record produced by evaluation.
type TradeEvaluation struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	TradeID   string          `json:"tradeId"`
	PnL       decimal.Decimal `json:"pnl"`
	TargetHit bool            `json:"targetHit"`
	Regime    Regime          `json:"regime"`
	CreatedAt time.Time       `json:"createdAt"`
}
