package types

import "github.com/shopspring/decimal"

// AdmissionResult is the Portfolio Manager's answer to canExecute: either
// allowed, or not with a human-readable reason.
type AdmissionResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ConflictKind enumerates the portfolio-level conflicts the status rollup
// detects across concurrent strategies.
type ConflictKind string

const (
	ConflictOpposingPositions ConflictKind = "opposing_positions"
	ConflictOverConcentration ConflictKind = "over_concentration"
	ConflictCorrelatedRisk    ConflictKind = "correlated_risk"
)

// ConflictSeverity is the coarse severity bucket a conflict rolls up to.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// Conflict is one detected cross-strategy portfolio conflict.
type Conflict struct {
	Kind        ConflictKind     `json:"kind"`
	Symbol      string           `json:"symbol,omitempty"`
	Severity    ConflictSeverity `json:"severity"`
	Description string           `json:"description"`
}

// StrategyAllocation is one strategy's slice of the status rollup.
type StrategyAllocation struct {
	StrategyID       string          `json:"strategyId"`
	AllocatedPercent decimal.Decimal `json:"allocatedPercent"`
	MarginUsed       decimal.Decimal `json:"marginUsed"`
	Headroom         decimal.Decimal `json:"headroom"`
}

// PortfolioStatus is the aggregate view getStatus returns: exposure,
// allocation headroom, and conflicts across every strategy on the account.
type PortfolioStatus struct {
	AccountID          string                         `json:"accountId"`
	TotalCapital       decimal.Decimal                `json:"totalCapital"`
	MarginUsed         decimal.Decimal                `json:"marginUsed"`
	UtilizationPercent decimal.Decimal                `json:"utilizationPercent"`
	NetExposure        map[string]decimal.Decimal     `json:"netExposure"`
	Allocations        []StrategyAllocation           `json:"allocations"`
	Conflicts          []Conflict                     `json:"conflicts"`
	Health             PortfolioHealth                `json:"health"`
}
