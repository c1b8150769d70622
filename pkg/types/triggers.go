package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CompareOp is the comparison operator a TriggerSpec evaluates the current
// indicator value against its threshold with.
type CompareOp string

const (
	CompareLT CompareOp = "lt"
	CompareGT CompareOp = "gt"
	CompareLTE CompareOp = "lte"
	CompareGTE CompareOp = "gte"
)

// TriggerKind labels a trigger as single-indicator or composite. The
// supervisor evaluates every trigger, composite included, against its one
// named Indicator.
type TriggerKind string

const (
	TriggerKindIndicator TriggerKind = "indicator"
	TriggerKindComposite TriggerKind = "composite"
)

// TriggerSpec is the static configuration of one trigger: what indicator to
// watch, the threshold and hysteresis band, and the cooldown after firing.
type TriggerSpec struct {
	ID               string          `json:"id"`
	StrategyID       string          `json:"strategyId"`
	Symbol           string          `json:"symbol"`
	Kind             TriggerKind     `json:"kind"`
	Indicator        string          `json:"indicator"`
	Period           int             `json:"period"`
	Op               CompareOp       `json:"op"`
	Threshold        decimal.Decimal `json:"threshold"`
	Hysteresis       decimal.Decimal `json:"hysteresis"`
	CooldownMinutes  int             `json:"cooldownMinutes"`
	NearMissFraction decimal.Decimal `json:"nearMissFraction"`
	Description      string          `json:"description"`
}

// TriggerPhase is the hysteresis/cooldown state machine's current state.
type TriggerPhase string

const (
	PhaseWatching TriggerPhase = "watching"
	PhaseArmed    TriggerPhase = "armed"
	PhaseCooldown TriggerPhase = "cooldown"
)

// TriggerState is the mutable per-(strategy,trigger) state machine instance.
type TriggerState struct {
	Spec          TriggerSpec
	Phase         TriggerPhase
	LastCrossedAt time.Time
	LastFiredAt   time.Time
	NearMissCount int
}

// FireKind distinguishes a genuine threshold fire from the safety heartbeat.
type FireKind string

const (
	FireTrigger   FireKind = "trigger"
	FireHeartbeat FireKind = "heartbeat"
)

// FireEvent is what a Trigger Supervisor hands its callback: one or more
// triggers that fired together in the same tick, or a
// heartbeat with no trigger attached.
type FireEvent struct {
	Kind       FireKind         `json:"kind"`
	StrategyID string           `json:"strategyId"`
	Fired      []TriggerFiring  `json:"fired,omitempty"`
	At         time.Time        `json:"at"`
}

// TriggerFiring is one trigger's value at the moment it fired.
type TriggerFiring struct {
	TriggerID string          `json:"triggerId"`
	Value     decimal.Decimal `json:"value"`
}
