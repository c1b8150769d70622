// Package triggers is the Trigger Supervisor: one hysteresis/cooldown
// state machine per (strategy, trigger), polling the Indicator Engine on a
// fixed internal tick independent of the operator's monitoring frequency.
package triggers

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pollInterval     = 10 * time.Second
	heartbeatWindow  = 30 * time.Minute
)

// IndicatorSource is the subset of the Indicator Engine the supervisor
// depends on, so tests can substitute a fixture snapshot.
type IndicatorSource interface {
	Get(symbol string) indicators.Snapshot
}

// Callback receives every fire event (genuine trigger fires or the safety
// heartbeat) for one strategy.
type Callback func(types.FireEvent)

// Supervisor runs the state machine for every trigger belonging to one
// strategy and emits FireEvents to a single callback.
type Supervisor struct {
	strategyID string
	source     IndicatorSource
	callback   Callback
	logger     *zap.Logger

	mu             sync.Mutex
	states         map[string]*types.TriggerState
	lastFiredAny   time.Time
}

// New builds a Supervisor for one strategy's trigger set. specs must all
// share the same StrategyID.
func New(logger *zap.Logger, source IndicatorSource, callback Callback, specs []types.TriggerSpec) *Supervisor {
	states := make(map[string]*types.TriggerState, len(specs))
	strategyID := ""
	now := time.Now()
	for _, spec := range specs {
		strategyID = spec.StrategyID
		states[spec.ID] = &types.TriggerState{Spec: spec, Phase: types.PhaseWatching}
	}
	return &Supervisor{
		strategyID:   strategyID,
		source:       source,
		callback:     callback,
		logger:       logger,
		states:       states,
		lastFiredAny: now,
	}
}

// Run polls every trigger at pollInterval and drives the safety heartbeat
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick evaluates every trigger once and fires a joint event if one or more
// crossed into Fire in this tick, then checks the
// independent safety heartbeat.
func (s *Supervisor) tick(now time.Time) {
	s.mu.Lock()
	var fired []types.TriggerFiring
	for _, state := range s.states {
		snap := s.source.Get(state.Spec.Symbol)
		value, ok := lookupIndicator(snap, state.Spec.Indicator, state.Spec.Period)
		if !ok {
			continue
		}
		if f := evaluate(state, value, now); f != nil {
			fired = append(fired, *f)
		}
	}
	if len(fired) > 0 {
		s.lastFiredAny = now
	}
	heartbeatDue := now.Sub(s.lastFiredAny) >= heartbeatWindow
	if heartbeatDue {
		s.lastFiredAny = now
	}
	s.mu.Unlock()

	if len(fired) > 0 {
		if s.logger != nil {
			s.logger.Info("trigger fired", zap.String("strategyId", s.strategyID), zap.Int("count", len(fired)))
		}
		s.callback(types.FireEvent{Kind: types.FireTrigger, StrategyID: s.strategyID, Fired: fired, At: now})
	}
	if heartbeatDue {
		if s.logger != nil {
			s.logger.Debug("trigger safety heartbeat", zap.String("strategyId", s.strategyID))
		}
		s.callback(types.FireEvent{Kind: types.FireHeartbeat, StrategyID: s.strategyID, At: now})
	}
}

// evaluate advances one trigger's state machine given the latest indicator
// value, returning the TriggerFiring if it fired this tick.
func evaluate(state *types.TriggerState, value decimal.Decimal, now time.Time) *types.TriggerFiring {
	spec := state.Spec
	crossed := crossesThreshold(spec, value)

	switch state.Phase {
	case types.PhaseWatching:
		if crossed {
			state.Phase = types.PhaseArmed
			state.LastCrossedAt = now
			return nil
		}
		if nearMiss(spec, value) {
			state.NearMissCount++
		}
		return nil

	case types.PhaseArmed:
		if !crossed {
			// Fell back out of the trigger zone before hysteresis was
			// satisfied; re-arm from Watching.
			state.Phase = types.PhaseWatching
			return nil
		}
		if heldPastHysteresis(spec, value) {
			state.Phase = types.PhaseCooldown
			state.LastFiredAt = now
			return &types.TriggerFiring{TriggerID: spec.ID, Value: value}
		}
		return nil

	case types.PhaseCooldown:
		if now.Sub(state.LastFiredAt) >= time.Duration(spec.CooldownMinutes)*time.Minute {
			state.Phase = types.PhaseWatching
		}
		return nil
	}
	return nil
}

// crossesThreshold reports whether value satisfies the trigger's comparison
// against its threshold.
func crossesThreshold(spec types.TriggerSpec, value decimal.Decimal) bool {
	switch spec.Op {
	case types.CompareLT:
		return value.LessThan(spec.Threshold)
	case types.CompareLTE:
		return value.LessThanOrEqual(spec.Threshold)
	case types.CompareGT:
		return value.GreaterThan(spec.Threshold)
	case types.CompareGTE:
		return value.GreaterThanOrEqual(spec.Threshold)
	default:
		return false
	}
}

// heldPastHysteresis reports whether value has moved at least Hysteresis
// units beyond the threshold in the triggering direction.
func heldPastHysteresis(spec types.TriggerSpec, value decimal.Decimal) bool {
	switch spec.Op {
	case types.CompareLT, types.CompareLTE:
		return value.LessThanOrEqual(spec.Threshold.Sub(spec.Hysteresis))
	case types.CompareGT, types.CompareGTE:
		return value.GreaterThanOrEqual(spec.Threshold.Add(spec.Hysteresis))
	default:
		return false
	}
}

// nearMiss reports whether value reached the near-miss band without
// crossing the threshold. For a greater-than trigger the band starts at
// nearMissFraction of the threshold; for a less-than trigger the fraction
// is applied inversely so the band sits the same relative distance above.
func nearMiss(spec types.TriggerSpec, value decimal.Decimal) bool {
	if spec.NearMissFraction.IsZero() {
		return false
	}
	switch spec.Op {
	case types.CompareLT, types.CompareLTE:
		bound := spec.Threshold.Div(spec.NearMissFraction)
		return value.LessThanOrEqual(bound) && value.GreaterThan(spec.Threshold)
	case types.CompareGT, types.CompareGTE:
		bound := spec.Threshold.Mul(spec.NearMissFraction)
		return value.GreaterThanOrEqual(bound) && value.LessThan(spec.Threshold)
	default:
		return false
	}
}

// States returns a snapshot of every trigger's current phase, for
// diagnostics and tests.
func (s *Supervisor) States() map[string]types.TriggerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.TriggerState, len(s.states))
	for id, st := range s.states {
		out[id] = *st
	}
	return out
}
