package triggers

import (
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type fixedSource struct {
	rsi float64
}

func (f *fixedSource) Get(symbol string) indicators.Snapshot {
	v := f.rsi
	return indicators.Snapshot{Symbol: symbol, RSI: &v, SMA: map[int]float64{}, EMA: map[int]float64{}}
}

func oversoldSpec() types.TriggerSpec {
	return types.TriggerSpec{
		ID: "t1", StrategyID: "s1", Symbol: "BTC",
		Kind: types.TriggerKindIndicator, Indicator: "rsi",
		Op: types.CompareLT, Threshold: decimal.NewFromInt(30),
		Hysteresis:       decimal.NewFromInt(2),
		CooldownMinutes:  15,
		NearMissFraction: decimal.NewFromFloat(0.8),
	}
}

func TestNearMissCountsWithoutFiring(t *testing.T) {
	src := &fixedSource{rsi: 34} // inside (30, 37.5]: near the oversold line, not across it
	sup := New(nil, src, func(types.FireEvent) { t.Fatal("near miss must not fire") }, []types.TriggerSpec{oversoldSpec()})

	sup.tick(time.Now())
	state := sup.States()["t1"]
	assert.Equal(t, types.PhaseWatching, state.Phase)
	assert.Equal(t, 1, state.NearMissCount)
}

func TestTriggerFullCycleWatchingToFireToCooldown(t *testing.T) {
	src := &fixedSource{rsi: 35}
	var events []types.FireEvent
	sup := New(nil, src, func(e types.FireEvent) { events = append(events, e) }, []types.TriggerSpec{oversoldSpec()})

	now := time.Now()
	sup.tick(now) // watching, no cross
	assert.Equal(t, types.PhaseWatching, sup.States()["t1"].Phase)

	src.rsi = 29 // crosses below 30 -> armed
	sup.tick(now.Add(10 * time.Second))
	assert.Equal(t, types.PhaseArmed, sup.States()["t1"].Phase)

	src.rsi = 27 // held past hysteresis (30-2=28) -> fire
	sup.tick(now.Add(20 * time.Second))
	assert.Equal(t, types.PhaseCooldown, sup.States()["t1"].Phase)
	assert.Len(t, events, 1)
	assert.Equal(t, types.FireTrigger, events[0].Kind)
	assert.Len(t, events[0].Fired, 1)

	src.rsi = 10 // still in cooldown, must not re-fire
	sup.tick(now.Add(30 * time.Second))
	assert.Len(t, events, 1)

	// cooldown elapses
	sup.tick(now.Add(20 * time.Minute))
	assert.Equal(t, types.PhaseWatching, sup.States()["t1"].Phase)
}

func TestTriggerArmedFallsBackToWatchingIfCrossBackBeforeHysteresis(t *testing.T) {
	src := &fixedSource{rsi: 29}
	sup := New(nil, src, func(types.FireEvent) {}, []types.TriggerSpec{oversoldSpec()})

	now := time.Now()
	sup.tick(now)
	assert.Equal(t, types.PhaseArmed, sup.States()["t1"].Phase)

	src.rsi = 35 // crosses back above threshold before hysteresis held
	sup.tick(now.Add(10 * time.Second))
	assert.Equal(t, types.PhaseWatching, sup.States()["t1"].Phase)
}

func TestSafetyHeartbeatFiresAfterThirtyMinutesOfSilence(t *testing.T) {
	src := &fixedSource{rsi: 50} // never crosses
	var events []types.FireEvent
	sup := New(nil, src, func(e types.FireEvent) { events = append(events, e) }, []types.TriggerSpec{oversoldSpec()})

	now := time.Now()
	sup.lastFiredAny = now.Add(-31 * time.Minute)
	sup.tick(now)

	assert.Len(t, events, 1)
	assert.Equal(t, types.FireHeartbeat, events[0].Kind)
}

func TestMultipleTriggersFireTogetherInSameTick(t *testing.T) {
	src := &fixedSource{rsi: 29}
	specs := []types.TriggerSpec{oversoldSpec()}
	second := oversoldSpec()
	second.ID = "t2"
	specs = append(specs, second)

	var events []types.FireEvent
	sup := New(nil, src, func(e types.FireEvent) { events = append(events, e) }, specs)

	now := time.Now()
	sup.tick(now) // both arm
	src.rsi = 27
	sup.tick(now.Add(10 * time.Second)) // both fire in the same tick

	assert.Len(t, events, 1, "both triggers should be reported in one joint event")
	assert.Len(t, events[0].Fired, 2)
}
