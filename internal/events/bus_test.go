package events

import (
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesOnlyMatchingAccount(t *testing.T) {
	bus := NewBus(zap.NewNop())
	chA, cancelA := bus.Subscribe("acct-a")
	defer cancelA()
	chB, cancelB := bus.Subscribe("acct-b")
	defer cancelB()

	bus.Publish("acct-a", types.FireEvent{Kind: types.FireTrigger, StrategyID: "s1", At: time.Now()})

	select {
	case ev := <-chA:
		assert.Equal(t, "s1", ev.StrategyID)
	case <-time.After(time.Second):
		t.Fatal("acct-a subscriber never received the event")
	}
	select {
	case <-chB:
		t.Fatal("acct-b received an event published for acct-a")
	default:
	}
}

func TestPublishDropsOnFullQueue(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch, cancel := bus.Subscribe("acct-a")
	defer cancel()

	for i := 0; i < defaultBuffer+10; i++ {
		bus.Publish("acct-a", types.FireEvent{Kind: types.FireHeartbeat, At: time.Now()})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultBuffer, received, "overflow events are dropped, not queued unbounded")
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch, cancel := bus.Subscribe("acct-a")
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish("acct-a", types.FireEvent{Kind: types.FireTrigger, At: time.Now()})
}
