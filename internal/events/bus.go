// Package events carries trigger fire events from the per-strategy
// supervisors to the account control loops. Bounded per-subscriber queues:
// publishing never blocks a supervisor tick, and an overflowing subscriber
// loses the frame rather than stalling the producer.
package events

import (
	"sync"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"go.uber.org/zap"
)

const defaultBuffer = 32

// Bus routes FireEvents by account id. One subscriber per account is the
// expected shape (the account's monitor loop), but nothing enforces it;
// every subscriber for an account receives every event.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID int
}

type subscription struct {
	id        int
	accountID string
	ch        chan types.FireEvent
}

// NewBus builds an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[string][]*subscription)}
}

// Subscribe registers interest in one account's fire events. The returned
// cancel function closes the channel and removes the subscription.
func (b *Bus) Subscribe(accountID string) (<-chan types.FireEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, accountID: accountID, ch: make(chan types.FireEvent, defaultBuffer)}
	b.subs[accountID] = append(b.subs[accountID], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[accountID]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[accountID] = append(list[:i], list[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.subs[accountID]) == 0 {
			delete(b.subs, accountID)
		}
	}
	return sub.ch, cancel
}

// Publish delivers event to every subscriber of accountID. A full
// subscriber queue drops the event; a trigger fire lost this way is
// recovered by the safety heartbeat, so dropping is safe and stalling is
// not.
func (b *Bus) Publish(accountID string, event types.FireEvent) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[accountID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("events: subscriber queue full, dropping fire event",
				zap.String("accountId", accountID), zap.String("kind", string(event.Kind)))
		}
	}
}
