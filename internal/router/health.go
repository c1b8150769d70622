package router

import (
	"sync"
	"time"
)

// healthTracker keeps one Provider's rolling health: a provider is
// unhealthy after three consecutive failures and recovers on its next
// success.
type healthTracker struct {
	mu    sync.Mutex
	state Health
}

func newHealthTracker() *healthTracker {
	return &healthTracker{state: Health{IsHealthy: true}}
}

const unhealthyThreshold = 3

func (h *healthTracker) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.IsHealthy = true
	h.state.LastSuccessAt = time.Now()
	h.state.ConsecutiveErr = 0
	h.state.Latency = latency
	h.state.LastError = ""
}

func (h *healthTracker) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.ConsecutiveErr++
	h.state.LastError = err.Error()
	if h.state.ConsecutiveErr >= unhealthyThreshold {
		h.state.IsHealthy = false
	}
}

func (h *healthTracker) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
