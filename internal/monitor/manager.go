// Package monitor is the Monitoring Manager: one supervised control
// loop per active account, woken by trigger fires routed over the event bus
// or by the account's own monitoring-frequency timer, never by busy
// polling.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/events"
	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/atlas-desktop/perp-orchestrator/internal/metrics"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/triggers"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// VenueReader is the read-only venue surface a tick consults.
type VenueReader interface {
	UserState(ctx context.Context, address string) (venue.UserState, error)
	OpenOrders(ctx context.Context, address string) ([]venue.RawOrder, error)
}

// Reasoner is the router's invocation surface.
type Reasoner interface {
	Invoke(ctx context.Context, req router.Request) (*types.ReasoningResult, error)
}

// BatchExecutor forwards an action list into the trade executor.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, accountID, strategyID string, actions []types.Action) ([]types.ActionOutcome, error)
}

// Repository is the persistence the manager reads and logs through.
type Repository interface {
	GetAccount(ctx context.Context, id string) (types.Account, error)
	ListActiveApprovedAccounts(ctx context.Context) ([]types.Account, error)
	ListStrategiesByAccount(ctx context.Context, accountID string) ([]types.Strategy, error)
	ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error)
	RecordMonitoringLog(ctx context.Context, l types.MonitoringLogEntry) error
	LastMonitoringLog(ctx context.Context, accountID string) (types.MonitoringLogEntry, error)
}

// IndicatorSource is the Indicator Engine surface the manager summarizes.
type IndicatorSource interface {
	Get(symbol string) indicators.Snapshot
	Closes(symbol string) []float64
}

// handle packages one account's running loop: its cancellation, its trigger
// supervisors, and its event subscription.
type handle struct {
	accountID   string
	intervalMin int
	cancel      context.CancelFunc
	done        chan struct{}
}

// Manager owns the per-account handle map. It is a value with explicit
// dependencies, not a singleton; tests substitute fakes for every seam.
type Manager struct {
	logger     *zap.Logger
	venue      VenueReader
	reasoner   Reasoner
	executor   BatchExecutor
	repo       Repository
	indicators IndicatorSource
	bus        *events.Bus

	metrics *metrics.Metrics

	mu      sync.Mutex
	handles map[string]*handle
	baseCtx context.Context
}

// WithMetrics attaches the Prometheus surface. Call before Start.
func (m *Manager) WithMetrics(mx *metrics.Metrics) *Manager {
	m.metrics = mx
	return m
}

// New builds a Manager. baseCtx bounds every loop the manager starts; it is
// normally the process context.
func New(baseCtx context.Context, logger *zap.Logger, v VenueReader, reasoner Reasoner, executor BatchExecutor, repo Repository, ind IndicatorSource, bus *events.Bus) *Manager {
	return &Manager{
		logger:     logger,
		venue:      v,
		reasoner:   reasoner,
		executor:   executor,
		repo:       repo,
		indicators: ind,
		bus:        bus,
		handles:    make(map[string]*handle),
		baseCtx:    baseCtx,
	}
}

// Start launches an account's control loop. intervalMinutes = 0 means the
// loop stays suspended (nothing is started). Starting an already-running
// account restarts it.
func (m *Manager) Start(accountID string, intervalMinutes int, runImmediately bool) error {
	m.Stop(accountID)
	if intervalMinutes <= 0 {
		m.logger.Info("monitor: frequency 0, loop suspended", zap.String("accountId", accountID))
		return nil
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	h := &handle{accountID: accountID, intervalMin: intervalMinutes, cancel: cancel, done: make(chan struct{})}

	strategies, err := m.repo.ListStrategiesByAccount(ctx, accountID)
	if err != nil {
		cancel()
		return fmt.Errorf("monitor start %s: %w", accountID, err)
	}

	// One supervisor per active strategy; every fire lands on the bus under
	// this account.
	for _, strategy := range strategies {
		if !strategy.IsActive {
			continue
		}
		specs := deriveTriggers(strategy)
		if len(specs) == 0 {
			continue
		}
		strategyID := strategy.ID
		supervisor := triggers.New(m.logger, m.indicators, func(ev types.FireEvent) {
			if m.metrics != nil {
				if ev.Kind == types.FireTrigger {
					m.metrics.TriggerFires.WithLabelValues(strategyID).Inc()
				} else {
					m.metrics.Heartbeats.Inc()
				}
			}
			m.bus.Publish(accountID, ev)
		}, specs)
		go supervisor.Run(ctx)
	}

	eventCh, cancelSub := m.bus.Subscribe(accountID)

	m.mu.Lock()
	m.handles[accountID] = h
	m.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancelSub()
		m.loop(ctx, accountID, intervalMinutes, runImmediately, eventCh)
	}()

	m.logger.Info("monitor: loop started",
		zap.String("accountId", accountID), zap.Int("intervalMinutes", intervalMinutes), zap.Bool("runImmediately", runImmediately))
	return nil
}

// Stop cancels an account's loop. The in-flight tick observes cancellation
// at its next suspension point; Stop waits for the loop goroutine to
// return so effects are fully applied before it does.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	h, ok := m.handles[accountID]
	if ok {
		delete(m.handles, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	m.logger.Info("monitor: loop stopped", zap.String("accountId", accountID))
}

// Restart stops and starts an account's loop with a new interval.
func (m *Manager) Restart(accountID string, intervalMinutes int) error {
	return m.Start(accountID, intervalMinutes, false)
}

// Running reports whether an account currently has a live loop.
func (m *Manager) Running(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[accountID]
	return ok
}

// RestoreAll starts a loop for every active approved account with a nonzero
// monitoring frequency. Whether to tick immediately is decided from the
// last monitoring log entry: a loop that has been down longer than its
// interval runs now instead of waiting out a full fresh interval.
func (m *Manager) RestoreAll(ctx context.Context) error {
	accounts, err := m.repo.ListActiveApprovedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("monitor restore: %w", err)
	}
	for _, account := range accounts {
		if account.MonitoringFrequencyMin <= 0 {
			continue
		}
		runNow := true
		if last, err := m.repo.LastMonitoringLog(ctx, account.ID); err == nil {
			elapsed := time.Since(last.CreatedAt)
			runNow = elapsed >= time.Duration(account.MonitoringFrequencyMin)*time.Minute
		}
		if err := m.Start(account.ID, account.MonitoringFrequencyMin, runNow); err != nil {
			m.logger.Error("monitor: restore failed", zap.String("accountId", account.ID), zap.Error(err))
		}
	}
	return nil
}

// StopAll stops every running loop, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// loop is one account's control loop: it ticks on bus events (trigger fires
// and supervisor heartbeats) and on its own monitoring-frequency timer as a
// floor.
func (m *Manager) loop(ctx context.Context, accountID string, intervalMinutes int, runImmediately bool, eventCh <-chan types.FireEvent) {
	interval := time.Duration(intervalMinutes) * time.Minute
	timer := time.NewTimer(interval)
	defer timer.Stop()

	if runImmediately {
		m.tick(ctx, accountID, types.FireEvent{Kind: types.FireHeartbeat, At: time.Now()}, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			triggeredBy := "heartbeat"
			if ev.Kind == types.FireTrigger {
				triggeredBy = fmt.Sprintf("trigger:%d", len(ev.Fired))
			}
			m.tick(ctx, accountID, ev, triggeredBy)
			resetTimer(timer, interval)
		case <-timer.C:
			m.tick(ctx, accountID, types.FireEvent{Kind: types.FireHeartbeat, At: time.Now()}, "interval")
			timer.Reset(interval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// TotalCapital reports an account's current account value from the venue,
// in the shape of the journal and portfolio CapitalSource interfaces.
func (m *Manager) TotalCapital(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := m.repo.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	state, err := m.venue.UserState(ctx, account.MainWalletAddress)
	if err != nil {
		return decimal.Zero, err
	}
	return state.AccountValue, nil
}
