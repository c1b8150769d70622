// Package portfolio is the Portfolio Manager: the admission gate every
// executor action passes through, plus the cross-strategy status/conflict
// rollup.
package portfolio

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository is the subset of storage the manager needs: strategy lookups
// and open-position counts/listings, kept index-based: exposure is
// reconstructed by id lookup, never by object traversal.
type Repository interface {
	GetStrategy(ctx context.Context, id string) (types.Strategy, error)
	ListStrategiesByAccount(ctx context.Context, accountID string) ([]types.Strategy, error)
	ListPositionsByStrategy(ctx context.Context, strategyID string) ([]types.Position, error)
	ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error)
}

var (
	utilizationWarningPct = decimal.NewFromInt(70)
	utilizationCriticalPct = decimal.NewFromInt(85)
	concentrationMediumPct = decimal.NewFromInt(40)
	concentrationHighPct   = decimal.NewFromInt(60)
	hedgedMediumPct        = decimal.NewFromInt(50)
	hedgedHighPct          = decimal.NewFromInt(80)
)

// Manager implements canExecute admission and the getStatus rollup.
type Manager struct {
	repo   Repository
	logger *zap.Logger

	mu                sync.Mutex
	dailyLossLimitAbs map[string]decimal.Decimal // strategyId -> absolute limit, cached from the last GetStatus call
}

// New builds a Manager over repo.
func New(logger *zap.Logger, repo Repository) *Manager {
	return &Manager{repo: repo, logger: logger, dailyLossLimitAbs: make(map[string]decimal.Decimal)}
}

// CanExecute is the admission predicate every executor action must pass. Per the
// Open Question this spec resolves literally: the absolute currentDailyLoss
// check is authoritative here; totalCapital-derived limits are only
// recomputed inside GetStatus, not on every admission call.
func (m *Manager) CanExecute(ctx context.Context, accountID, strategyID, symbol string, side types.PositionSide, size decimal.Decimal, leverage decimal.Decimal) (types.AdmissionResult, error) {
	strategy, err := m.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return types.AdmissionResult{}, fmt.Errorf("canExecute: load strategy: %w", err)
	}

	if !strategy.IsActive {
		return types.AdmissionResult{Allowed: false, Reason: "strategy is not active"}, nil
	}
	if leverage.GreaterThan(strategy.MaxLeverage) {
		return types.AdmissionResult{Allowed: false, Reason: fmt.Sprintf("leverage %s exceeds strategy max %s", leverage, strategy.MaxLeverage)}, nil
	}

	positions, err := m.repo.ListPositionsByStrategy(ctx, strategyID)
	if err != nil {
		return types.AdmissionResult{}, fmt.Errorf("canExecute: list positions: %w", err)
	}
	if len(positions) >= strategy.MaxPositions {
		return types.AdmissionResult{Allowed: false, Reason: fmt.Sprintf("Max positions (%d) reached", strategy.MaxPositions)}, nil
	}

	m.mu.Lock()
	limit, hasCachedLimit := m.dailyLossLimitAbs[strategyID]
	m.mu.Unlock()
	if hasCachedLimit && strategy.CurrentDailyLoss.GreaterThanOrEqual(limit) {
		return types.AdmissionResult{Allowed: false, Reason: "daily loss limit reached"}, nil
	}

	return types.AdmissionResult{Allowed: true}, nil
}

// GetStatus computes the full cross-strategy rollup for an account given its
// current total capital (sourced from the venue's user-state query), and
// refreshes each active strategy's cached absolute daily-loss limit for the
// next CanExecute call.
func (m *Manager) GetStatus(ctx context.Context, accountID string, totalCapital decimal.Decimal) (types.PortfolioStatus, error) {
	strategies, err := m.repo.ListStrategiesByAccount(ctx, accountID)
	if err != nil {
		return types.PortfolioStatus{}, fmt.Errorf("getStatus: list strategies: %w", err)
	}
	positions, err := m.repo.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return types.PortfolioStatus{}, fmt.Errorf("getStatus: list positions: %w", err)
	}

	status := types.PortfolioStatus{
		AccountID:    accountID,
		TotalCapital: totalCapital,
		NetExposure:  map[string]decimal.Decimal{},
	}

	marginUsed := decimal.Zero
	for _, p := range positions {
		marginUsed = marginUsed.Add(p.Size.Mul(p.EntryPrice).Div(p.Leverage))
		exposure := p.Size.Mul(p.EntryPrice)
		if p.Side == types.PositionSideShort {
			exposure = exposure.Neg()
		}
		status.NetExposure[p.Symbol] = status.NetExposure[p.Symbol].Add(exposure)
	}
	status.MarginUsed = marginUsed
	if totalCapital.IsPositive() {
		status.UtilizationPercent = marginUsed.Div(totalCapital).Mul(decimal.NewFromInt(100))
	}

	positionsByStrategy := map[string][]types.Position{}
	for _, p := range positions {
		positionsByStrategy[p.StrategyID] = append(positionsByStrategy[p.StrategyID], p)
	}

	m.mu.Lock()
	for _, s := range strategies {
		strategyCapital := totalCapital.Mul(s.AllocatedPercent).Div(decimal.NewFromInt(100))
		m.dailyLossLimitAbs[s.ID] = strategyCapital.Mul(s.DailyLossLimitPct).Div(decimal.NewFromInt(100))

		strategyMargin := decimal.Zero
		for _, p := range positionsByStrategy[s.ID] {
			strategyMargin = strategyMargin.Add(p.Size.Mul(p.EntryPrice).Div(p.Leverage))
		}
		status.Allocations = append(status.Allocations, types.StrategyAllocation{
			StrategyID:       s.ID,
			AllocatedPercent: s.AllocatedPercent,
			MarginUsed:       strategyMargin,
			Headroom:         strategyCapital.Sub(strategyMargin),
		})
	}
	limits := make(map[string]decimal.Decimal, len(m.dailyLossLimitAbs))
	for k, v := range m.dailyLossLimitAbs {
		limits[k] = v
	}
	m.mu.Unlock()

	status.Conflicts = detectConflicts(strategies, positionsByStrategy, len(positions), limits)
	status.Health = rollupHealth(status.UtilizationPercent, status.Conflicts)
	return status, nil
}

func rollupHealth(utilization decimal.Decimal, conflicts []types.Conflict) types.PortfolioHealth {
	for _, c := range conflicts {
		if c.Severity == types.SeverityCritical {
			return types.HealthCritical
		}
	}
	if utilization.GreaterThanOrEqual(utilizationCriticalPct) {
		return types.HealthCritical
	}
	for _, c := range conflicts {
		if c.Severity == types.SeverityHigh {
			return types.HealthWarning
		}
	}
	if utilization.GreaterThanOrEqual(utilizationWarningPct) {
		return types.HealthWarning
	}
	return types.HealthHealthy
}
