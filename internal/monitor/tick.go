package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/evaluation"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// systemPrompt is the standing instruction every tick sends. The response
// contract mirrors the router's parse schema exactly.
const systemPrompt = `You are an autonomous perpetuals trading agent. ` +
	`Analyze the provided market context and account state, then respond with a single JSON object: ` +
	`{"interpretation": string, "actions": [{"kind": "buy"|"sell"|"hold"|"close", "symbol": string, ` +
	`"side": "long"|"short", "size": number, "leverage": 1-10, "reasoning": string, ` +
	`"expectedEntry": number?, "stopLoss": number?, "takeProfit": number?}], ` +
	`"riskManagement": string, "expectedOutcome": string}. ` +
	`Never exceed the leverage or position limits stated in the context.`

// tick runs one full control-loop iteration. Every failure path still
// writes a monitoring log row; a tick never kills the loop.
func (m *Manager) tick(ctx context.Context, accountID string, event types.FireEvent, triggeredBy string) {
	if m.metrics != nil {
		m.metrics.MonitorTicks.WithLabelValues(string(event.Kind)).Inc()
	}
	outcome := m.runTick(ctx, accountID, event)
	entry := types.MonitoringLogEntry{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		State:       "completed",
		TriggeredBy: triggeredBy,
		Outcome:     outcome,
		CreatedAt:   time.Now(),
	}
	if ctx.Err() != nil {
		entry.State = "cancelled"
	} else if strings.HasPrefix(outcome, "error:") {
		entry.State = "failed"
	}
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.RecordMonitoringLog(logCtx, entry); err != nil {
		m.logger.Error("monitor: log write failed", zap.String("accountId", accountID), zap.Error(err))
	}
}

func (m *Manager) runTick(ctx context.Context, accountID string, event types.FireEvent) string {
	account, err := m.repo.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Sprintf("error: load account: %v", err)
	}
	if !account.Active() {
		return "skipped: account not active"
	}

	state, err := m.venue.UserState(ctx, account.MainWalletAddress)
	if err != nil {
		return fmt.Sprintf("error: user state: %v", err)
	}
	rawOrders, err := m.venue.OpenOrders(ctx, account.MainWalletAddress)
	if err != nil {
		return fmt.Sprintf("error: open orders: %v", err)
	}
	classified := classifyOpenOrders(rawOrders, state.Positions)

	strategies, err := m.repo.ListStrategiesByAccount(ctx, accountID)
	if err != nil {
		return fmt.Sprintf("error: load strategies: %v", err)
	}
	strategy, ok := pickStrategy(strategies, event.StrategyID)
	if !ok {
		return "skipped: no active strategy"
	}

	contextBlob, symbols := m.buildContext(account, strategy, state, classified, event)

	result, err := m.reasoner.Invoke(ctx, router.Request{
		AccountID:   accountID,
		Prompt:      systemPrompt,
		ContextBlob: contextBlob,
	})
	if err != nil {
		return fmt.Sprintf("error: reasoning: %v", err)
	}
	if len(result.Actions) == 0 {
		return "completed: no actions proposed"
	}

	if account.AgentMode != types.AgentModeActive {
		return fmt.Sprintf("plan recorded (passive): %d actions on %s", len(result.Actions), strings.Join(symbols, ","))
	}

	outcomes, err := m.executor.ExecuteBatch(ctx, accountID, strategy.ID, result.Actions)
	if err != nil {
		return fmt.Sprintf("error: execution: %v", err)
	}
	okCount, skipCount, failCount := 0, 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case types.ActionOK:
			okCount++
		case types.ActionSkipped:
			skipCount++
		default:
			failCount++
		}
	}
	return fmt.Sprintf("executed: %d ok, %d skipped, %d failed", okCount, skipCount, failCount)
}

// pickStrategy resolves the strategy a tick acts for: the firing trigger's
// strategy when the event names one, otherwise the first active strategy.
func pickStrategy(strategies []types.Strategy, strategyID string) (types.Strategy, bool) {
	if strategyID != "" {
		for _, s := range strategies {
			if s.ID == strategyID && s.IsActive {
				return s, true
			}
		}
	}
	for _, s := range strategies {
		if s.IsActive {
			return s, true
		}
	}
	return types.Strategy{}, false
}

// tickContext is the JSON shape handed to the reasoning provider.
type tickContext struct {
	Account struct {
		ID        string `json:"id"`
		AgentMode string `json:"agentMode"`
	} `json:"account"`
	Strategy struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Kind         string `json:"kind"`
		MaxPositions int    `json:"maxPositions"`
		MaxLeverage  string `json:"maxLeverage"`
	} `json:"strategy"`
	AccountValue string           `json:"accountValue"`
	MarginUsed   string           `json:"marginUsed"`
	Positions    []map[string]any `json:"positions"`
	OpenOrders   []ClassifiedOrder `json:"openOrders"`
	Indicators   []map[string]any `json:"indicators"`
	Trigger      *triggerContext  `json:"trigger,omitempty"`
}

type triggerContext struct {
	Kind  string            `json:"kind"`
	Fired []map[string]string `json:"fired,omitempty"`
}

// buildContext assembles the indicator/regime/position summary for the
// symbols this strategy watches, returning the marshaled blob and the
// symbol list.
func (m *Manager) buildContext(account types.Account, strategy types.Strategy, state venue.UserState, orders []ClassifiedOrder, event types.FireEvent) (string, []string) {
	symbols := strategySymbols(strategy)

	tc := tickContext{}
	tc.Account.ID = account.ID
	tc.Account.AgentMode = string(account.AgentMode)
	tc.Strategy.ID = strategy.ID
	tc.Strategy.Name = strategy.Name
	tc.Strategy.Kind = string(strategy.Kind)
	tc.Strategy.MaxPositions = strategy.MaxPositions
	tc.Strategy.MaxLeverage = strategy.MaxLeverage.String()
	tc.AccountValue = state.AccountValue.String()
	tc.MarginUsed = state.TotalMarginUsed.String()
	for _, p := range state.Positions {
		regime := evaluation.ClassifyRegime(m.indicators.Closes(p.Symbol))
		tc.Positions = append(tc.Positions, map[string]any{
			"symbol":        p.Symbol,
			"size":          p.Size.String(),
			"entryPrice":    p.EntryPx.String(),
			"leverage":      p.Leverage.String(),
			"unrealizedPnl": p.UnrealizedPnL.String(),
			"regime":        string(regime),
		})
	}
	tc.OpenOrders = orders

	for _, symbol := range symbols {
		snap := m.indicators.Get(symbol)
		summary := map[string]any{"symbol": symbol}
		if snap.RSI != nil {
			summary["rsi14"] = *snap.RSI
		}
		if v, ok := snap.SMA[20]; ok {
			summary["sma20"] = v
		}
		if v, ok := snap.SMA[50]; ok {
			summary["sma50"] = v
		}
		if snap.MACD != nil {
			summary["macd"] = *snap.MACD
		}
		if snap.ATR != nil {
			summary["atr14"] = *snap.ATR
		}
		if snap.BollingerUpper != nil {
			summary["bollingerUpper"] = *snap.BollingerUpper
			summary["bollingerLower"] = *snap.BollingerLower
		}
		tc.Indicators = append(tc.Indicators, summary)
	}

	if event.Kind == types.FireTrigger {
		trig := &triggerContext{Kind: string(event.Kind)}
		for _, f := range event.Fired {
			trig.Fired = append(trig.Fired, map[string]string{"triggerId": f.TriggerID, "value": f.Value.String()})
		}
		tc.Trigger = trig
	}

	blob, err := json.Marshal(tc)
	if err != nil {
		m.logger.Error("monitor: context marshal failed", zap.Error(err))
		return "{}", symbols
	}
	return string(blob), symbols
}
