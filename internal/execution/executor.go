// Package execution is the Trade Executor: it turns a reasoning
// provider's action list into venue orders, one account at a time. Batches
// for the same account are serialized behind a per-account lock; every
// action gets exactly one outcome slot in the result vector, and nothing
// escapes the batch boundary as a panic or a thrown error.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/metrics"
	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// closeSlippageBound is how far past the entry price a close order's IOC
// limit is placed so it crosses the book and fills like a market order
// while still carrying a price bound.
var closeSlippageBound = decimal.NewFromFloat(0.05)

// Venue is the subset of the venue client the executor drives. Narrowed to
// an interface so batch tests run against a scripted venue.
type Venue interface {
	Markets(ctx context.Context) ([]venue.Market, error)
	PlaceOrder(ctx context.Context, signer *secrets.Signer, market venue.Market, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error)
	UpdateLeverage(ctx context.Context, signer *secrets.Signer, req venue.UpdateLeverageRequest) error
}

// Admitter is the Portfolio Manager's admission predicate.
type Admitter interface {
	CanExecute(ctx context.Context, accountID, strategyID, symbol string, side types.PositionSide, size decimal.Decimal, leverage decimal.Decimal) (types.AdmissionResult, error)
}

// Sizer supplies a position-size hint when an action arrives without an
// explicit size. It never overrides a size the reasoning provider chose.
type Sizer interface {
	SuggestSize(ctx context.Context, accountID, strategyID, symbol string, leverage decimal.Decimal) (decimal.Decimal, error)
}

// SignerSource resolves an account's signing capability from the Secret
// Store. The executor holds the handle only for the duration of one batch.
type SignerSource interface {
	Get(ctx context.Context, accountID string) (*secrets.Handle, error)
}

// Repository is the persistence the executor writes through: order rows,
// the position projection, trades, and journal entries.
type Repository interface {
	PutOrder(ctx context.Context, o types.Order) error
	PutTrade(ctx context.Context, t types.Trade) error
	PutPosition(ctx context.Context, p types.Position) error
	GetPosition(ctx context.Context, strategyID, symbol string) (types.Position, error)
	DeletePosition(ctx context.Context, strategyID, symbol string) error
	CreateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error
	UpdateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error
	ListJournalEntriesByAccount(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error)
}

// SnapshotQueue receives an account id after every non-empty successful
// batch so the snapshot store can write a portfolio snapshot.
type SnapshotQueue interface {
	Enqueue(accountID string)
}

// CloseListener is notified when a position fully closes, feeding the
// evaluation pipeline.
type CloseListener interface {
	OnTradeClose(ctx context.Context, trade types.Trade, journal *types.TradeJournalEntry)
}

// Executor drives the per-account execution path.
type Executor struct {
	logger    *zap.Logger
	venue     Venue
	admitter  Admitter
	sizer     Sizer
	signers   SignerSource
	repo      Repository
	snapshots SnapshotQueue
	onClose   CloseListener

	metrics *metrics.Metrics

	locks accountLocks

	marketsMu sync.Mutex
	markets   map[string]venue.Market
}

// WithMetrics attaches the Prometheus surface.
func (e *Executor) WithMetrics(mx *metrics.Metrics) *Executor {
	e.metrics = mx
	return e
}

// New builds an Executor. sizer, snapshots, and onClose may be nil; the
// corresponding steps are skipped.
func New(logger *zap.Logger, v Venue, admitter Admitter, sizer Sizer, signers SignerSource, repo Repository, snapshots SnapshotQueue, onClose CloseListener) *Executor {
	return &Executor{
		logger:    logger,
		venue:     v,
		admitter:  admitter,
		sizer:     sizer,
		signers:   signers,
		repo:      repo,
		snapshots: snapshots,
		onClose:   onClose,
	}
}

// ExecuteBatch runs one strategy's action list against the venue. At most
// one batch per account runs at a time. The returned vector has one entry
// per action in input order; the error return is reserved for batch-level
// failures (no credentials, no market data) where no action was attempted.
func (e *Executor) ExecuteBatch(ctx context.Context, accountID, strategyID string, actions []types.Action) ([]types.ActionOutcome, error) {
	unlock := e.locks.acquire(accountID)
	defer unlock()

	if len(actions) == 0 {
		return nil, nil
	}

	markets, err := e.loadMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	handle, err := e.signers.Get(ctx, accountID)
	if err != nil {
		return nil, types.NewKindError(types.ErrNeedsCredentials, fmt.Errorf("account %s: %w", accountID, err))
	}
	defer handle.Close()
	signer, err := handle.Signer()
	if err != nil {
		return nil, types.NewKindError(types.ErrNeedsCredentials, fmt.Errorf("account %s: %w", accountID, err))
	}

	outcomes := make([]types.ActionOutcome, 0, len(actions))
	var batchErr error
	succeeded := false

	for _, action := range actions {
		outcome := e.executeOne(ctx, accountID, strategyID, signer, markets, action)
		if e.metrics != nil {
			e.metrics.BatchActions.WithLabelValues(string(outcome.Status)).Inc()
		}
		if outcome.Status == types.ActionOK {
			succeeded = true
		} else if outcome.Reason != "" {
			batchErr = multierr.Append(batchErr, fmt.Errorf("%s %s: %s", action.Kind, action.Symbol, outcome.Reason))
		}
		outcomes = append(outcomes, outcome)
	}

	if batchErr != nil {
		e.logger.Warn("execution: batch completed with partial failures",
			zap.String("accountId", accountID), zap.String("strategyId", strategyID), zap.Error(batchErr))
	}
	if succeeded && e.snapshots != nil {
		e.snapshots.Enqueue(accountID)
	}
	return outcomes, nil
}

func (e *Executor) loadMarkets(ctx context.Context) (map[string]venue.Market, error) {
	list, err := e.venue.Markets(ctx)
	if err != nil {
		e.marketsMu.Lock()
		cached := e.markets
		e.marketsMu.Unlock()
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	bySymbol := make(map[string]venue.Market, len(list))
	for _, m := range list {
		bySymbol[m.Symbol] = m
	}
	e.marketsMu.Lock()
	e.markets = bySymbol
	e.marketsMu.Unlock()
	return bySymbol, nil
}

// executeOne maps one action to venue orders and persistence writes. It
// never returns an error: every failure mode collapses into the outcome.
func (e *Executor) executeOne(ctx context.Context, accountID, strategyID string, signer *secrets.Signer, markets map[string]venue.Market, action types.Action) (outcome types.ActionOutcome) {
	outcome = types.ActionOutcome{Action: action, Status: types.ActionFailed}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution: action panicked", zap.Any("panic", r), zap.String("symbol", action.Symbol))
			outcome.Status = types.ActionFailed
			outcome.Reason = fmt.Sprintf("internal: %v", r)
		}
	}()

	switch action.Kind {
	case types.ActionHold:
		return e.executeHold(ctx, accountID, strategyID, action)
	case types.ActionBuy, types.ActionSell:
		return e.executeOpen(ctx, accountID, strategyID, signer, markets, action)
	case types.ActionClose:
		return e.executeClose(ctx, accountID, strategyID, signer, markets, action)
	default:
		outcome.Status = types.ActionSkipped
		outcome.Reason = fmt.Sprintf("InvalidParams: unknown action kind %q", action.Kind)
		return outcome
	}
}

// executeHold writes the journal note a hold decision still owes and
// places nothing.
func (e *Executor) executeHold(ctx context.Context, accountID, strategyID string, action types.Action) types.ActionOutcome {
	entry := types.TradeJournalEntry{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		StrategyID:     strategyID,
		Symbol:         action.Symbol,
		Status:         types.JournalPlanned,
		EntryReasoning: action.Reasoning,
		Expectations:   "hold: no order placed",
		CreatedAt:      time.Now(),
	}
	if err := e.repo.CreateJournalEntry(ctx, entry); err != nil {
		return types.ActionOutcome{Action: action, Status: types.ActionFailed, Reason: fmt.Sprintf("journal write: %v", err)}
	}
	return types.ActionOutcome{Action: action, Status: types.ActionOK}
}

func (e *Executor) executeOpen(ctx context.Context, accountID, strategyID string, signer *secrets.Signer, markets map[string]venue.Market, action types.Action) types.ActionOutcome {
	skip := func(reason string) types.ActionOutcome {
		return types.ActionOutcome{Action: action, Status: types.ActionSkipped, Reason: reason}
	}
	fail := func(reason string) types.ActionOutcome {
		return types.ActionOutcome{Action: action, Status: types.ActionFailed, Reason: reason}
	}

	market, ok := markets[action.Symbol]
	if !ok {
		return skip(fmt.Sprintf("InvalidParams: unknown symbol %q", action.Symbol))
	}

	leverage := decimal.NewFromInt(int64(action.Leverage))
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}

	size := action.Size
	if size.IsZero() && e.sizer != nil {
		suggested, err := e.sizer.SuggestSize(ctx, accountID, strategyID, action.Symbol, leverage)
		if err != nil {
			return skip(fmt.Sprintf("InvalidParams: no size given and sizing hint failed: %v", err))
		}
		size = suggested
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return skip("InvalidParams: size must be positive")
	}

	side := action.Side
	if side == "" {
		side = types.PositionSideLong
		if action.Kind == types.ActionSell {
			side = types.PositionSideShort
		}
	}

	admission, err := e.admitter.CanExecute(ctx, accountID, strategyID, action.Symbol, side, size, leverage)
	if err != nil {
		return fail(fmt.Sprintf("admission check: %v", err))
	}
	if !admission.Allowed {
		return skip(admission.Reason)
	}

	if action.Leverage > 0 {
		req := venue.UpdateLeverageRequest{Symbol: action.Symbol, IsCross: true, Leverage: action.Leverage}
		if err := e.venue.UpdateLeverage(ctx, signer, req); err != nil {
			return fail(fmt.Sprintf("update leverage: %v", err))
		}
	}

	isBuy := action.Kind == types.ActionBuy
	orderType := venue.OrderTypeMarket
	limitPx := decimal.Zero
	if action.ExpectedEntry != nil && action.ExpectedEntry.IsPositive() {
		orderType = venue.OrderTypeLimitGTC
		limitPx = *action.ExpectedEntry
	}

	result, err := e.venue.PlaceOrder(ctx, signer, market, venue.PlaceOrderRequest{
		Symbol:    action.Symbol,
		IsBuy:     isBuy,
		Size:      size,
		LimitPx:   limitPx,
		OrderType: orderType,
	})
	if err != nil {
		if kind := types.KindOf(err); kind == types.ErrInvalidParams {
			return skip(fmt.Sprintf("%s: %v", kind, err))
		}
		return fail(fmt.Sprintf("place order: %v", err))
	}

	now := time.Now()
	order := types.Order{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		StrategyID:   strategyID,
		Symbol:       action.Symbol,
		Side:         orderSide(isBuy),
		Type:         mapOrderType(orderType),
		Size:         size,
		LimitPx:      limitPx,
		Status:       types.OrderStatusOpen,
		FilledSize:   result.FilledSize,
		AvgFillPrice: result.AvgFillPrice,
		VenueOrderID: result.VenueOrderID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if result.FilledSize.Equal(size) {
		order.Status = types.OrderStatusFilled
	} else if result.FilledSize.IsPositive() {
		order.Status = types.OrderStatusPartial
	}
	if err := e.repo.PutOrder(ctx, order); err != nil {
		return fail(fmt.Sprintf("persist order: %v", err))
	}

	if result.FilledSize.IsPositive() {
		entryPx := result.AvgFillPrice
		if entryPx.IsZero() {
			entryPx = limitPx
		}
		position := types.Position{
			AccountID:  accountID,
			StrategyID: strategyID,
			Symbol:     action.Symbol,
			Side:       side,
			Size:       result.FilledSize,
			EntryPrice: entryPx,
			Leverage:   leverage,
			OpenedAt:   now,
		}
		if existing, err := e.repo.GetPosition(ctx, strategyID, action.Symbol); err == nil {
			position.Size = existing.Size.Add(result.FilledSize)
			position.EntryPrice = existing.EntryPrice
			position.OpenedAt = existing.OpenedAt
			position.RegimeAtOpen = existing.RegimeAtOpen
		}
		if err := e.repo.PutPosition(ctx, position); err != nil {
			return fail(fmt.Sprintf("persist position: %v", err))
		}
	}

	if err := e.journalOpen(ctx, accountID, strategyID, order.ID, action); err != nil {
		return fail(fmt.Sprintf("journal: %v", err))
	}

	e.placeProtectiveLegs(ctx, signer, market, action, size, isBuy)

	return types.ActionOutcome{Action: action, Status: types.ActionOK, OrderID: order.ID}
}

// journalOpen activates an existing planned entry for this strategy+symbol
// if one exists, otherwise creates a fresh planned entry.
func (e *Executor) journalOpen(ctx context.Context, accountID, strategyID, orderID string, action types.Action) error {
	entries, err := e.repo.ListJournalEntriesByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range entries {
		entry := entries[i]
		if entry.StrategyID != strategyID || entry.Symbol != action.Symbol || entry.Status != types.JournalPlanned {
			continue
		}
		if entry.Expectations == "hold: no order placed" {
			continue
		}
		if err := entry.Activate(now); err != nil {
			return err
		}
		entry.OrderID = orderID
		return e.repo.UpdateJournalEntry(ctx, entry)
	}

	entry := types.TradeJournalEntry{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		StrategyID:     strategyID,
		OrderID:        orderID,
		Symbol:         action.Symbol,
		Status:         types.JournalPlanned,
		EntryReasoning: action.Reasoning,
		Expectations:   expectationText(action),
		CreatedAt:      now,
	}
	if action.ExpectedEntry != nil {
		entry.EntryPrice = *action.ExpectedEntry
	}
	if action.StopLoss != nil {
		entry.StopLoss = *action.StopLoss
	}
	if action.TakeProfit != nil {
		entry.TakeProfit = *action.TakeProfit
	}
	return e.repo.CreateJournalEntry(ctx, entry)
}

// placeProtectiveLegs submits reduce-only TP/SL limit orders when the action
// carries them. A failed leg is logged, not fatal: the primary order is
// already live and the next tick can repair protection.
func (e *Executor) placeProtectiveLegs(ctx context.Context, signer *secrets.Signer, market venue.Market, action types.Action, size decimal.Decimal, entryIsBuy bool) {
	legs := []struct {
		name string
		px   *decimal.Decimal
	}{
		{"stop-loss", action.StopLoss},
		{"take-profit", action.TakeProfit},
	}
	for _, leg := range legs {
		if leg.px == nil || !leg.px.IsPositive() {
			continue
		}
		_, err := e.venue.PlaceOrder(ctx, signer, market, venue.PlaceOrderRequest{
			Symbol:     action.Symbol,
			IsBuy:      !entryIsBuy,
			Size:       size,
			LimitPx:    *leg.px,
			OrderType:  venue.OrderTypeLimitGTC,
			ReduceOnly: true,
		})
		if err != nil {
			e.logger.Warn("execution: protective leg rejected",
				zap.String("leg", leg.name), zap.String("symbol", action.Symbol), zap.Error(err))
		}
	}
}

// executeClose flattens the strategy's position on the symbol with an
// aggressive IOC-limit reduce-only order, then records the trade, closes the
// journal entry, and notifies the evaluation pipeline.
func (e *Executor) executeClose(ctx context.Context, accountID, strategyID string, signer *secrets.Signer, markets map[string]venue.Market, action types.Action) types.ActionOutcome {
	skip := func(reason string) types.ActionOutcome {
		return types.ActionOutcome{Action: action, Status: types.ActionSkipped, Reason: reason}
	}
	fail := func(reason string) types.ActionOutcome {
		return types.ActionOutcome{Action: action, Status: types.ActionFailed, Reason: reason}
	}

	market, ok := markets[action.Symbol]
	if !ok {
		return skip(fmt.Sprintf("InvalidParams: unknown symbol %q", action.Symbol))
	}
	position, err := e.repo.GetPosition(ctx, strategyID, action.Symbol)
	if err != nil {
		return skip(fmt.Sprintf("InvalidParams: no open position on %s", action.Symbol))
	}

	// Closing a long sells; closing a short buys. The IOC limit is pushed
	// past the entry by the slippage bound so it crosses the book.
	isBuy := position.Side == types.PositionSideShort
	bound := position.EntryPrice.Mul(decimal.NewFromInt(1).Sub(closeSlippageBound))
	if isBuy {
		bound = position.EntryPrice.Mul(decimal.NewFromInt(1).Add(closeSlippageBound))
	}

	result, err := e.venue.PlaceOrder(ctx, signer, market, venue.PlaceOrderRequest{
		Symbol:     action.Symbol,
		IsBuy:      isBuy,
		Size:       position.Size,
		LimitPx:    bound,
		OrderType:  venue.OrderTypeLimitIOC,
		ReduceOnly: true,
	})
	if err != nil {
		if kind := types.KindOf(err); kind == types.ErrInvalidParams {
			return skip(fmt.Sprintf("%s: %v", kind, err))
		}
		return fail(fmt.Sprintf("close order: %v", err))
	}

	now := time.Now()
	order := types.Order{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		StrategyID:   strategyID,
		Symbol:       action.Symbol,
		Side:         orderSide(isBuy),
		Type:         types.OrderTypeLimitIOC,
		Size:         position.Size,
		LimitPx:      bound,
		ReduceOnly:   true,
		Status:       types.OrderStatusFilled,
		FilledSize:   result.FilledSize,
		AvgFillPrice: result.AvgFillPrice,
		VenueOrderID: result.VenueOrderID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.repo.PutOrder(ctx, order); err != nil {
		return fail(fmt.Sprintf("persist order: %v", err))
	}

	exitPx := result.AvgFillPrice
	if exitPx.IsZero() {
		exitPx = bound
	}
	pnl := exitPx.Sub(position.EntryPrice).Mul(position.Size)
	if position.Side == types.PositionSideShort {
		pnl = pnl.Neg()
	}
	trade := types.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		AccountID:  accountID,
		StrategyID: strategyID,
		Symbol:     action.Symbol,
		Side:       order.Side,
		Size:       position.Size,
		Price:      exitPx,
		PnL:        pnl,
		ExecutedAt: now,
	}
	if err := e.repo.PutTrade(ctx, trade); err != nil {
		return fail(fmt.Sprintf("persist trade: %v", err))
	}
	if err := e.repo.DeletePosition(ctx, strategyID, action.Symbol); err != nil {
		return fail(fmt.Sprintf("clear position: %v", err))
	}

	journal := e.closeJournal(ctx, accountID, strategyID, action, pnl, now)

	if e.onClose != nil {
		e.onClose.OnTradeClose(ctx, trade, journal)
	}
	return types.ActionOutcome{Action: action, Status: types.ActionOK, OrderID: order.ID}
}

// closeJournal finds the active journal entry for this strategy+symbol and
// closes it with the realized analysis. Missing or already-closed entries
// are tolerated: the close already happened on the venue.
func (e *Executor) closeJournal(ctx context.Context, accountID, strategyID string, action types.Action, pnl decimal.Decimal, now time.Time) *types.TradeJournalEntry {
	entries, err := e.repo.ListJournalEntriesByAccount(ctx, accountID)
	if err != nil {
		e.logger.Warn("execution: journal lookup failed on close", zap.Error(err))
		return nil
	}
	for i := range entries {
		entry := entries[i]
		if entry.StrategyID != strategyID || entry.Symbol != action.Symbol || entry.Status != types.JournalActive {
			continue
		}
		targetHit := false
		if entry.TakeProfit.IsPositive() && pnl.IsPositive() {
			targetHit = true
		}
		analysis := types.CloseAnalysis{PnL: pnl, TargetHit: targetHit, ClosedReason: action.Reasoning}
		if err := entry.Close(now, analysis); err != nil {
			e.logger.Warn("execution: journal close rejected", zap.Error(err))
			return nil
		}
		if err := e.repo.UpdateJournalEntry(ctx, entry); err != nil {
			e.logger.Warn("execution: journal close write failed", zap.Error(err))
			return nil
		}
		return &entry
	}
	return nil
}

func orderSide(isBuy bool) types.OrderSide {
	if isBuy {
		return types.OrderSideBuy
	}
	return types.OrderSideSell
}

func mapOrderType(t venue.OrderType) types.OrderType {
	switch t {
	case venue.OrderTypeLimitGTC:
		return types.OrderTypeLimitGTC
	case venue.OrderTypeLimitIOC:
		return types.OrderTypeLimitIOC
	default:
		return types.OrderTypeMarket
	}
}

func expectationText(action types.Action) string {
	if action.TakeProfit != nil && action.StopLoss != nil {
		return fmt.Sprintf("target %s, stop %s", action.TakeProfit, action.StopLoss)
	}
	if action.TakeProfit != nil {
		return fmt.Sprintf("target %s", action.TakeProfit)
	}
	return "no explicit target"
}
