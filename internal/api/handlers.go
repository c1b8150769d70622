package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/atlas-desktop/perp-orchestrator/internal/journal"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxScreenshots     = 5
	maxScreenshotBytes = 5 << 20
	// promotedFrequencyMin is the monitoring frequency an account is bumped
	// to when it goes active with frequency 0.
	promotedFrequencyMin = 5
)

type placeOrderRequest struct {
	AccountID  string          `json:"accountId"`
	StrategyID string          `json:"strategyId"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // "buy" | "sell"
	Size       decimal.Decimal `json:"size"`
	Leverage   int             `json:"leverage"`
	LimitPx    decimal.Decimal `json:"limitPx"`
	Reasoning  string          `json:"reasoning"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind := types.ActionBuy
	side := types.PositionSideLong
	switch req.Side {
	case "buy":
	case "sell":
		kind = types.ActionSell
		side = types.PositionSideShort
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown side %q", req.Side))
		return
	}

	action := types.Action{
		Kind: kind, Symbol: req.Symbol, Side: side, Size: req.Size,
		Leverage: req.Leverage, Reasoning: req.Reasoning,
	}
	if req.LimitPx.IsPositive() {
		action.ExpectedEntry = &req.LimitPx
	}

	outcomes, err := s.executor.ExecuteBatch(r.Context(), req.AccountID, req.StrategyID, []types.Action{action})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

type cancelOrderRequest struct {
	AccountID string `json:"accountId"`
	Symbol    string `json:"symbol"`
	OID       string `json:"oid"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	signer, done, err := s.signerFor(r, req.AccountID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	defer done()

	if err := s.venue.CancelOrder(r.Context(), signer, venue.CancelOrderRequest{Symbol: req.Symbol, OID: req.OID}); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "oid": req.OID})
}

type closeAllRequest struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

// handleCloseAll flattens every open position by issuing one close action
// per (strategy, symbol) through the executor, so admission, journaling,
// and evaluation all still apply.
func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	var req closeAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	positions, err := s.accounts.ListPositionsByAccount(r.Context(), req.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(positions) == 0 {
		writeJSON(w, http.StatusOK, []types.ActionOutcome{})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "close-all requested"
	}
	byStrategy := map[string][]types.Action{}
	for _, p := range positions {
		byStrategy[p.StrategyID] = append(byStrategy[p.StrategyID], types.Action{
			Kind: types.ActionClose, Symbol: p.Symbol, Reasoning: reason,
		})
	}

	var all []types.ActionOutcome
	for strategyID, actions := range byStrategy {
		outcomes, err := s.executor.ExecuteBatch(r.Context(), req.AccountID, strategyID, actions)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		all = append(all, outcomes...)
	}
	writeJSON(w, http.StatusOK, all)
}

type leverageRequest struct {
	AccountID string `json:"accountId"`
	Symbol    string `json:"symbol"`
	IsCross   bool   `json:"isCross"`
	Leverage  int    `json:"leverage"`
}

func (s *Server) handleUpdateLeverage(w http.ResponseWriter, r *http.Request) {
	var req leverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	signer, done, err := s.signerFor(r, req.AccountID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	defer done()

	if err := s.venue.UpdateLeverage(r.Context(), signer, venue.UpdateLeverageRequest{
		Symbol: req.Symbol, IsCross: req.IsCross, Leverage: req.Leverage,
	}); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type agentModeRequest struct {
	Mode string `json:"mode"` // "passive" | "active"
}

// handleSetAgentMode flips an account between passive and active. Going
// active with a zero monitoring frequency promotes the frequency to 5
// minutes, otherwise the loop would stay suspended while trading is armed.
func (s *Server) handleSetAgentMode(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var req agentModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode := types.AgentMode(req.Mode)
	if mode != types.AgentModePassive && mode != types.AgentModeActive {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown agent mode %q", req.Mode))
		return
	}

	account, err := s.accounts.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	account.AgentMode = mode
	if mode == types.AgentModeActive && account.MonitoringFrequencyMin == 0 {
		account.MonitoringFrequencyMin = promotedFrequencyMin
	}
	if err := s.accounts.PutAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if account.MonitoringFrequencyMin > 0 {
		if err := s.monitors.Restart(accountID, account.MonitoringFrequencyMin); err != nil {
			s.logger.Error("api: monitor restart failed", zap.String("accountId", accountID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, account)
}

type frequencyRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleSetMonitoringFrequency(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var req frequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Minutes < 0 {
		writeError(w, http.StatusBadRequest, "minutes must be >= 0")
		return
	}

	account, err := s.accounts.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	account.MonitoringFrequencyMin = req.Minutes
	if err := s.accounts.PutAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Minutes == 0 {
		s.monitors.Stop(accountID)
	} else if err := s.monitors.Restart(accountID, req.Minutes); err != nil {
		s.logger.Error("api: monitor restart failed", zap.String("accountId", accountID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, account)
}

type promptRequest struct {
	AccountID   string   `json:"accountId"`
	Prompt      string   `json:"prompt"`
	Screenshots []string `json:"screenshots,omitempty"` // base64 payloads
}

func (s *Server) handleSubmitPrompt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxScreenshots)*maxScreenshotBytes+1<<20)
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid or oversized JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(req.Screenshots) > maxScreenshots {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d screenshots allowed", maxScreenshots))
		return
	}
	for i, shot := range req.Screenshots {
		// Base64 inflates by 4/3; compare against the decoded bound.
		if len(shot)/4*3 > maxScreenshotBytes {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("screenshot %d exceeds 5 MiB", i))
			return
		}
	}

	result, err := s.reasoner.Invoke(r.Context(), router.Request{
		AccountID:   req.AccountID,
		Prompt:      req.Prompt,
		ContextBlob: fmt.Sprintf(`{"screenshots": %d}`, len(req.Screenshots)),
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type journalCreateRequest struct {
	AccountID      string          `json:"accountId"`
	StrategyID     string          `json:"strategyId"`
	Symbol         string          `json:"symbol"`
	EntryReasoning string          `json:"entryReasoning"`
	Expectations   string          `json:"expectations"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	TakeProfit     decimal.Decimal `json:"takeProfit"`
}

func (s *Server) handleJournalCreate(w http.ResponseWriter, r *http.Request) {
	var req journalCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.journal.Create(r.Context(), journal.CreateInput{
		AccountID:      req.AccountID,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		EntryReasoning: req.EntryReasoning,
		Expectations:   req.Expectations,
		EntryPrice:     req.EntryPrice,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleJournalActivate(w http.ResponseWriter, r *http.Request) {
	entry, err := s.journal.Activate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, journalStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type journalCloseRequest struct {
	PnL          decimal.Decimal `json:"pnl"`
	TargetHit    bool            `json:"targetHit"`
	ClosedReason string          `json:"closedReason"`
}

func (s *Server) handleJournalClose(w http.ResponseWriter, r *http.Request) {
	var req journalCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.journal.Close(r.Context(), mux.Vars(r)["id"], types.CloseAnalysis{
		PnL: req.PnL, TargetHit: req.TargetHit, ClosedReason: req.ClosedReason,
	})
	if err != nil {
		writeError(w, journalStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// journalStatus maps lifecycle violations to 409 conflicts; anything else
// is an internal failure.
func journalStatus(err error) int {
	var transition *types.InvalidTransitionError
	if errors.As(err, &transition) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// signerFor resolves the account's signer, returning a cleanup that zeroes
// the handle.
func (s *Server) signerFor(r *http.Request, accountID string) (*secrets.Signer, func(), error) {
	handle, err := s.signers.Get(r.Context(), accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("no credentials for account: %w", err)
	}
	signer, err := handle.Signer()
	if err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return signer, handle.Close, nil
}
