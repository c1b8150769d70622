package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atlas-desktop/perp-orchestrator/internal/journal"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExecutor struct {
	batches [][]types.Action
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, accountID, strategyID string, actions []types.Action) ([]types.ActionOutcome, error) {
	f.batches = append(f.batches, actions)
	out := make([]types.ActionOutcome, len(actions))
	for i, a := range actions {
		out[i] = types.ActionOutcome{Action: a, Status: types.ActionOK}
	}
	return out, nil
}

type fakeMonitors struct {
	restarted map[string]int
	stopped   []string
}

func newFakeMonitors() *fakeMonitors { return &fakeMonitors{restarted: map[string]int{}} }

func (f *fakeMonitors) Start(accountID string, intervalMinutes int, runImmediately bool) error {
	return nil
}
func (f *fakeMonitors) Stop(accountID string) { f.stopped = append(f.stopped, accountID) }
func (f *fakeMonitors) Restart(accountID string, intervalMinutes int) error {
	f.restarted[accountID] = intervalMinutes
	return nil
}
func (f *fakeMonitors) Running(accountID string) bool { return false }

type fakeAccounts struct {
	accounts map[string]types.Account
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id string) (types.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return types.Account{}, assert.AnError
	}
	return a, nil
}

func (f *fakeAccounts) PutAccount(ctx context.Context, a types.Account) error {
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeAccounts) ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error) {
	return nil, nil
}

type fakeReasoner struct{}

func (fakeReasoner) Invoke(ctx context.Context, req router.Request) (*types.ReasoningResult, error) {
	return &types.ReasoningResult{Interpretation: "noted"}, nil
}

type fakeVenueOps struct{}

func (fakeVenueOps) CancelOrder(ctx context.Context, signer *secrets.Signer, req venue.CancelOrderRequest) error {
	return nil
}
func (fakeVenueOps) UpdateLeverage(ctx context.Context, signer *secrets.Signer, req venue.UpdateLeverageRequest) error {
	return nil
}

type noSigners struct{}

func (noSigners) Get(ctx context.Context, accountID string) (*secrets.Handle, error) {
	return nil, assert.AnError
}

type memJournalRepo struct {
	entries map[string]types.TradeJournalEntry
}

func (m *memJournalRepo) CreateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	m.entries[e.ID] = e
	return nil
}
func (m *memJournalRepo) UpdateJournalEntry(ctx context.Context, e types.TradeJournalEntry) error {
	m.entries[e.ID] = e
	return nil
}
func (m *memJournalRepo) GetJournalEntry(ctx context.Context, id string) (types.TradeJournalEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return types.TradeJournalEntry{}, assert.AnError
	}
	return e, nil
}
func (m *memJournalRepo) ListJournalEntriesByAccount(ctx context.Context, accountID string) ([]types.TradeJournalEntry, error) {
	return nil, nil
}

func newTestServer(accounts *fakeAccounts, exec *fakeExecutor, monitors *fakeMonitors) *Server {
	journalSvc := journal.NewService(zap.NewNop(), &memJournalRepo{entries: map[string]types.TradeJournalEntry{}})
	return NewServer(zap.NewNop(), ServerConfig{Host: "localhost", Port: 0},
		exec, monitors, journalSvc, fakeReasoner{}, accounts, fakeVenueOps{}, noSigners{}, nil, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSetAgentModeActivePromotesZeroFrequency(t *testing.T) {
	accounts := &fakeAccounts{accounts: map[string]types.Account{
		"acct-1": {ID: "acct-1", VerificationStatus: types.VerificationApproved, AgentMode: types.AgentModePassive, MonitoringFrequencyMin: 0},
	}}
	monitors := newFakeMonitors()
	server := newTestServer(accounts, &fakeExecutor{}, monitors)

	rec := postJSON(t, server.Handler(), "/api/accounts/acct-1/agent-mode", agentModeRequest{Mode: "active"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := accounts.accounts["acct-1"]
	assert.Equal(t, types.AgentModeActive, updated.AgentMode)
	assert.Equal(t, promotedFrequencyMin, updated.MonitoringFrequencyMin, "frequency 0 is promoted to 5 when going active")
	assert.Equal(t, promotedFrequencyMin, monitors.restarted["acct-1"])
}

func TestSetMonitoringFrequencyZeroSuspendsLoop(t *testing.T) {
	accounts := &fakeAccounts{accounts: map[string]types.Account{
		"acct-1": {ID: "acct-1", AgentMode: types.AgentModeActive, MonitoringFrequencyMin: 5},
	}}
	monitors := newFakeMonitors()
	server := newTestServer(accounts, &fakeExecutor{}, monitors)

	rec := postJSON(t, server.Handler(), "/api/accounts/acct-1/monitoring-frequency", frequencyRequest{Minutes: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, monitors.stopped, "acct-1")
	assert.Equal(t, 0, accounts.accounts["acct-1"].MonitoringFrequencyMin)
}

func TestSubmitPromptRejectsTooManyScreenshots(t *testing.T) {
	server := newTestServer(&fakeAccounts{accounts: map[string]types.Account{}}, &fakeExecutor{}, newFakeMonitors())

	shots := make([]string, maxScreenshots+1)
	for i := range shots {
		shots[i] = "aGVsbG8="
	}
	rec := postJSON(t, server.Handler(), "/api/prompt", promptRequest{AccountID: "acct-1", Prompt: "analyze", Screenshots: shots})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at most 5")
}

func TestSubmitPromptRejectsOversizedScreenshot(t *testing.T) {
	server := newTestServer(&fakeAccounts{accounts: map[string]types.Account{}}, &fakeExecutor{}, newFakeMonitors())

	big := strings.Repeat("A", (maxScreenshotBytes/3)*4+8)
	rec := postJSON(t, server.Handler(), "/api/prompt", promptRequest{AccountID: "acct-1", Prompt: "analyze", Screenshots: []string{big}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds 5 MiB")
}

func TestJournalCloseOnPlannedConflicts(t *testing.T) {
	server := newTestServer(&fakeAccounts{accounts: map[string]types.Account{}}, &fakeExecutor{}, newFakeMonitors())
	handler := server.Handler()

	rec := postJSON(t, handler, "/api/journal", journalCreateRequest{AccountID: "acct-1", StrategyID: "s1", Symbol: "BTC"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry types.TradeJournalEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	rec = postJSON(t, handler, "/api/journal/"+entry.ID+"/close", journalCloseRequest{ClosedReason: "nope"})
	assert.Equal(t, http.StatusConflict, rec.Code, "closing a planned entry violates the lifecycle")

	rec = postJSON(t, handler, "/api/journal/"+entry.ID+"/activate", struct{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postJSON(t, handler, "/api/journal/"+entry.ID+"/close", journalCloseRequest{ClosedReason: "done"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPlaceOrderRoutesThroughExecutor(t *testing.T) {
	exec := &fakeExecutor{}
	server := newTestServer(&fakeAccounts{accounts: map[string]types.Account{}}, exec, newFakeMonitors())

	rec := postJSON(t, server.Handler(), "/api/orders", map[string]any{
		"accountId": "acct-1", "strategyId": "s1", "symbol": "BTC", "side": "buy", "size": "0.1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, exec.batches, 1)
	assert.Equal(t, types.ActionBuy, exec.batches[0][0].Kind)
}
