// Package api is the thin control-surface HTTP server: it exposes the
// core's operations (orders, leverage, agent mode, prompts, journal
// lifecycle) to any transport and mounts the downstream market-data
// websocket bridge. Authentication context is a caller-supplied middleware
// hook; this package resolves an account id from the request and nothing
// more.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/journal"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Executor is the trade-execution surface the order operations run through.
type Executor interface {
	ExecuteBatch(ctx context.Context, accountID, strategyID string, actions []types.Action) ([]types.ActionOutcome, error)
}

// Monitors is the control-loop lifecycle surface.
type Monitors interface {
	Start(accountID string, intervalMinutes int, runImmediately bool) error
	Stop(accountID string)
	Restart(accountID string, intervalMinutes int) error
	Running(accountID string) bool
}

// Journal is the trade-journal lifecycle surface, satisfied by *journal.Service.
type Journal interface {
	Create(ctx context.Context, in journal.CreateInput) (types.TradeJournalEntry, error)
	Activate(ctx context.Context, id string) (types.TradeJournalEntry, error)
	Close(ctx context.Context, id string, analysis types.CloseAnalysis) (types.TradeJournalEntry, error)
}

// Reasoner is the router surface behind submitPrompt.
type Reasoner interface {
	Invoke(ctx context.Context, req router.Request) (*types.ReasoningResult, error)
}

// AccountStore is the account persistence the mode/frequency operations
// mutate.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (types.Account, error)
	PutAccount(ctx context.Context, a types.Account) error
	ListPositionsByAccount(ctx context.Context, accountID string) ([]types.Position, error)
}

// VenueOps is the direct venue surface for cancel/leverage, which bypass
// the action pipeline.
type VenueOps interface {
	CancelOrder(ctx context.Context, signer *secrets.Signer, req venue.CancelOrderRequest) error
	UpdateLeverage(ctx context.Context, signer *secrets.Signer, req venue.UpdateLeverageRequest) error
}

// SignerSource resolves an account's signer handle.
type SignerSource interface {
	Get(ctx context.Context, accountID string) (*secrets.Handle, error)
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Host string
	Port int
}

// Server wires the control routes. Every dependency is an interface so the
// handler tests run against fakes.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server

	executor Executor
	monitors Monitors
	journal  Journal
	reasoner Reasoner
	accounts AccountStore
	venue    VenueOps
	signers  SignerSource
	bridge   http.Handler
	health   func(ctx context.Context) error
}

// NewServer builds the Server and its route table. bridge and health may be
// nil: a nil bridge leaves /market-data unmounted, and a nil health makes
// /health always report ok.
func NewServer(logger *zap.Logger, config ServerConfig, executor Executor, monitors Monitors, journal Journal, reasoner Reasoner, accounts AccountStore, venueOps VenueOps, signers SignerSource, bridge http.Handler, health func(ctx context.Context) error) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		executor: executor,
		monitors: monitors,
		journal:  journal,
		reasoner: reasoner,
		accounts: accounts,
		venue:    venueOps,
		signers:  signers,
		bridge:   bridge,
		health:   health,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/close-all", s.handleCloseAll).Methods(http.MethodPost)
	api.HandleFunc("/leverage", s.handleUpdateLeverage).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/agent-mode", s.handleSetAgentMode).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/monitoring-frequency", s.handleSetMonitoringFrequency).Methods(http.MethodPost)
	api.HandleFunc("/prompt", s.handleSubmitPrompt).Methods(http.MethodPost)
	api.HandleFunc("/journal", s.handleJournalCreate).Methods(http.MethodPost)
	api.HandleFunc("/journal/{id}/activate", s.handleJournalActivate).Methods(http.MethodPost)
	api.HandleFunc("/journal/{id}/close", s.handleJournalClose).Methods(http.MethodPost)

	if s.bridge != nil {
		s.router.Handle("/market-data", s.bridge)
	}
}

// Handler returns the fully wired handler including CORS, for tests and for
// embedding.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(s.router)
}

// Start begins serving and blocks until the listener fails or Stop runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	s.logger.Info("api: serving", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("unhealthy: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps the shared error taxonomy onto HTTP classes.
func statusForError(err error) int {
	switch types.KindOf(err) {
	case types.ErrInvalidParams, types.ErrContentFiltered, types.ErrMalformedResp:
		return http.StatusBadRequest
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrNeedsCredentials:
		return http.StatusUnauthorized
	case types.ErrUnavailable, types.ErrProviderDown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
