package journal

import (
	"context"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/metrics"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StatusSource produces the cross-strategy rollup a snapshot is cut from.
// Implemented by the Portfolio Manager.
type StatusSource interface {
	GetStatus(ctx context.Context, accountID string, totalCapital decimal.Decimal) (types.PortfolioStatus, error)
}

// CapitalSource reports an account's current total capital from the venue.
// cmd/server implements it over the stored account's wallet and the venue
// client.
type CapitalSource interface {
	TotalCapital(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// AccountLister enumerates the accounts the periodic schedule covers.
type AccountLister interface {
	ListActiveApprovedAccounts(ctx context.Context) ([]types.Account, error)
}

// SnapshotWriter persists one snapshot row. Satisfied by *storage.DB.
type SnapshotWriter interface {
	PutPortfolioSnapshot(ctx context.Context, s types.PortfolioSnapshot) error
}

// Snapshotter writes portfolio snapshots on two triggers: an enqueue after
// a successful order batch, and a periodic schedule over every active
// account. It is the SnapshotQueue the executor hands accounts to.
type Snapshotter struct {
	logger   *zap.Logger
	status   StatusSource
	capital  CapitalSource
	accounts AccountLister
	writer   SnapshotWriter

	metrics *metrics.Metrics

	queue chan string
	cron  *cron.Cron
}

// WithMetrics attaches the Prometheus surface.
func (s *Snapshotter) WithMetrics(mx *metrics.Metrics) *Snapshotter {
	s.metrics = mx
	return s
}

// NewSnapshotter builds a Snapshotter with a bounded enqueue buffer. A full
// buffer drops the enqueue: the periodic schedule guarantees a snapshot
// lands within a minute anyway.
func NewSnapshotter(logger *zap.Logger, status StatusSource, capital CapitalSource, accounts AccountLister, writer SnapshotWriter) *Snapshotter {
	return &Snapshotter{
		logger:   logger,
		status:   status,
		capital:  capital,
		accounts: accounts,
		writer:   writer,
		queue:    make(chan string, 64),
	}
}

// Enqueue requests a snapshot for accountID. Non-blocking.
func (s *Snapshotter) Enqueue(accountID string) {
	select {
	case s.queue <- accountID:
	default:
		s.logger.Warn("snapshotter: queue full, relying on periodic schedule", zap.String("accountId", accountID))
	}
}

// Run drains the enqueue buffer and runs the periodic schedule until ctx is
// cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every "+interval.String(), func() { s.snapshotAll(ctx) })
	if err != nil {
		s.logger.Error("snapshotter: bad schedule", zap.Error(err))
		return
	}
	s.cron.Start()
	defer s.cron.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case accountID := <-s.queue:
			s.snapshotOne(ctx, accountID)
		}
	}
}

func (s *Snapshotter) snapshotAll(ctx context.Context) {
	accounts, err := s.accounts.ListActiveApprovedAccounts(ctx)
	if err != nil {
		s.logger.Warn("snapshotter: list accounts failed", zap.Error(err))
		return
	}
	for _, a := range accounts {
		s.snapshotOne(ctx, a.ID)
	}
}

func (s *Snapshotter) snapshotOne(ctx context.Context, accountID string) {
	capital, err := s.capital.TotalCapital(ctx, accountID)
	if err != nil {
		s.logger.Warn("snapshotter: capital lookup failed", zap.String("accountId", accountID), zap.Error(err))
		return
	}
	status, err := s.status.GetStatus(ctx, accountID, capital)
	if err != nil {
		s.logger.Warn("snapshotter: status rollup failed", zap.String("accountId", accountID), zap.Error(err))
		return
	}
	snapshot := types.PortfolioSnapshot{
		ID:                 uuid.NewString(),
		AccountID:          accountID,
		TotalCapital:       status.TotalCapital,
		MarginUsed:         status.MarginUsed,
		UtilizationPercent: status.UtilizationPercent,
		NetExposure:        status.NetExposure,
		Health:             status.Health,
		TakenAt:            time.Now(),
	}
	if err := s.writer.PutPortfolioSnapshot(ctx, snapshot); err != nil {
		s.logger.Warn("snapshotter: write failed", zap.String("accountId", accountID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.SnapshotsWritten.Inc()
	}
}
