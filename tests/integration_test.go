package tests

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/evaluation"
	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/atlas-desktop/perp-orchestrator/internal/journal"
	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/storage"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func masterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, secrets.MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSecretsRoundtripThroughSQLite(t *testing.T) {
	db := openTestDB(t)
	store, err := secrets.New(zap.NewNop(), db, masterKey(t))
	require.NoError(t, err)
	ctx := context.Background()

	ecdsaKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	plaintext := crypto.FromECDSA(ecdsaKey)
	wantAddress := crypto.PubkeyToAddress(ecdsaKey.PublicKey)

	require.NoError(t, store.Put(ctx, "acct-1", plaintext))

	has, err := store.Has(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, has)

	handle, err := store.Get(ctx, "acct-1")
	require.NoError(t, err)
	defer handle.Close()

	address, err := handle.Address()
	require.NoError(t, err)
	assert.Equal(t, wantAddress, address, "decrypted key signs for the same address")
}

func TestTamperedEnvelopeFailsAuthentication(t *testing.T) {
	db := openTestDB(t)
	store, err := secrets.New(zap.NewNop(), db, masterKey(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "acct-1", []byte("super secret agent key material!")))

	row, err := db.GetSecretEnvelope(ctx, "acct-1", "agent_wallet_private_key")
	require.NoError(t, err)
	row.PayloadCiphertext[0] ^= 0xff
	require.NoError(t, db.PutSecretEnvelope(ctx, row))

	_, err = store.Get(ctx, "acct-1")
	assert.Error(t, err, "one flipped ciphertext byte must fail the GCM tag")
}

func TestJournalLifecyclePersistedThroughSQLite(t *testing.T) {
	db := openTestDB(t)
	svc := journal.NewService(zap.NewNop(), db)
	ctx := context.Background()

	entry, err := svc.Create(ctx, journal.CreateInput{
		AccountID: "acct-1", StrategyID: "strat-1", Symbol: "BTC",
		EntryReasoning: "momentum continuation", Expectations: "target 72k",
		TakeProfit: decimal.NewFromInt(72000),
	})
	require.NoError(t, err)

	_, err = svc.Close(ctx, entry.ID, types.CloseAnalysis{ClosedReason: "premature"})
	require.Error(t, err, "planned entries cannot close directly")

	_, err = svc.Activate(ctx, entry.ID)
	require.NoError(t, err)
	closed, err := svc.Close(ctx, entry.ID, types.CloseAnalysis{
		PnL: decimal.NewFromInt(340), TargetHit: true, Regime: types.RegimeBullish, ClosedReason: "target",
	})
	require.NoError(t, err)

	reloaded, err := db.GetJournalEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalClosed, reloaded.Status)
	require.NotNil(t, reloaded.CloseAnalysis)
	assert.True(t, reloaded.CloseAnalysis.PnL.Equal(decimal.NewFromInt(340)))
	require.NotNil(t, reloaded.ClosedAt)
	assert.True(t, !reloaded.ClosedAt.Before(*closed.ActivatedAt), "timestamps stay monotonic under lifecycle order")
}

func TestIndicatorWarmRestartAndRegimeFlow(t *testing.T) {
	engine := indicators.New()
	base := time.Now()
	for i := 0; i < 250; i++ {
		px := 60000.0 - float64(i)*40 // steady downtrend
		engine.OnCandle(&types.CandleFrame{
			Symbol: "BTC", Interval: "1m",
			Open: decimal.NewFromFloat(px + 10), High: decimal.NewFromFloat(px + 30),
			Low: decimal.NewFromFloat(px - 30), Close: decimal.NewFromFloat(px),
			Volume: decimal.NewFromInt(100), T: base.Add(time.Duration(i) * time.Minute),
		})
	}

	snap := engine.Get("BTC")
	require.NotNil(t, snap.RSI)
	assert.Less(t, *snap.RSI, 30.0, "a relentless downtrend drives RSI deep oversold")
	assert.Equal(t, types.RegimeBearish, evaluation.ClassifyRegime(engine.Closes("BTC")))

	path := filepath.Join(t.TempDir(), "indicators.msgpack")
	require.NoError(t, engine.SaveSnapshot(path))

	restarted := indicators.New()
	require.NoError(t, restarted.LoadSnapshot(path))
	restoredSnap := restarted.Get("BTC")
	require.NotNil(t, restoredSnap.RSI)
	assert.Equal(t, *snap.RSI, *restoredSnap.RSI, "a restart resumes warm, skipping the lookback gate")
}

func TestAccountAndStrategyPersistence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	account := types.Account{
		ID: "acct-1", Role: "user", VerificationStatus: types.VerificationApproved,
		AgentMode: types.AgentModeActive, MonitoringFrequencyMin: 5,
		MainWalletAddress: "0xabc", CreatedAt: time.Now(),
	}
	require.NoError(t, db.PutAccount(ctx, account))

	require.NoError(t, db.PutStrategy(ctx, types.Strategy{
		ID: "strat-1", AccountID: "acct-1", Name: "rsi-reversion", Kind: types.StrategyKindIndicator,
		IsActive: true, AllocatedPercent: decimal.NewFromInt(40), MaxPositions: 2,
		MaxLeverage: decimal.NewFromInt(5), DailyLossLimitPct: decimal.NewFromInt(3),
		CurrentDailyLoss: decimal.Zero, Config: map[string]any{"symbols": []any{"BTC"}}, Status: "running",
	}))

	active, err := db.ListActiveApprovedAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	strategies, err := db.ListStrategiesByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.True(t, strategies[0].MaxLeverage.Equal(decimal.NewFromInt(5)))
}
