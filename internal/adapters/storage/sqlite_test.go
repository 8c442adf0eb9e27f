package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlmmbot/dlmmbot/internal/adapters/storage"
	"github.com/dlmmbot/dlmmbot/internal/domain"
)

func openTestStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBot(botID, userID string) *domain.Bot {
	cfg := domain.BotConfig{
		Mode:                domain.ModeSimulation,
		StrategyMode:        domain.StrategyHybrid,
		EntryScoreThreshold: 150,
		MinLiquidity:        10_000,
		MaxLiquidity:        500_000,
		MinVolume24h:        50_000,
		SolPairsOnly:        true,
		MintBlacklist:       []string{"ScamMint1111", "ScamMint2222"},
		PositionSizePercent: 10,
		MinPositionSOL:      0.1,
		MaxPositionSOL:      5,
		ProfitTargetPercent: 8,
		StopLossPercent:     4,
		TrailingStopEnabled: true,
		TrailingStopPercent: 3,
		MaxHoldTimeMinutes:  240,
		MaxDailyLossSOL:     2,
		CooldownMinutes:     45,
	}
	cfg.Defaults()
	return &domain.Bot{
		BotID:  botID,
		UserID: userID,
		Name:   "test bot",
		Mode:   cfg.Mode,
		Status: domain.BotStopped,
		Config: cfg,
	}
}

func testPosition(positionID, botID, userID string, entryTime time.Time) *domain.TrackedPosition {
	features := domain.FeatureVector{Volume1h: 40_000, Liquidity: 120_000, APR: 320}
	return &domain.TrackedPosition{
		ID:                   positionID,
		BotID:                botID,
		UserID:               userID,
		Mode:                 domain.ModeSimulation,
		Status:               domain.PositionActive,
		PoolAddress:          "pool-addr",
		PoolName:             "TEST-SOL",
		MintX:                "MintX",
		MintY:                domain.WrappedSOLMint,
		BinStep:              25,
		EntryBinID:           412,
		EntryPricePerToken:   1.25,
		EntryTime:            entryTime,
		EntryAmountXLamports: 250_000_000,
		EntryAmountYLamports: 250_000_000,
		EntryTxSignature:     "sig-entry",
		EntryTxCostLamports:  7_000,
		EntryScore:           171.4,
		MLProbability:        0.82,
		EntryFeatures:        &features,
		ProfitTargetPercent:  8,
		StopLossPercent:      4,
		MaxHoldTimeMinutes:   240,
		TrailingStopEnabled:  true,
		TrailingStopPercent:  3,
		CurrentPricePerToken: 1.25,
	}
}

func TestBotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bot := testBot("bot-1", "user-1")
	require.NoError(t, s.CreateBot(ctx, bot))
	assert.NotZero(t, bot.ID)

	got, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, bot.Config, got.Config)
	assert.Equal(t, domain.BotStopped, got.Status)
	assert.Equal(t, []string{"ScamMint1111", "ScamMint2222"}, got.Config.MintBlacklist)

	n, err := s.CountBots(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBotStatusAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("bot-1", "user-1")))
	require.NoError(t, s.UpdateBotStatus(ctx, "bot-1", domain.BotRunning, ""))

	running, err := s.ListBotsByStatus(ctx, domain.BotRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, s.RecordBotTrade(ctx, "bot-1", 500_000, true))
	require.NoError(t, s.RecordBotTrade(ctx, "bot-1", -200_000, false))

	got, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTrades)
	assert.Equal(t, 1, got.WinningTrades)
	assert.Equal(t, int64(300_000), got.TotalPnLLamports)

	require.NoError(t, s.SaveEmergencyState(ctx, "bot-1", []byte(`{"triggered":false}`)))
	got, err = s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"triggered":false}`, string(got.EmergencyStopState))
}

func TestBotConfigUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bot := testBot("bot-1", "user-1")
	require.NoError(t, s.CreateBot(ctx, bot))

	cfg := bot.Config
	cfg.StopLossPercent = 9
	cfg.MintBlacklist = nil
	require.NoError(t, s.UpdateBotConfig(ctx, "bot-1", cfg))

	got, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.InDelta(t, 9, got.Config.StopLossPercent, 1e-9)
	assert.Empty(t, got.Config.MintBlacklist)
}

func TestPositionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("bot-1", "user-1")))

	entryTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := testPosition("pos-1", "bot-1", "user-1", entryTime)
	require.NoError(t, s.InsertPosition(ctx, pos))

	got, err := s.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, pos.EntryBinID, got.EntryBinID)
	assert.True(t, got.EntryTime.Equal(entryTime))
	require.NotNil(t, got.EntryFeatures)
	assert.InDelta(t, 40_000, got.EntryFeatures.Volume1h, 1e-9)
	assert.True(t, got.TrailingStopEnabled)

	active, err := s.ListActivePositions(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPositionCheckpointAndClose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("bot-1", "user-1")))
	entryTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := testPosition("pos-1", "bot-1", "user-1", entryTime)
	require.NoError(t, s.InsertPosition(ctx, pos))

	require.NoError(t, s.CheckpointPosition(ctx, "pos-1", 1.31, 12_000_000))
	got, err := s.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.31, got.CurrentPricePerToken, 1e-9)

	pos.Status = domain.PositionClosed
	pos.ExitReason = domain.ExitTakeProfit
	pos.ExitTime = entryTime.Add(2 * time.Hour)
	pos.ExitPricePerToken = 1.35
	pos.ExitTxSignature = "sig-exit"
	pos.ExitTxCostLamports = 11_000
	pos.RealizedPnLLamports = 40_000_000
	pos.FeesEarnedYLamports = 2_000_000
	require.NoError(t, s.ClosePosition(ctx, pos))

	active, err := s.ListActivePositions(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := s.ListPositionHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExitTakeProfit, history[0].ExitReason)
	assert.Equal(t, int64(40_000_000), history[0].RealizedPnLLamports)

	exits, err := s.RecentExits(ctx, "bot-1", entryTime)
	require.NoError(t, err)
	require.Contains(t, exits, "pool-addr")
	assert.True(t, exits["pool-addr"].Equal(pos.ExitTime))

	// Exits older than the cutoff stay out of the cooldown rebuild.
	exits, err = s.RecentExits(ctx, "bot-1", pos.ExitTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, exits)
}

func TestDeleteBotCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("bot-1", "user-1")))
	entryTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertPosition(ctx, testPosition("pos-1", "bot-1", "user-1", entryTime)))
	require.NoError(t, s.AppendTradeLog(ctx, &domain.TradeLogEntry{
		BotID: "bot-1", UserID: "user-1", Event: domain.LogBotCreated,
	}))

	require.NoError(t, s.DeleteBot(ctx, "bot-1"))

	_, err := s.GetPosition(ctx, "pos-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	entries, err := s.ListTradeLog(ctx, "bot-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUserAuthFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.GetOrCreateUser(ctx, "WalletAAA")
	require.NoError(t, err)
	assert.NotZero(t, u.ID)

	again, err := s.GetOrCreateUser(ctx, "WalletAAA")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID, "second call returns the same row")

	expires := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, s.SetAuthNonce(ctx, "WalletAAA", "nonce-1", expires))
	u, err = s.GetUserByWallet(ctx, "WalletAAA")
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", u.AuthNonce)
	assert.True(t, u.AuthNonceExpiresAt.Equal(expires))

	require.NoError(t, s.ClearAuthNonce(ctx, "WalletAAA"))
	u, err = s.GetUserByWallet(ctx, "WalletAAA")
	require.NoError(t, err)
	assert.Empty(t, u.AuthNonce)
	assert.True(t, u.AuthNonceExpiresAt.IsZero())

	require.NoError(t, s.SetRefreshTokenHash(ctx, "WalletAAA", "hash-1"))
	u, err = s.GetUserByWallet(ctx, "WalletAAA")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", u.RefreshTokenHash)
}

func TestPresets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	system := &domain.StrategyPreset{
		Name:     "conservative",
		IsSystem: true,
		Config:   domain.BotConfig{StopLossPercent: 3, ProfitTargetPercent: 5},
	}
	require.NoError(t, s.CreatePreset(ctx, system))

	mine := &domain.StrategyPreset{
		UserID: "user-1",
		Name:   "aggressive",
		Config: domain.BotConfig{StopLossPercent: 10, ProfitTargetPercent: 20},
	}
	require.NoError(t, s.CreatePreset(ctx, mine))

	presets, err := s.ListPresets(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.True(t, presets[0].IsSystem, "system presets listed first")

	// Another user sees only the shared system preset.
	presets, err = s.ListPresets(ctx, "user-2")
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, "conservative", presets[0].Name)

	// System presets survive the user delete path.
	require.ErrorIs(t, s.DeletePreset(ctx, system.ID, "user-1"), storage.ErrNotFound)
	presets, err = s.ListPresets(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, presets, 2)

	require.NoError(t, s.DeletePreset(ctx, mine.ID, "user-1"))
	presets, err = s.ListPresets(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, presets, 1)
}

func TestTradeLogOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, testBot("bot-1", "user-1")))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, event := range []domain.TradeLogEvent{domain.LogBotStarted, domain.LogPositionOpened, domain.LogPositionClosed} {
		require.NoError(t, s.AppendTradeLog(ctx, &domain.TradeLogEntry{
			BotID:     "bot-1",
			UserID:    "user-1",
			Event:     event,
			Details:   map[string]any{"seq": float64(i)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.ListTradeLog(ctx, "bot-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LogPositionClosed, entries[0].Event, "newest first")
	assert.Equal(t, float64(2), entries[0].Details["seq"])
}
