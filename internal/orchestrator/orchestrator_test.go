package orchestrator_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlmmbot/dlmmbot/internal/adapters/meteora"
	"github.com/dlmmbot/dlmmbot/internal/adapters/storage"
	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/events"
	"github.com/dlmmbot/dlmmbot/internal/orchestrator"
	"github.com/dlmmbot/dlmmbot/internal/safety"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pools []domain.Pool
}

func (f *fakeFetcher) FetchAllPools(context.Context) ([]domain.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Pool(nil), f.pools...), nil
}

func (f *fakeFetcher) FetchPool(_ context.Context, address string) (*domain.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pools {
		if p.Address == address {
			pool := p
			return &pool, nil
		}
	}
	return nil, nil
}

type harness struct {
	orch  *orchestrator.Orchestrator
	store *storage.SQLiteStorage
	bus   *events.Bus
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewSQLiteStorage(t.TempDir() + "/orch.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.Default()
	bus := events.NewBus(log)
	cache := meteora.NewCache(&fakeFetcher{})

	h := &harness{
		store: store,
		bus:   bus,
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = orchestrator.New(store, cache, bus, log,
		orchestrator.WithOrchestratorClock(func() time.Time { return h.clock }))
	return h
}

func (h *harness) createBot(t *testing.T, botID string, cfg domain.BotConfig) *domain.Bot {
	t.Helper()
	cfg.Defaults()
	bot := &domain.Bot{
		BotID:  botID,
		UserID: "user-1",
		Name:   "test bot",
		Mode:   cfg.Mode,
		Status: domain.BotStopped,
		Config: cfg,
	}
	require.NoError(t, h.store.CreateBot(context.Background(), bot))
	return bot
}

func simConfig() domain.BotConfig {
	return domain.BotConfig{
		Mode:                domain.ModeSimulation,
		StrategyMode:        domain.StrategyRuleBased,
		EntryScoreThreshold: 150,
		// Long intervals keep the tickers quiet; only the initial scan runs.
		CronIntervalSeconds:          3600,
		PositionCheckIntervalSeconds: 3600,
	}
}

func TestStartAndStopBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createBot(t, "bot-1", simConfig())

	require.NoError(t, h.orch.StartBot(ctx, "bot-1"))
	assert.True(t, h.orch.Running("bot-1"))

	err := h.orch.StartBot(ctx, "bot-1")
	require.ErrorContains(t, err, "already running")

	bot, err := h.store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotRunning, bot.Status)

	require.NoError(t, h.orch.StopBot(ctx, "bot-1"))
	assert.False(t, h.orch.Running("bot-1"))

	bot, err = h.store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStopped, bot.Status)
	assert.NotEmpty(t, bot.EmergencyStopState, "stop must persist safety state")

	// Stopping a stopped bot is a no-op.
	require.NoError(t, h.orch.StopBot(ctx, "bot-1"))
}

func TestStartBotRefusesLiveWithoutWallet(t *testing.T) {
	h := newHarness(t)
	cfg := simConfig()
	cfg.Mode = domain.ModeLive
	h.createBot(t, "bot-live", cfg)

	err := h.orch.StartBot(context.Background(), "bot-live")
	require.ErrorContains(t, err, "live mode requires")

	bot, err := h.store.GetBot(context.Background(), "bot-live")
	require.NoError(t, err)
	assert.Equal(t, domain.BotError, bot.Status)
}

func TestEmergencyHaltOnDailyLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := simConfig()
	cfg.MaxDailyLossSOL = 1
	h.createBot(t, "bot-halt", cfg)

	// A previous session already lost more than the daily budget.
	blob, err := json.Marshal(safety.EmergencyState{
		DailyPnLSOL:    -1.1,
		TotalPnLSOL:    -1.1,
		DailyResetDate: "2025-06-01",
	})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveEmergencyState(ctx, "bot-halt", blob))

	errEvents := make(chan domain.BotEvent, 4)
	h.bus.SubscribeBot("bot-halt", func(ev domain.BotEvent) {
		if ev.Type == domain.EventEngineError {
			errEvents <- ev
		}
	})

	// The first scan's safety gate trips the stop and tears the bot down.
	require.NoError(t, h.orch.StartBot(ctx, "bot-halt"))

	select {
	case ev := <-errEvents:
		payload := ev.Payload.(map[string]any)
		assert.Contains(t, payload["reason"], "Daily loss")
	case <-time.After(5 * time.Second):
		t.Fatal("no engine:error event after emergency trigger")
	}

	require.Eventually(t, func() bool {
		return !h.orch.Running("bot-halt")
	}, 5*time.Second, 10*time.Millisecond)

	bot, err := h.store.GetBot(ctx, "bot-halt")
	require.NoError(t, err)
	assert.Equal(t, domain.BotError, bot.Status)
	assert.Contains(t, bot.LastError, "Emergency stop: Daily loss")
}

func TestManualEmergencyStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createBot(t, "bot-manual", simConfig())

	require.NoError(t, h.orch.StartBot(ctx, "bot-manual"))
	require.NoError(t, h.orch.EmergencyStop("bot-manual", "operator pulled the plug"))

	require.Eventually(t, func() bool {
		return !h.orch.Running("bot-manual")
	}, 5*time.Second, 10*time.Millisecond)

	bot, err := h.store.GetBot(ctx, "bot-manual")
	require.NoError(t, err)
	assert.Equal(t, domain.BotError, bot.Status)
	assert.Contains(t, bot.LastError, "operator pulled the plug")

	require.ErrorContains(t, h.orch.EmergencyStop("bot-manual", "again"), "not running")
}

func TestRecoverRunningBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bot := h.createBot(t, "bot-rec", simConfig())
	require.NoError(t, h.store.UpdateBotStatus(ctx, bot.BotID, domain.BotRunning, ""))

	// One position was still open when the previous process died.
	pos := &domain.TrackedPosition{
		ID:                   "pos-rec",
		BotID:                bot.BotID,
		UserID:               bot.UserID,
		Mode:                 domain.ModeSimulation,
		Status:               domain.PositionActive,
		PoolAddress:          "pool-rec",
		EntryPricePerToken:   1.0,
		EntryTime:            h.clock.Add(-10 * time.Minute),
		EntryAmountXLamports: domain.SOLToLamports(0.5),
		EntryAmountYLamports: domain.SOLToLamports(0.5),
	}
	require.NoError(t, h.store.InsertPosition(ctx, pos))

	blob, err := json.Marshal(safety.EmergencyState{
		DailyPnLSOL: -0.4,
		TotalPnLSOL: -0.4,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveEmergencyState(ctx, bot.BotID, blob))

	recovered := h.orch.RecoverRunningBots(ctx)
	assert.Equal(t, 1, recovered)
	require.True(t, h.orch.Running(bot.BotID))

	exposure, ok := h.orch.Exposure(bot.BotID)
	require.True(t, ok)
	assert.Equal(t, domain.SOLToLamports(1.0), exposure,
		"breaker must be synced to the restored position")

	snapshot, ok := h.orch.Safety(bot.BotID)
	require.True(t, ok)
	assert.InDelta(t, -0.4, snapshot.TotalPnLSOL, 1e-9)

	positions := h.orch.ActivePositions(bot.BotID)
	require.Len(t, positions, 1)
	assert.Equal(t, "pos-rec", positions[0].ID)

	require.NoError(t, h.orch.StopBot(ctx, bot.BotID))
}

func TestRecoveryFailureMarksBotError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := simConfig()
	cfg.Mode = domain.ModeLive // no wallet configured, must fail
	bot := h.createBot(t, "bot-broken", cfg)
	require.NoError(t, h.store.UpdateBotStatus(ctx, bot.BotID, domain.BotRunning, ""))

	recovered := h.orch.RecoverRunningBots(ctx)
	assert.Zero(t, recovered)
	assert.False(t, h.orch.Running(bot.BotID))

	row, err := h.store.GetBot(ctx, bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotError, row.Status)
	assert.Contains(t, row.LastError, "Recovery failed:")
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"bot-a", "bot-b", "bot-c"} {
		h.createBot(t, id, simConfig())
		require.NoError(t, h.orch.StartBot(ctx, id))
	}
	require.Equal(t, 3, h.orch.RunningCount())

	require.NoError(t, h.orch.StopAll(ctx))
	assert.Zero(t, h.orch.RunningCount())
}

func TestBridgePersistsLifecycleLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createBot(t, "bot-log", simConfig())

	require.NoError(t, h.orch.StartBot(ctx, "bot-log"))
	require.NoError(t, h.orch.StopBot(ctx, "bot-log"))

	entries, err := h.store.ListTradeLog(ctx, "bot-log", 10)
	require.NoError(t, err)

	var kinds []domain.TradeLogEvent
	for _, e := range entries {
		kinds = append(kinds, e.Event)
	}
	assert.Contains(t, kinds, domain.LogBotStarted)
	assert.Contains(t, kinds, domain.LogBotStopped)
}
