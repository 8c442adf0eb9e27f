package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/executor"
	"github.com/dlmmbot/dlmmbot/internal/ports"
	"github.com/dlmmbot/dlmmbot/internal/safety"
)

// fakeMarket serves a fixed pool set at an adjustable price.
type fakeMarket struct {
	mu    sync.Mutex
	pools []domain.Pool
	price float64
}

func (m *fakeMarket) setPrice(p float64) {
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
}

func (m *fakeMarket) ListEligiblePools(ctx context.Context, cfg domain.BotConfig) ([]domain.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Pool, len(m.pools))
	copy(out, m.pools)
	return out, nil
}

func (m *fakeMarket) Pool(ctx context.Context, address string) (*domain.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		if pool.Address == address {
			p := pool
			return &p, nil
		}
	}
	return nil, fmt.Errorf("unknown pool %s", address)
}

func (m *fakeMarket) ActiveBin(ctx context.Context, pool domain.Pool) (*domain.ActiveBin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &domain.ActiveBin{BinID: 100, PricePerToken: m.price}, nil
}

func (m *fakeMarket) MarketScore(pool domain.Pool, entryThreshold float64) domain.MarketScore {
	return domain.ComputeMarketScore(pool, domain.DefaultScoreParams(), entryThreshold)
}

// fakeSink collects emitted events.
type fakeSink struct {
	mu     sync.Mutex
	events []domain.BotEvent
}

func (s *fakeSink) Emit(event domain.BotEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *fakeSink) ofType(t domain.EventType) []domain.BotEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BotEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakePredictor scripts per-pool probabilities, answering in request order
// the way the real client does. unavailable simulates a model outage.
type fakePredictor struct {
	probs       map[string]float64
	threshold   float64
	unavailable bool
}

func (p *fakePredictor) Predict(ctx context.Context, features []domain.FeatureVector, poolAddresses []string) []ports.Prediction {
	if p.unavailable {
		return nil
	}
	out := make([]ports.Prediction, len(poolAddresses))
	for i, addr := range poolAddresses {
		out[i] = ports.Prediction{PoolAddress: addr, Probability: p.probs[addr]}
	}
	return out
}

func (p *fakePredictor) Health(ctx context.Context) *ports.PredictorHealth { return nil }

func (p *fakePredictor) Threshold() float64 {
	if p.threshold > 0 {
		return p.threshold
	}
	return 0.65
}

// strongPool scores 200 with the default calibration.
func strongPool(address string) domain.Pool {
	return domain.Pool{
		Address:      address,
		Name:         "TEST-SOL",
		MintX:        "MintX" + address,
		MintY:        domain.WrappedSOLMint,
		BinStep:      25,
		CurrentPrice: 1.0,
		Liquidity:    100_000,
		APR:          500,
		Volume1h:     50_000,
		Volume24h:    500_000,
		Fees24h:      5_000,
	}
}

// weakPool scores well below any sensible threshold.
func weakPool(address string) domain.Pool {
	return domain.Pool{
		Address:      address,
		Name:         "WEAK-SOL",
		MintY:        domain.WrappedSOLMint,
		BinStep:      25,
		CurrentPrice: 1.0,
		Liquidity:    5_000,
		Volume1h:     100,
		Volume24h:    1_000,
	}
}

func testConfig() domain.BotConfig {
	cfg := domain.BotConfig{
		Mode:                   domain.ModeSimulation,
		StrategyMode:           domain.StrategyRuleBased,
		EntryScoreThreshold:    150,
		MinVolume24h:           0,
		MaxConcurrentPositions: 2,
		ProfitTargetPercent:    10,
		StopLossPercent:        5,
		MaxHoldTimeMinutes:     60,
		CooldownMinutes:        30,
		MinPositionSOL:         0.1,
		MaxPositionSOL:         10,
	}
	cfg.Defaults()
	return cfg
}

type harness struct {
	engine *Engine
	market *fakeMarket
	exec   *executor.Simulation
	sink   *fakeSink
	stop   *safety.EmergencyStop
	clock  *time.Time
}

func newHarness(t *testing.T, cfg domain.BotConfig, pools []domain.Pool, opts ...Option) *harness {
	t.Helper()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	now := func() time.Time { return *clock }

	market := &fakeMarket{pools: pools, price: 1.0}
	exec := executor.NewSimulation("bot-1", "user-1", 10, market, slog.Default(), executor.WithSimClock(now))
	stop := safety.NewEmergencyStop(safety.DefaultLimits(), safety.WithClock(now))
	// The test clock is frozen between advances, so the inter-trade
	// cooldown gate would deny every entry after the first.
	limits := safety.DefaultBreakerLimits()
	limits.MinTimeBetweenTrades = 0
	breaker := safety.NewCircuitBreaker(limits, safety.WithBreakerClock(now))
	sink := &fakeSink{}

	opts = append([]Option{
		WithClock(now),
		WithEntrySleep(func(ctx context.Context, d time.Duration) {}),
	}, opts...)
	eng := New("bot-1", "user-1", cfg, market, exec, stop, breaker, sink, slog.Default(), opts...)
	return &harness{engine: eng, market: market, exec: exec, sink: sink, stop: stop, clock: clock}
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func TestScanOpensBestCandidates(t *testing.T) {
	pools := []domain.Pool{weakPool("pool-weak"), strongPool("pool-a"), strongPool("pool-b"), strongPool("pool-c")}
	h := newHarness(t, testConfig(), pools)

	h.engine.scan(context.Background())

	positions := h.exec.ActivePositions()
	require.Len(t, positions, 2, "capped at MaxConcurrentPositions")
	for _, pos := range positions {
		assert.NotEqual(t, "pool-weak", pos.PoolAddress)
		assert.Greater(t, pos.EntryScore, 150.0)
		require.NotNil(t, pos.EntryFeatures)
	}

	opened := h.sink.ofType(domain.EventPositionOpened)
	assert.Len(t, opened, 2)
	scans := h.sink.ofType(domain.EventScanCompleted)
	require.Len(t, scans, 1)
	summary := scans[0].Payload.(domain.ScanSummary)
	assert.Equal(t, 4, summary.Eligible)
	assert.Equal(t, 2, summary.Entered)
}

func TestScanSkippedByEmergencyStop(t *testing.T) {
	h := newHarness(t, testConfig(), []domain.Pool{strongPool("pool-a")})
	h.stop.ManualTrigger("operator halt")

	h.engine.scan(context.Background())

	assert.Empty(t, h.exec.ActivePositions())
	assert.Empty(t, h.sink.ofType(domain.EventScanCompleted))
}

func TestScanSkipsHeldAndCoolingPools(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPositions = 3
	h := newHarness(t, cfg, []domain.Pool{strongPool("pool-a")})

	h.engine.scan(context.Background())
	require.Len(t, h.exec.ActivePositions(), 1)

	// A second scan must not double-enter the held pool.
	h.engine.scan(context.Background())
	assert.Len(t, h.exec.ActivePositions(), 1)

	// After closing, the cooldown keeps the pool out until the window passes.
	pos := h.exec.ActivePositions()[0]
	_, err := h.engine.CloseByID(context.Background(), pos.ID, domain.ExitManual)
	require.NoError(t, err)

	h.advance(10 * time.Second)
	h.engine.scan(context.Background())
	assert.Empty(t, h.exec.ActivePositions(), "pool still cooling down")

	h.advance(31 * time.Minute)
	h.engine.scan(context.Background())
	assert.Len(t, h.exec.ActivePositions(), 1, "cooldown expired")
}

func TestCloseRecordsSafetyCounters(t *testing.T) {
	h := newHarness(t, testConfig(), []domain.Pool{strongPool("pool-a")})
	h.engine.scan(context.Background())
	require.Len(t, h.exec.ActivePositions(), 1)

	// Flat price close loses exactly the simulated tx fee.
	pos := h.exec.ActivePositions()[0]
	result, err := h.engine.CloseByID(context.Background(), pos.ID, domain.ExitManual)
	require.NoError(t, err)
	assert.Negative(t, result.RealizedPnLLamports)

	assert.Equal(t, 1, h.stop.ConsecutiveLosses())
	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.PositionsClosed)
	assert.Equal(t, 1, stats.Losses)

	closed := h.sink.ofType(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	payload := closed[0].Payload.(*domain.TrackedPosition)
	assert.Equal(t, domain.ExitManual, payload.ExitReason)
}

func TestCheckPositionsTakesProfit(t *testing.T) {
	h := newHarness(t, testConfig(), []domain.Pool{strongPool("pool-a")})
	h.engine.scan(context.Background())
	require.Len(t, h.exec.ActivePositions(), 1)

	h.market.setPrice(1.12)
	h.engine.checkPositions(context.Background())

	assert.Empty(t, h.exec.ActivePositions())
	closed := h.sink.ofType(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitTakeProfit, closed[0].Payload.(*domain.TrackedPosition).ExitReason)
}

func TestExitReasonOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.TrailingStopEnabled = true
	cfg.TrailingStopPercent = 5
	h := newHarness(t, cfg, nil)

	base := domain.TrackedPosition{
		EntryPricePerToken: 1.0,
		EntryTime:          h.clock.Add(-10 * time.Minute),
	}

	tests := []struct {
		name    string
		mutate  func(*domain.TrackedPosition)
		want    domain.ExitReason
		wantHit bool
	}{
		{
			name: "take profit beats max hold",
			mutate: func(p *domain.TrackedPosition) {
				p.CurrentPricePerToken = 1.11
				p.EntryTime = h.clock.Add(-2 * time.Hour)
			},
			want:    domain.ExitTakeProfit,
			wantHit: true,
		},
		{
			name: "armed trailing stop fires on giveback",
			mutate: func(p *domain.TrackedPosition) {
				p.HighWaterMarkPct = 8
				p.CurrentPricePerToken = 1.02
			},
			want:    domain.ExitTrailingStop,
			wantHit: true,
		},
		{
			name: "unarmed trailing stop defers to stop loss",
			mutate: func(p *domain.TrackedPosition) {
				p.HighWaterMarkPct = 4
				p.CurrentPricePerToken = 0.94
			},
			want:    domain.ExitStopLoss,
			wantHit: true,
		},
		{
			name: "max hold on a flat position",
			mutate: func(p *domain.TrackedPosition) {
				p.CurrentPricePerToken = 1.0
				p.EntryTime = h.clock.Add(-2 * time.Hour)
			},
			want:    domain.ExitMaxHold,
			wantHit: true,
		},
		{
			name: "young flat position stays open",
			mutate: func(p *domain.TrackedPosition) {
				p.CurrentPricePerToken = 1.0
			},
			wantHit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := base
			tt.mutate(&pos)
			reason, hit := h.engine.exitReason(&pos)
			assert.Equal(t, tt.wantHit, hit)
			if tt.wantHit {
				assert.Equal(t, tt.want, reason)
			}
		})
	}
}

func TestMLStrategyAdmitsByProbability(t *testing.T) {
	cfg := testConfig()
	cfg.StrategyMode = domain.StrategyML
	cfg.MaxConcurrentPositions = 3
	predictor := &fakePredictor{probs: map[string]float64{
		"pool-a": 0.9,
		"pool-b": 0.4,
	}}
	pools := []domain.Pool{strongPool("pool-a"), strongPool("pool-b")}
	h := newHarness(t, cfg, pools, WithPredictor(predictor))

	h.engine.scan(context.Background())

	positions := h.exec.ActivePositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "pool-a", positions[0].PoolAddress)
	assert.InDelta(t, 0.9, positions[0].MLProbability, 1e-9)
}

func TestMLStrategyFallsBackWhenModelDown(t *testing.T) {
	cfg := testConfig()
	cfg.StrategyMode = domain.StrategyML
	predictor := &fakePredictor{unavailable: true}
	h := newHarness(t, cfg, []domain.Pool{strongPool("pool-a")}, WithPredictor(predictor))

	h.engine.scan(context.Background())

	positions := h.exec.ActivePositions()
	require.Len(t, positions, 1)
	assert.Zero(t, positions[0].MLProbability, "rule-based fallback carries no probability")
}

func TestHybridStrategyRequiresModelAgreement(t *testing.T) {
	cfg := testConfig()
	cfg.StrategyMode = domain.StrategyHybrid
	predictor := &fakePredictor{probs: map[string]float64{"pool-a": 0.2}}
	h := newHarness(t, cfg, []domain.Pool{strongPool("pool-a")}, WithPredictor(predictor))

	h.engine.scan(context.Background())

	assert.Empty(t, h.exec.ActivePositions(), "model veto holds in hybrid mode")
}

func TestPositionSizing(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*domain.BotConfig)
		balanceSOL float64
		wantSOL    float64
	}{
		{"default ten percent", func(c *domain.BotConfig) {}, 10, 1},
		{"percent wins over fixed", func(c *domain.BotConfig) {
			c.PositionSizePercent = 20
			c.PositionSizeSOL = 5
		}, 10, 2},
		{"fixed size", func(c *domain.BotConfig) { c.PositionSizeSOL = 0.5 }, 10, 0.5},
		{"clamped to max", func(c *domain.BotConfig) {
			c.PositionSizePercent = 90
			c.MaxPositionSOL = 3
		}, 10, 3},
		{"clamped to spendable balance", func(c *domain.BotConfig) { c.PositionSizeSOL = 5 }, 2, 2 - 0.03},
		{"below minimum yields zero", func(c *domain.BotConfig) { c.PositionSizeSOL = 1 }, 0.05, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			h := newHarness(t, cfg, nil)
			got := h.engine.positionSizeLamports(domain.SOLToLamports(tt.balanceSOL))
			assert.Equal(t, domain.SOLToLamports(tt.wantSOL), got)
		})
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.CronIntervalSeconds = 3600
	cfg.PositionCheckIntervalSeconds = 3600
	h := newHarness(t, cfg, nil)

	require.NoError(t, h.engine.Start(context.Background()))
	assert.True(t, h.engine.Running())
	assert.Error(t, h.engine.Start(context.Background()), "double start rejected")

	h.engine.Stop()
	assert.False(t, h.engine.Running())
	h.engine.Stop() // idempotent

	assert.Len(t, h.sink.ofType(domain.EventEngineStarted), 1)
	assert.Len(t, h.sink.ofType(domain.EventEngineStopped), 1)
}

func TestCloseAllKeepsGoingPastFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPositions = 3
	pools := []domain.Pool{strongPool("pool-a"), strongPool("pool-b")}
	h := newHarness(t, cfg, pools)

	h.engine.scan(context.Background())
	require.Len(t, h.exec.ActivePositions(), 2)

	require.NoError(t, h.engine.CloseAll(context.Background(), domain.ExitEmergency))
	assert.Empty(t, h.exec.ActivePositions())
	assert.Len(t, h.sink.ofType(domain.EventPositionClosed), 2)
}
