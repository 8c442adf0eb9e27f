// Package orchestrator manages the lifecycle of every running bot engine and
// bridges engine events into persistence and the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/adapters/meteora"
	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/engine"
	"github.com/dlmmbot/dlmmbot/internal/executor"
	"github.com/dlmmbot/dlmmbot/internal/ports"
	"github.com/dlmmbot/dlmmbot/internal/safety"
)

// runningBot is the orchestrator's handle on one live engine.
type runningBot struct {
	botID   string
	userID  string
	engine  *engine.Engine
	stop    *safety.EmergencyStop
	breaker *safety.CircuitBreaker
}

// Orchestrator is the process-wide bot manager. Start and stop of one bot
// serialise through a per-bot operation lock; different bots proceed in
// parallel.
type Orchestrator struct {
	store       ports.Storage
	cache       *meteora.Cache
	bus         ports.EventSink
	chain       ports.ChainClient // nil when live trading is not configured
	wallet      ports.Wallet      // nil when live trading is not configured
	liveEnabled bool
	predictor   ports.Predictor // nil when no model service is configured
	scoreParams domain.ScoreParams
	log         *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	bots map[string]*runningBot
	ops  map[string]*sync.Mutex
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLiveTrading wires the chain client and signing wallet. Without it every
// live-mode start is refused.
func WithLiveTrading(chain ports.ChainClient, wallet ports.Wallet) OrchestratorOption {
	return func(o *Orchestrator) {
		o.chain = chain
		o.wallet = wallet
		o.liveEnabled = chain != nil && wallet != nil
	}
}

// WithPredictor attaches the remote entry model for ml and hybrid bots.
func WithPredictor(p ports.Predictor) OrchestratorOption {
	return func(o *Orchestrator) { o.predictor = p }
}

// WithScoreParams overrides the market scoring buckets.
func WithScoreParams(params domain.ScoreParams) OrchestratorOption {
	return func(o *Orchestrator) { o.scoreParams = params }
}

// WithOrchestratorClock injects a clock for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator with no running bots.
func New(store ports.Storage, cache *meteora.Cache, bus ports.EventSink, log *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		cache:       cache,
		bus:         bus,
		scoreParams: domain.DefaultScoreParams(),
		log:         log.With("component", "orchestrator"),
		now:         time.Now,
		bots:        make(map[string]*runningBot),
		ops:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// opLock returns the operation lock for one bot, creating it on first use.
func (o *Orchestrator) opLock(botID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.ops[botID]
	if !ok {
		l = &sync.Mutex{}
		o.ops[botID] = l
	}
	return l
}

func (o *Orchestrator) running(botID string) *runningBot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bots[botID]
}

// Running reports whether a bot's engine is currently live.
func (o *Orchestrator) Running(botID string) bool {
	return o.running(botID) != nil
}

// RunningCount returns the number of live engines.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bots)
}

// Stats returns a running bot's engine counters, or false when stopped.
func (o *Orchestrator) Stats(botID string) (domain.EngineStats, bool) {
	rb := o.running(botID)
	if rb == nil {
		return domain.EngineStats{}, false
	}
	return rb.engine.Stats(), true
}

// ActivePositions returns a running bot's in-memory positions, or nil when
// the bot is stopped.
func (o *Orchestrator) ActivePositions(botID string) []*domain.TrackedPosition {
	rb := o.running(botID)
	if rb == nil {
		return nil
	}
	return rb.engine.ActivePositions()
}

// Performance returns a running bot's executor summary, or false when
// stopped.
func (o *Orchestrator) Performance(ctx context.Context, botID string) (domain.PerformanceSummary, bool) {
	rb := o.running(botID)
	if rb == nil {
		return domain.PerformanceSummary{}, false
	}
	return rb.engine.Performance(ctx), true
}

// SafetySnapshot is a read-only view of a running bot's emergency-stop
// counters.
type SafetySnapshot struct {
	Triggered         bool    `json:"triggered"`
	Reason            string  `json:"reason,omitempty"`
	DailyPnLSOL       float64 `json:"daily_pnl_sol"`
	TotalPnLSOL       float64 `json:"total_pnl_sol"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// Safety reports a running bot's emergency-stop counters, or false when the
// bot is stopped.
func (o *Orchestrator) Safety(botID string) (SafetySnapshot, bool) {
	rb := o.running(botID)
	if rb == nil {
		return SafetySnapshot{}, false
	}
	triggered, reason := rb.stop.Triggered()
	return SafetySnapshot{
		Triggered:         triggered,
		Reason:            reason,
		DailyPnLSOL:       rb.stop.DailyPnL(),
		TotalPnLSOL:       rb.stop.TotalPnL(),
		ConsecutiveLosses: rb.stop.ConsecutiveLosses(),
	}, true
}

// Exposure reports a running bot's circuit-breaker exposure in lamports, or
// false when the bot is stopped.
func (o *Orchestrator) Exposure(botID string) (int64, bool) {
	rb := o.running(botID)
	if rb == nil {
		return 0, false
	}
	return rb.breaker.Exposure(), true
}

// StartBot loads the bot row, assembles its safety systems and executor and
// launches the engine. It refuses when the bot is already running; live mode
// additionally requires a configured chain client and wallet.
func (o *Orchestrator) StartBot(ctx context.Context, botID string) error {
	lock := o.opLock(botID)
	lock.Lock()
	defer lock.Unlock()

	if o.running(botID) != nil {
		return fmt.Errorf("orchestrator.StartBot %s: bot already running", botID)
	}

	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("orchestrator.StartBot %s: %w", botID, err)
	}
	cfg := bot.Config
	cfg.Defaults()

	if err := o.store.UpdateBotStatus(ctx, botID, domain.BotStarting, ""); err != nil {
		return fmt.Errorf("orchestrator.StartBot %s: %w", botID, err)
	}

	rb, err := o.assemble(ctx, bot, cfg)
	if err != nil {
		o.markError(botID, err.Error())
		return fmt.Errorf("orchestrator.StartBot %s: %w", botID, err)
	}

	if err := rb.engine.Start(ctx); err != nil {
		o.markError(botID, err.Error())
		return fmt.Errorf("orchestrator.StartBot %s: %w", botID, err)
	}

	o.mu.Lock()
	o.bots[botID] = rb
	o.mu.Unlock()

	if err := o.store.UpdateBotStatus(ctx, botID, domain.BotRunning, ""); err != nil {
		o.log.Error("failed to persist running status", "bot", botID, "err", err)
	}
	o.log.Info("bot started", "bot", botID, "mode", cfg.Mode, "strategy", cfg.StrategyMode)
	return nil
}

// assemble builds the per-bot provider, safety systems, executor and engine.
func (o *Orchestrator) assemble(ctx context.Context, bot *domain.Bot, cfg domain.BotConfig) (*runningBot, error) {
	provider := engine.NewProvider(o.cache, o.chain, o.scoreParams, o.log)

	stop := safety.NewEmergencyStop(stopLimits(cfg), safety.WithClock(o.now))
	if state := safety.Deserialize(bot.EmergencyStopState); state != nil {
		stop.Restore(state)
	}
	breaker := safety.NewCircuitBreaker(breakerLimits(cfg), safety.WithBreakerClock(o.now))

	bridge := &eventBridge{orch: o}

	var exec ports.Executor
	switch cfg.Mode {
	case domain.ModeLive:
		if !o.liveEnabled {
			return nil, fmt.Errorf("live mode requires a configured chain client and wallet")
		}
		exec = executor.NewLive(bot.BotID, bot.UserID, cfg, provider, o.chain, o.wallet, stop, breaker, o.log)
	default:
		exec = executor.NewSimulation(bot.BotID, bot.UserID, cfg.SimulationInitialBalanceSOL, provider, o.log,
			executor.WithSimClock(o.now))
	}
	o.restorePositions(ctx, bot.BotID, exec)

	opts := []engine.Option{engine.WithClock(o.now)}
	if o.predictor != nil &&
		(cfg.StrategyMode == domain.StrategyML || cfg.StrategyMode == domain.StrategyHybrid) {
		opts = append(opts, engine.WithPredictor(o.predictor))
	}

	eng := engine.New(bot.BotID, bot.UserID, cfg, provider, exec, stop, breaker, bridge, o.log, opts...)

	if exits, err := o.store.RecentExits(ctx, bot.BotID, o.now().Add(-cfg.Cooldown())); err != nil {
		o.log.Warn("failed to load recent exits", "bot", bot.BotID, "err", err)
	} else {
		eng.SeedCooldowns(exits)
	}

	// The trigger body runs on its own goroutine: the stop fires callbacks
	// from inside engine call paths, and teardown must not re-enter them.
	stop.OnTrigger(func(reason string) {
		go o.handleEmergency(bot.BotID, reason)
	})

	return &runningBot{botID: bot.BotID, userID: bot.UserID, engine: eng, stop: stop, breaker: breaker}, nil
}

// restorePositions reloads a bot's non-terminal positions into the executor
// so the breaker and exit checks resume where the previous process left off.
func (o *Orchestrator) restorePositions(ctx context.Context, botID string, exec ports.Executor) {
	positions, err := o.store.ListPositionsByBot(ctx, botID)
	if err != nil {
		o.log.Warn("failed to load positions for restore", "bot", botID, "err", err)
		return
	}
	var open []domain.TrackedPosition
	for _, p := range positions {
		if !p.Status.Terminal() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return
	}
	type restorer interface {
		Restore(positions []domain.TrackedPosition)
	}
	if r, ok := exec.(restorer); ok {
		r.Restore(open)
		o.log.Info("restored positions", "bot", botID, "count", len(open))
	}
}

// StopBot gracefully stops a bot's engine and persists its emergency-stop
// state. Stopping a bot that is not running is a no-op.
func (o *Orchestrator) StopBot(ctx context.Context, botID string) error {
	lock := o.opLock(botID)
	lock.Lock()
	defer lock.Unlock()

	rb := o.running(botID)
	if rb == nil {
		return nil
	}

	if err := o.store.UpdateBotStatus(ctx, botID, domain.BotStopping, ""); err != nil {
		o.log.Error("failed to persist stopping status", "bot", botID, "err", err)
	}

	rb.engine.Stop()
	o.persistStopState(ctx, rb)

	o.mu.Lock()
	delete(o.bots, botID)
	o.mu.Unlock()

	if err := o.store.UpdateBotStatus(ctx, botID, domain.BotStopped, ""); err != nil {
		o.log.Error("failed to persist stopped status", "bot", botID, "err", err)
	}
	o.log.Info("bot stopped", "bot", botID)
	return nil
}

// EmergencyStop manually trips a running bot's safety system. The trigger
// callback chain closes positions and tears the engine down.
func (o *Orchestrator) EmergencyStop(botID, reason string) error {
	rb := o.running(botID)
	if rb == nil {
		return fmt.Errorf("orchestrator.EmergencyStop %s: bot not running", botID)
	}
	rb.stop.ManualTrigger(reason)
	return nil
}

// handleEmergency is the trigger-callback body: close everything, stop the
// engine, mark the bot row and broadcast the failure.
func (o *Orchestrator) handleEmergency(botID, reason string) {
	lock := o.opLock(botID)
	lock.Lock()
	defer lock.Unlock()

	rb := o.running(botID)
	if rb == nil {
		return
	}
	ctx := context.Background()

	o.log.Warn("emergency stop triggered", "bot", botID, "reason", reason)
	if err := rb.engine.CloseAll(ctx, domain.ExitEmergency); err != nil {
		o.log.Error("emergency close-all failed", "bot", botID, "err", err)
	}
	rb.engine.Stop()
	o.persistStopState(ctx, rb)

	o.mu.Lock()
	delete(o.bots, botID)
	o.mu.Unlock()

	o.markError(botID, "Emergency stop: "+reason)
	event := domain.BotEvent{
		Type:      domain.EventEngineError,
		BotID:     botID,
		UserID:    rb.userID,
		Timestamp: o.now(),
		Payload:   map[string]any{"reason": reason},
	}
	o.appendLog(ctx, event, "", domain.LogBotError, map[string]any{"reason": reason})
	o.forward(event)
}

// StopAll stops every running bot and waits for all of them to settle.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.bots))
	for id := range o.bots {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.StopBot(ctx, id); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// RecoverRunningBots restarts every bot persisted as running by a previous
// process. Bots that fail to start are marked error with the cause.
func (o *Orchestrator) RecoverRunningBots(ctx context.Context) int {
	bots, err := o.store.ListBotsByStatus(ctx, domain.BotRunning)
	if err != nil {
		o.log.Error("failed to list bots for recovery", "err", err)
		return 0
	}

	recovered := 0
	for _, bot := range bots {
		if err := o.StartBot(ctx, bot.BotID); err != nil {
			o.log.Error("bot recovery failed", "bot", bot.BotID, "err", err)
			o.markError(bot.BotID, "Recovery failed: "+err.Error())
			continue
		}
		recovered++
	}
	if len(bots) > 0 {
		o.log.Info("bot recovery finished", "found", len(bots), "recovered", recovered)
	}
	return recovered
}

// CloseUserPosition routes a user-initiated close through the owning engine.
func (o *Orchestrator) CloseUserPosition(ctx context.Context, botID, positionID string) error {
	rb := o.running(botID)
	if rb == nil {
		return fmt.Errorf("orchestrator.CloseUserPosition %s: bot not running", botID)
	}
	if _, err := rb.engine.CloseByID(ctx, positionID, domain.ExitManual); err != nil {
		return fmt.Errorf("orchestrator.CloseUserPosition %s: %w", positionID, err)
	}
	return nil
}

func (o *Orchestrator) persistStopState(ctx context.Context, rb *runningBot) {
	blob, err := rb.stop.Serialize()
	if err != nil {
		o.log.Error("failed to serialize emergency-stop state", "bot", rb.botID, "err", err)
		return
	}
	if err := o.store.SaveEmergencyState(ctx, rb.botID, blob); err != nil {
		o.log.Error("failed to persist emergency-stop state", "bot", rb.botID, "err", err)
	}
}

func (o *Orchestrator) markError(botID, cause string) {
	if err := o.store.UpdateBotStatus(context.Background(), botID, domain.BotError, cause); err != nil {
		o.log.Error("failed to persist error status", "bot", botID, "err", err)
	}
}

func (o *Orchestrator) forward(event domain.BotEvent) {
	if o.bus != nil {
		o.bus.Emit(event)
	}
}

// stopLimits derives emergency-stop thresholds from the bot config, keeping
// the conservative defaults for everything the config does not cover.
func stopLimits(cfg domain.BotConfig) safety.Limits {
	limits := safety.DefaultLimits()
	if cfg.MaxDailyLossSOL > 0 {
		limits.MaxDailyLossSOL = cfg.MaxDailyLossSOL
		limits.MaxTotalLossSOL = cfg.MaxDailyLossSOL * 3
	}
	return limits
}

// breakerLimits derives circuit-breaker caps from the bot config.
func breakerLimits(cfg domain.BotConfig) safety.BreakerLimits {
	limits := safety.DefaultBreakerLimits()
	if cfg.MaxConcurrentPositions > 0 {
		limits.MaxTotalPositions = cfg.MaxConcurrentPositions
	}
	if cfg.MaxPositionSOL > 0 {
		limits.MaxSinglePositionLamports = domain.SOLToLamports(cfg.MaxPositionSOL)
		limits.MaxTotalExposureLamports = domain.SOLToLamports(cfg.MaxPositionSOL * float64(limits.MaxTotalPositions))
	}
	return limits
}
