package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
	"github.com/dlmmbot/dlmmbot/internal/safety"
)

const checkpointInterval = 30 * time.Second

// entrySpacing is the pause between consecutive entries within one scan so
// transactions do not land in the same slot.
const entrySpacing = 500 * time.Millisecond

// Engine runs one bot: periodic market scans open positions, a faster check
// loop evaluates exits, and a checkpoint loop emits price snapshots for
// persistence. All trading flows through the configured executor.
type Engine struct {
	botID  string
	userID string
	cfg    domain.BotConfig

	market    ports.MarketProvider
	exec      ports.Executor
	stop      *safety.EmergencyStop
	breaker   *safety.CircuitBreaker
	predictor ports.Predictor // nil when no model service is configured
	sink      ports.EventSink
	log       *slog.Logger
	now       func() time.Time

	cooldowns *cooldownRegistry

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stats    domain.EngineStats
	closing  map[string]struct{}
	scanning atomic.Bool
	sleep    func(ctx context.Context, d time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPredictor attaches the remote entry model.
func WithPredictor(p ports.Predictor) Option {
	return func(e *Engine) { e.predictor = p }
}

// WithEntrySleep replaces the inter-entry pause, for tests.
func WithEntrySleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// New builds an engine for one bot. cfg must already have Defaults applied.
func New(botID, userID string, cfg domain.BotConfig, market ports.MarketProvider, exec ports.Executor,
	stop *safety.EmergencyStop, breaker *safety.CircuitBreaker, sink ports.EventSink, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		botID:   botID,
		userID:  userID,
		cfg:     cfg,
		market:  market,
		exec:    exec,
		stop:    stop,
		breaker: breaker,
		sink:    sink,
		log:     log.With("bot", botID, "mode", cfg.Mode),
		now:     time.Now,
		closing: make(map[string]struct{}),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cooldowns = newCooldownRegistry(cfg.Cooldown(), e.now)
	return e
}

// SeedCooldowns preloads per-pool cooldowns, typically from persisted exits
// after a restart.
func (e *Engine) SeedCooldowns(exits map[string]time.Time) {
	e.cooldowns.load(exits)
}

// Start launches the engine loops. The first scan fires immediately in the
// background. Calling Start on a running engine is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine.Start %s: already running", e.botID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stats = domain.EngineStats{StartedAt: e.now()}
	e.mu.Unlock()

	e.breaker.SyncWith(toValues(e.exec.ActivePositions()))

	e.emit(domain.EventEngineStarted, nil)
	e.log.Info("engine started",
		"scan_interval", e.cfg.ScanInterval(),
		"check_interval", e.cfg.CheckInterval(),
		"strategy", e.cfg.StrategyMode)

	go e.run(runCtx)
	go e.scan(runCtx)
	return nil
}

// Stop halts the loops, emits a final checkpoint and waits for the run
// goroutine to exit. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.checkpoint()
	e.emit(domain.EventEngineStopped, nil)
	e.log.Info("engine stopped")
}

// Running reports whether the loops are active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns a snapshot of the per-run counters.
func (e *Engine) Stats() domain.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	scanTicker := time.NewTicker(e.cfg.ScanInterval())
	checkTicker := time.NewTicker(e.cfg.CheckInterval())
	checkpointTicker := time.NewTicker(checkpointInterval)
	defer scanTicker.Stop()
	defer checkTicker.Stop()
	defer checkpointTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			e.scan(ctx)
		case <-checkTicker.C:
			e.checkPositions(ctx)
		case <-checkpointTicker.C:
			e.checkpoint()
		}
	}
}

// ActivePositions lists the executor's currently held positions.
func (e *Engine) ActivePositions() []*domain.TrackedPosition {
	return e.exec.ActivePositions()
}

// Performance returns the executor's closed-trade summary.
func (e *Engine) Performance(ctx context.Context) domain.PerformanceSummary {
	return e.exec.PerformanceSummary(ctx)
}

// CloseByID closes one position through the executor and records the result.
func (e *Engine) CloseByID(ctx context.Context, positionID string, reason domain.ExitReason) (*ports.CloseResult, error) {
	return e.closePosition(ctx, positionID, reason)
}

// CloseAll closes every active position with the given reason. It keeps going
// past individual failures and returns the first error encountered.
func (e *Engine) CloseAll(ctx context.Context, reason domain.ExitReason) error {
	var firstErr error
	for _, pos := range e.exec.ActivePositions() {
		if _, err := e.closePosition(ctx, pos.ID, reason); err != nil {
			e.log.Error("close failed during close-all", "position", pos.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// closePosition is the single close path: every exit, whether ticker-driven,
// user-requested or emergency, settles here so the safety counters see each
// trade exactly once.
func (e *Engine) closePosition(ctx context.Context, positionID string, reason domain.ExitReason) (*ports.CloseResult, error) {
	e.mu.Lock()
	if _, busy := e.closing[positionID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine.closePosition %s: close already in progress", positionID)
	}
	e.closing[positionID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.closing, positionID)
		e.mu.Unlock()
	}()

	var snapshot *domain.TrackedPosition
	for _, pos := range e.exec.ActivePositions() {
		if pos.ID == positionID {
			snapshot = pos
			break
		}
	}

	result, err := e.exec.Close(ctx, positionID, reason)
	if err != nil {
		return nil, err
	}

	pnlSOL := domain.LamportsToSOL(result.RealizedPnLLamports)
	e.stop.RecordTradeResult(pnlSOL)
	if snapshot != nil {
		e.breaker.RecordPositionClosed(snapshot.PoolAddress, snapshot.EntryTotalLamports())
		e.cooldowns.record(snapshot.PoolAddress)
	}

	e.mu.Lock()
	e.stats.PositionsClosed++
	if result.RealizedPnLLamports >= 0 {
		e.stats.Wins++
	} else {
		e.stats.Losses++
	}
	e.stats.TotalPnLSOL += pnlSOL
	e.mu.Unlock()

	if snapshot != nil {
		closed := *snapshot
		closed.Status = domain.PositionClosed
		closed.ExitReason = reason
		closed.ExitTime = e.now()
		closed.ExitTxSignature = result.Signature
		closed.ExitPricePerToken = closed.CurrentPricePerToken
		closed.RealizedPnLLamports = result.RealizedPnLLamports
		closed.FeesEarnedXLamports = result.FeesXLamports
		closed.FeesEarnedYLamports = result.FeesYLamports
		e.emit(domain.EventPositionClosed, &closed)
	}

	e.log.Info("position closed",
		"position", positionID, "reason", reason, "pnl_sol", pnlSOL)
	return result, nil
}

// checkpoint emits a position:updated event per active position so the
// orchestrator can persist current prices and unrealized P&L.
func (e *Engine) checkpoint() {
	for _, pos := range e.exec.ActivePositions() {
		e.emit(domain.EventPositionUpdated, pos)
	}
}

func (e *Engine) emit(eventType domain.EventType, payload any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(domain.BotEvent{
		Type:      eventType,
		BotID:     e.botID,
		UserID:    e.userID,
		Timestamp: e.now(),
		Payload:   payload,
	})
}

func toValues(positions []*domain.TrackedPosition) []domain.TrackedPosition {
	out := make([]domain.TrackedPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, *p)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
