package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// Simulation tuning.
const (
	simTxFeeLamports = 5_000
	// Linear accrual rate of the estimated LP fee income, per hour of hold
	// time, as a fraction of entry value.
	simFeeRatePerHour = 0.001
)

// Simulation is the paper-trading executor. It tracks a virtual balance and
// estimates fee income from hold time; nothing touches the chain.
type Simulation struct {
	botID  string
	userID string
	market ports.MarketProvider
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	balance   int64
	positions map[string]*domain.TrackedPosition

	stats tally
}

// SimulationOption configures a Simulation executor.
type SimulationOption func(*Simulation)

// WithSimClock injects a clock for tests.
func WithSimClock(now func() time.Time) SimulationOption {
	return func(s *Simulation) { s.now = now }
}

// NewSimulation creates a paper executor funded with the configured virtual
// balance.
func NewSimulation(botID, userID string, initialBalanceSOL float64, market ports.MarketProvider, log *slog.Logger, opts ...SimulationOption) *Simulation {
	s := &Simulation{
		botID:     botID,
		userID:    userID,
		market:    market,
		log:       log.With("executor", "simulation", "bot", botID),
		now:       time.Now,
		balance:   domain.SOLToLamports(initialBalanceSOL),
		positions: make(map[string]*domain.TrackedPosition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open deducts the entry amount plus a nominal fee from the virtual balance
// and records the position at the pool's current active bin.
func (s *Simulation) Open(ctx context.Context, req ports.OpenRequest) (*ports.OpenResult, error) {
	bin, err := s.market.ActiveBin(ctx, req.Pool)
	if err != nil {
		return nil, fmt.Errorf("executor.Open %s: active bin: %w", req.Pool.Address, err)
	}

	total := req.AmountXLamports + req.AmountYLamports
	cost := total + simTxFeeLamports

	s.mu.Lock()
	if s.balance < cost {
		balance := s.balance
		s.mu.Unlock()
		return nil, fmt.Errorf("executor.Open %s: insufficient virtual balance: have %.4f SOL, need %.4f SOL",
			req.Pool.Address, domain.LamportsToSOL(balance), domain.LamportsToSOL(cost))
	}
	s.balance -= cost

	id := uuid.NewString()
	pos := &domain.TrackedPosition{
		ID:                   id,
		BotID:                s.botID,
		UserID:               s.userID,
		Mode:                 domain.ModeSimulation,
		Status:               domain.PositionActive,
		PoolAddress:          req.Pool.Address,
		PoolName:             req.Pool.Name,
		MintX:                req.Pool.MintX,
		MintY:                req.Pool.MintY,
		BinStep:              req.Pool.BinStep,
		EntryBinID:           bin.BinID,
		EntryPricePerToken:   bin.PricePerToken,
		EntryTime:            s.now(),
		EntryAmountXLamports: req.AmountXLamports,
		EntryAmountYLamports: req.AmountYLamports,
		EntryTxSignature:     "SIM-" + id[:8],
		EntryTxCostLamports:  simTxFeeLamports,
		EntryScore:           req.EntryScore,
		MLProbability:        req.MLProbability,
		EntryFeatures:        req.EntryFeatures,
		CurrentPricePerToken: bin.PricePerToken,
	}
	s.positions[id] = pos
	s.mu.Unlock()

	s.log.Info("simulated position opened",
		"position", id, "pool", req.Pool.Address,
		"amount_sol", domain.LamportsToSOL(total), "bin", bin.BinID)
	return &ports.OpenResult{Position: clonePosition(pos), Signature: pos.EntryTxSignature}, nil
}

// Update refreshes the current price from the market provider and accrues
// the linear-time fee estimate. Unknown ids return nil.
func (s *Simulation) Update(ctx context.Context, positionID string) (*domain.TrackedPosition, error) {
	s.mu.Lock()
	pos, ok := s.positions[positionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	pool := domain.Pool{Address: pos.PoolAddress, BinStep: pos.BinStep}
	s.mu.Unlock()

	if full, err := s.market.Pool(ctx, pool.Address); err == nil {
		pool = *full
	}
	bin, err := s.market.ActiveBin(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("executor.Update %s: active bin: %w", positionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok = s.positions[positionID]
	if !ok {
		return nil, nil
	}
	pos.CurrentPricePerToken = bin.PricePerToken

	hours := s.now().Sub(pos.EntryTime).Hours()
	if hours > 0 {
		accrued := float64(pos.EntryTotalLamports()) * simFeeRatePerHour * hours
		pos.FeesEarnedYLamports = int64(math.Round(accrued))
	}
	if pnl := pos.PnLPercent(); pnl > pos.HighWaterMarkPct {
		pos.HighWaterMarkPct = pnl
	}
	return clonePosition(pos), nil
}

// Close settles the position from price change plus accrued fees, credits
// the virtual balance and sets the terminal fields.
func (s *Simulation) Close(ctx context.Context, positionID string, reason domain.ExitReason) (*ports.CloseResult, error) {
	s.mu.Lock()
	pos, ok := s.positions[positionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("executor.Close: unknown position %s", positionID)
	}

	entryTotal := pos.EntryTotalLamports()
	pnl := priceChangeLamports(entryTotal, pos.EntryPricePerToken, pos.CurrentPricePerToken) +
		pos.FeesEarnedXLamports + pos.FeesEarnedYLamports - simTxFeeLamports

	pos.Status = domain.PositionClosed
	pos.ExitReason = reason
	pos.ExitTime = s.now()
	pos.ExitPricePerToken = pos.CurrentPricePerToken
	pos.ExitTxSignature = "SIM-CLOSE-" + positionID[:8]
	pos.ExitTxCostLamports = simTxFeeLamports
	pos.RealizedPnLLamports = pnl

	s.balance += entryTotal + pnl
	delete(s.positions, positionID)
	s.mu.Unlock()

	s.stats.record(pnl)
	s.log.Info("simulated position closed",
		"position", positionID, "reason", reason,
		"pnl_sol", domain.LamportsToSOL(pnl))
	return &ports.CloseResult{
		Signature:           pos.ExitTxSignature,
		RealizedPnLLamports: pnl,
		FeesXLamports:       pos.FeesEarnedXLamports,
		FeesYLamports:       pos.FeesEarnedYLamports,
	}, nil
}

// ActivePositions lists open simulated positions.
func (s *Simulation) ActivePositions() []*domain.TrackedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TrackedPosition, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, clonePosition(pos))
	}
	return out
}

// Balance returns the virtual balance.
func (s *Simulation) Balance(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

// PerformanceSummary aggregates closed simulated trades.
func (s *Simulation) PerformanceSummary(ctx context.Context) domain.PerformanceSummary {
	balance, _ := s.Balance(ctx)
	return s.stats.summary(balance)
}

// Restore re-adopts previously persisted active positions after a restart.
func (s *Simulation) Restore(positions []domain.TrackedPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range positions {
		pos := positions[i]
		s.positions[pos.ID] = &pos
	}
}

func clonePosition(p *domain.TrackedPosition) *domain.TrackedPosition {
	cp := *p
	if p.EntryFeatures != nil {
		fv := *p.EntryFeatures
		cp.EntryFeatures = &fv
	}
	return &cp
}
