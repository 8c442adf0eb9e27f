package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
	"github.com/dlmmbot/dlmmbot/internal/safety"
)

// ErrGateDenied wraps safety-gate refusals so the engine can tell them from
// transport failures.
var ErrGateDenied = errors.New("safety gate denied")

// Live is the on-chain executor. Every open passes the emergency-stop, the
// circuit-breaker and the wallet check, in that order, before any lamport
// moves.
type Live struct {
	botID   string
	userID  string
	cfg     domain.BotConfig
	market  ports.MarketProvider
	chain   ports.ChainClient
	wallet  ports.Wallet
	stop    *safety.EmergencyStop
	breaker *safety.CircuitBreaker
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	positions map[string]*domain.TrackedPosition

	stats tally
}

// NewLive wires the live executor. The wallet must already be loaded and
// validated by the orchestrator.
func NewLive(botID, userID string, cfg domain.BotConfig, market ports.MarketProvider, chain ports.ChainClient, wallet ports.Wallet, stop *safety.EmergencyStop, breaker *safety.CircuitBreaker, log *slog.Logger) *Live {
	return &Live{
		botID:     botID,
		userID:    userID,
		cfg:       cfg,
		market:    market,
		chain:     chain,
		wallet:    wallet,
		stop:      stop,
		breaker:   breaker,
		log:       log.With("executor", "live", "bot", botID),
		now:       time.Now,
		positions: make(map[string]*domain.TrackedPosition),
	}
}

// Open gates, sizes and sends the create-and-fund transaction. The amount is
// scaled down, preserving the X:Y ratio, when the wallet cannot cover the
// request above the rent reserve.
func (l *Live) Open(ctx context.Context, req ports.OpenRequest) (*ports.OpenResult, error) {
	if gate := l.stop.CanTrade(); !gate.Allowed {
		return nil, fmt.Errorf("executor.Open %s: %w: %s", req.Pool.Address, ErrGateDenied, gate.Reason)
	}
	total := req.AmountXLamports + req.AmountYLamports
	if gate := l.breaker.CanOpen(req.Pool.Address, total); !gate.Allowed {
		return nil, fmt.Errorf("executor.Open %s: %w: %s", req.Pool.Address, ErrGateDenied, gate.Reason)
	}
	if l.wallet == nil {
		return nil, fmt.Errorf("executor.Open %s: %w: no wallet loaded", req.Pool.Address, ErrGateDenied)
	}
	balance, err := l.chain.Balance(ctx, l.wallet.Address())
	if err != nil {
		l.stop.RecordAPIError()
		return nil, fmt.Errorf("executor.Open %s: wallet balance: %w", req.Pool.Address, err)
	}
	if balance <= RentReserveLamports {
		return nil, fmt.Errorf("executor.Open %s: %w: balance %.4f SOL below rent reserve", req.Pool.Address, ErrGateDenied, domain.LamportsToSOL(balance))
	}

	amountX, amountY := req.AmountXLamports, req.AmountYLamports
	if spendable := balance - RentReserveLamports; spendable < total {
		scale := float64(spendable) / float64(total)
		amountX = int64(math.Floor(float64(amountX) * scale))
		amountY = int64(math.Floor(float64(amountY) * scale))
		adjusted := amountX + amountY
		if adjusted < domain.SOLToLamports(l.cfg.MinPositionSOL) {
			return nil, fmt.Errorf("executor.Open %s: adjusted size %.4f SOL below minimum %.2f SOL",
				req.Pool.Address, domain.LamportsToSOL(adjusted), l.cfg.MinPositionSOL)
		}
		l.log.Info("position size adjusted to wallet balance",
			"pool", req.Pool.Address,
			"requested_sol", domain.LamportsToSOL(total),
			"adjusted_sol", domain.LamportsToSOL(adjusted))
	}

	bin, err := l.market.ActiveBin(ctx, req.Pool)
	if err != nil {
		l.stop.RecordAPIError()
		return nil, fmt.Errorf("executor.Open %s: active bin: %w", req.Pool.Address, err)
	}

	result, err := l.chain.CreatePosition(ctx, ports.CreatePositionRequest{
		PoolAddress:     req.Pool.Address,
		LowerBinID:      bin.BinID - req.BinRange,
		UpperBinID:      bin.BinID + req.BinRange,
		AmountXLamports: amountX,
		AmountYLamports: amountY,
	})
	if err != nil {
		l.stop.RecordTxFailure()
		return nil, fmt.Errorf("executor.Open %s: %w", req.Pool.Address, err)
	}

	pos := &domain.TrackedPosition{
		ID:                   result.PositionAddress,
		BotID:                l.botID,
		UserID:               l.userID,
		Mode:                 domain.ModeLive,
		Status:               domain.PositionActive,
		PoolAddress:          req.Pool.Address,
		PoolName:             req.Pool.Name,
		MintX:                req.Pool.MintX,
		MintY:                req.Pool.MintY,
		BinStep:              req.Pool.BinStep,
		EntryBinID:           bin.BinID,
		EntryPricePerToken:   bin.PricePerToken,
		EntryTime:            l.now(),
		EntryAmountXLamports: amountX,
		EntryAmountYLamports: amountY,
		EntryTxSignature:     result.Signature,
		EntryTxCostLamports:  result.FeeLamports,
		EntryScore:           req.EntryScore,
		MLProbability:        req.MLProbability,
		EntryFeatures:        req.EntryFeatures,
		CurrentPricePerToken: bin.PricePerToken,
	}
	l.mu.Lock()
	l.positions[pos.ID] = pos
	l.mu.Unlock()

	l.log.Info("live position opened",
		"position", pos.ID, "pool", req.Pool.Address,
		"amount_sol", domain.LamportsToSOL(amountX+amountY),
		"signature", result.Signature, "fee_lamports", result.FeeLamports)
	return &ports.OpenResult{Position: clonePosition(pos), Signature: result.Signature}, nil
}

// Update refreshes price and fees from the chain. The fee snapshot is
// monotone: the stored value only moves up.
func (l *Live) Update(ctx context.Context, positionID string) (*domain.TrackedPosition, error) {
	l.mu.Lock()
	pos, ok := l.positions[positionID]
	if !ok {
		l.mu.Unlock()
		return nil, nil
	}
	pool := domain.Pool{Address: pos.PoolAddress, BinStep: pos.BinStep}
	l.mu.Unlock()

	if full, err := l.market.Pool(ctx, pool.Address); err == nil {
		pool = *full
	}
	bin, err := l.market.ActiveBin(ctx, pool)
	if err != nil {
		l.stop.RecordAPIError()
		return nil, fmt.Errorf("executor.Update %s: active bin: %w", positionID, err)
	}
	fees, err := l.chain.PositionFees(ctx, positionID)
	if err != nil {
		l.stop.RecordAPIError()
		return nil, fmt.Errorf("executor.Update %s: fees: %w", positionID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok = l.positions[positionID]
	if !ok {
		return nil, nil
	}
	pos.CurrentPricePerToken = bin.PricePerToken
	pos.FeesEarnedXLamports = max(pos.FeesEarnedXLamports, fees.FeesXLamports)
	pos.FeesEarnedYLamports = max(pos.FeesEarnedYLamports, fees.FeesYLamports)
	if pnl := pos.PnLPercent(); pnl > pos.HighWaterMarkPct {
		pos.HighWaterMarkPct = pnl
	}
	return clonePosition(pos), nil
}

// Close snapshots fees, removes liquidity on-chain, settles P&L and kicks
// off the dust swap in the background.
func (l *Live) Close(ctx context.Context, positionID string, reason domain.ExitReason) (*ports.CloseResult, error) {
	l.mu.Lock()
	pos, ok := l.positions[positionID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("executor.Close: unknown position %s", positionID)
	}
	pos.Status = domain.PositionClosing
	l.mu.Unlock()

	// Final fee snapshot before the claim; fees only grow, so keep the max
	// of the prior value and the chain's.
	if fees, err := l.chain.PositionFees(ctx, positionID); err == nil {
		l.mu.Lock()
		pos.FeesEarnedXLamports = max(pos.FeesEarnedXLamports, fees.FeesXLamports)
		pos.FeesEarnedYLamports = max(pos.FeesEarnedYLamports, fees.FeesYLamports)
		l.mu.Unlock()
	} else {
		l.stop.RecordAPIError()
		l.log.Warn("fee snapshot before close failed", "position", positionID, "err", err)
	}

	result, err := l.chain.ClosePosition(ctx, positionID)
	if err != nil {
		l.stop.RecordTxFailure()
		l.mu.Lock()
		pos.Status = domain.PositionError
		pos.LastError = err.Error()
		l.mu.Unlock()
		return nil, fmt.Errorf("executor.Close %s: %w", positionID, err)
	}

	l.mu.Lock()
	entryTotal := pos.EntryTotalLamports()
	feesTotal := pos.FeesEarnedXLamports + pos.FeesEarnedYLamports
	txCosts := pos.EntryTxCostLamports + result.FeeLamports
	pnl := priceChangeLamports(entryTotal, pos.EntryPricePerToken, pos.CurrentPricePerToken) + feesTotal - txCosts

	pos.Status = domain.PositionClosed
	pos.ExitReason = reason
	pos.ExitTime = l.now()
	pos.ExitPricePerToken = pos.CurrentPricePerToken
	pos.ExitTxSignature = result.Signature
	pos.ExitTxCostLamports = result.FeeLamports
	pos.RealizedPnLLamports = pnl
	closed := clonePosition(pos)
	delete(l.positions, positionID)
	l.mu.Unlock()

	l.stats.record(pnl)
	l.log.Info("live position closed",
		"position", positionID, "reason", reason,
		"pnl_sol", domain.LamportsToSOL(pnl), "signature", result.Signature)

	go l.swapDust(context.WithoutCancel(ctx), closed)

	return &ports.CloseResult{
		Signature:           result.Signature,
		RealizedPnLLamports: pnl,
		FeesXLamports:       closed.FeesEarnedXLamports,
		FeesYLamports:       closed.FeesEarnedYLamports,
	}, nil
}

// swapDust routes the leftover non-SOL side back to SOL. Failures are logged
// and never affect the close.
func (l *Live) swapDust(ctx context.Context, pos *domain.TrackedPosition) {
	mint := pos.MintX
	amount := pos.EntryAmountXLamports + pos.FeesEarnedXLamports
	if mint == domain.WrappedSOLMint {
		mint = pos.MintY
		amount = pos.EntryAmountYLamports + pos.FeesEarnedYLamports
	}
	if mint == domain.WrappedSOLMint || amount <= 0 {
		return
	}
	result, err := l.chain.SwapToSOL(ctx, mint, amount)
	if err != nil {
		l.log.Warn("dust swap failed", "position", pos.ID, "mint", mint, "err", err)
		return
	}
	l.log.Info("dust swapped back to SOL",
		"position", pos.ID, "mint", mint, "signature", result.Signature)
}

// ActivePositions lists open live positions.
func (l *Live) ActivePositions() []*domain.TrackedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.TrackedPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, clonePosition(pos))
	}
	return out
}

// Balance returns the wallet's lamport balance.
func (l *Live) Balance(ctx context.Context) (int64, error) {
	if l.wallet == nil {
		return 0, fmt.Errorf("executor.Balance: no wallet loaded")
	}
	balance, err := l.chain.Balance(ctx, l.wallet.Address())
	if err != nil {
		l.stop.RecordAPIError()
		return 0, fmt.Errorf("executor.Balance: %w", err)
	}
	return balance, nil
}

// PerformanceSummary aggregates closed live trades.
func (l *Live) PerformanceSummary(ctx context.Context) domain.PerformanceSummary {
	balance, err := l.Balance(ctx)
	if err != nil {
		balance = 0
	}
	return l.stats.summary(balance)
}

// Restore re-adopts previously persisted active positions after a restart.
func (l *Live) Restore(positions []domain.TrackedPosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range positions {
		pos := positions[i]
		l.positions[pos.ID] = &pos
	}
}
