package engine

import (
	"context"
	"math"
	"sort"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/executor"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// mlPrefilterSize caps how many pools are sent to the predictor per scan,
// picked by 1h volume.
const mlPrefilterSize = 30

// candidate is a pool that passed strategy selection and is ready to enter.
type candidate struct {
	pool        domain.Pool
	score       float64
	probability float64
	features    *domain.FeatureVector
	hasML       bool
}

// scan runs one market pass: gate, find candidates, open positions. Re-entrant
// calls while a scan is still running are dropped.
func (e *Engine) scan(ctx context.Context) {
	if !e.scanning.CompareAndSwap(false, true) {
		e.log.Debug("scan skipped, previous scan still running")
		return
	}
	defer e.scanning.Store(false)

	e.mu.Lock()
	e.stats.TotalScans++
	e.mu.Unlock()

	if gate := e.stop.CanTrade(); !gate.Allowed {
		e.log.Warn("scan skipped by emergency stop", "reason", gate.Reason)
		return
	}

	held := e.exec.ActivePositions()
	slots := e.cfg.MaxConcurrentPositions - len(held)
	if slots <= 0 {
		return
	}

	balance, err := e.exec.Balance(ctx)
	if err != nil {
		e.log.Error("scan aborted, balance unavailable", "err", err)
		return
	}

	pools, err := e.market.ListEligiblePools(ctx, e.cfg)
	if err != nil {
		e.log.Error("scan aborted, pool listing failed", "err", err)
		return
	}

	heldPools := make(map[string]struct{}, len(held))
	for _, pos := range held {
		heldPools[pos.PoolAddress] = struct{}{}
	}
	filtered := pools[:0]
	for _, pool := range pools {
		if _, open := heldPools[pool.Address]; open {
			continue
		}
		if e.cooldowns.active(pool.Address) {
			continue
		}
		filtered = append(filtered, pool)
	}

	candidates := e.selectCandidates(ctx, filtered)
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	entered := 0
	for i, cand := range candidates {
		if i > 0 {
			e.sleep(ctx, entrySpacing)
		}
		if ctx.Err() != nil {
			break
		}
		if e.enter(ctx, cand, balance) {
			entered++
		}
	}

	e.emit(domain.EventScanCompleted, domain.ScanSummary{Eligible: len(filtered), Entered: entered})
	e.log.Info("scan completed", "eligible", len(filtered), "candidates", len(candidates), "entered", entered)
}

// selectCandidates applies the configured strategy to the filtered pool set.
func (e *Engine) selectCandidates(ctx context.Context, pools []domain.Pool) []candidate {
	switch e.cfg.StrategyMode {
	case domain.StrategyML:
		return e.selectML(ctx, pools)
	case domain.StrategyHybrid:
		return e.selectHybrid(ctx, pools)
	default:
		return e.selectRuleBased(pools)
	}
}

// selectRuleBased admits pools whose market score clears the entry threshold,
// best first.
func (e *Engine) selectRuleBased(pools []domain.Pool) []candidate {
	out := make([]candidate, 0, len(pools))
	for _, pool := range pools {
		score := e.market.MarketScore(pool, e.cfg.EntryScoreThreshold)
		if score.Total < e.cfg.EntryScoreThreshold {
			continue
		}
		features := domain.ExtractFeatures(pool)
		out = append(out, candidate{pool: pool, score: score.Total, features: &features})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// selectML prefilters by 1h volume, batch-scores the survivors with the
// remote model and admits by probability. When the model is unavailable the
// scan falls back to rule-based selection.
func (e *Engine) selectML(ctx context.Context, pools []domain.Pool) []candidate {
	if e.predictor == nil {
		return e.selectRuleBased(pools)
	}

	sort.Slice(pools, func(i, j int) bool { return pools[i].Volume1h > pools[j].Volume1h })
	if len(pools) > mlPrefilterSize {
		pools = pools[:mlPrefilterSize]
	}
	if len(pools) == 0 {
		return nil
	}

	features := make([]domain.FeatureVector, len(pools))
	addresses := make([]string, len(pools))
	for i, pool := range pools {
		features[i] = domain.ExtractFeatures(pool)
		addresses[i] = pool.Address
	}

	predictions := e.predictor.Predict(ctx, features, addresses)
	if predictions == nil {
		e.log.Warn("predictor unavailable, falling back to rule-based selection")
		return e.selectRuleBased(pools)
	}

	threshold := e.predictor.Threshold()
	out := make([]candidate, 0, len(predictions))
	for i, pred := range predictions {
		if pred.Probability < threshold {
			continue
		}
		score := e.market.MarketScore(pools[i], e.cfg.EntryScoreThreshold)
		fv := features[i]
		out = append(out, candidate{
			pool:        pools[i],
			score:       score.Total,
			probability: pred.Probability,
			features:    &fv,
			hasML:       true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].probability > out[j].probability })
	return out
}

// selectHybrid takes the rule-based top ten and requires the model to also
// recommend entry. With the model down, the rule-based ranking stands alone.
func (e *Engine) selectHybrid(ctx context.Context, pools []domain.Pool) []candidate {
	ruleRanked := e.selectRuleBased(pools)
	if len(ruleRanked) > 10 {
		ruleRanked = ruleRanked[:10]
	}
	if len(ruleRanked) == 0 {
		return nil
	}
	if e.predictor == nil {
		return ruleRanked
	}

	features := make([]domain.FeatureVector, len(ruleRanked))
	addresses := make([]string, len(ruleRanked))
	for i, cand := range ruleRanked {
		features[i] = *cand.features
		addresses[i] = cand.pool.Address
	}

	predictions := e.predictor.Predict(ctx, features, addresses)
	if predictions == nil {
		e.log.Warn("predictor unavailable, keeping rule-based ranking")
		return ruleRanked
	}

	threshold := e.predictor.Threshold()
	out := make([]candidate, 0, len(ruleRanked))
	for i, pred := range predictions {
		if pred.Probability < threshold {
			continue
		}
		cand := ruleRanked[i]
		cand.probability = pred.Probability
		cand.hasML = true
		out = append(out, cand)
	}
	return out
}

// enter sizes and opens one position. Safety gates are re-checked here so a
// trigger raised mid-scan halts remaining entries.
func (e *Engine) enter(ctx context.Context, cand candidate, balanceLamports int64) bool {
	size := e.positionSizeLamports(balanceLamports)
	if size <= 0 {
		e.log.Warn("entry skipped, no sizeable balance",
			"pool", cand.pool.Address, "balance_sol", domain.LamportsToSOL(balanceLamports))
		return false
	}

	if gate := e.stop.CanTrade(); !gate.Allowed {
		e.log.Warn("entry blocked by emergency stop", "pool", cand.pool.Address, "reason", gate.Reason)
		return false
	}
	if gate := e.breaker.CanOpen(cand.pool.Address, size); !gate.Allowed {
		e.log.Warn("entry blocked by circuit breaker", "pool", cand.pool.Address, "reason", gate.Reason)
		return false
	}

	req := ports.OpenRequest{
		Pool:            cand.pool,
		AmountXLamports: size / 2,
		AmountYLamports: size - size/2,
		BinRange:        e.cfg.DefaultBinRange,
		EntryScore:      cand.score,
		EntryFeatures:   cand.features,
	}
	if cand.hasML {
		req.MLProbability = cand.probability
	}

	result, err := e.exec.Open(ctx, req)
	if err != nil {
		e.log.Error("entry failed", "pool", cand.pool.Address, "err", err)
		return false
	}

	pos := result.Position
	pos.ProfitTargetPercent = e.cfg.ProfitTargetPercent
	pos.StopLossPercent = e.cfg.StopLossPercent
	pos.MaxHoldTimeMinutes = e.cfg.MaxHoldTimeMinutes
	pos.TrailingStopEnabled = e.cfg.TrailingStopEnabled
	pos.TrailingStopPercent = e.cfg.TrailingStopPercent

	e.breaker.RecordPositionOpened(pos.PoolAddress, pos.EntryTotalLamports())

	e.mu.Lock()
	e.stats.PositionsOpened++
	e.mu.Unlock()

	e.emit(domain.EventPositionOpened, pos)
	e.log.Info("position opened",
		"position", pos.ID, "pool", cand.pool.Address,
		"size_sol", domain.LamportsToSOL(size), "score", cand.score, "ml_prob", req.MLProbability)
	return true
}

// positionSizeLamports computes the entry size: percent of balance wins over
// the fixed size, defaulting to ten percent, then clamps to the configured
// bounds and to balance minus the rent reserve.
func (e *Engine) positionSizeLamports(balanceLamports int64) int64 {
	balanceSOL := domain.LamportsToSOL(balanceLamports)

	var sizeSOL float64
	switch {
	case e.cfg.PositionSizePercent > 0:
		sizeSOL = balanceSOL * e.cfg.PositionSizePercent / 100
	case e.cfg.PositionSizeSOL > 0:
		sizeSOL = e.cfg.PositionSizeSOL
	default:
		sizeSOL = balanceSOL * 0.10
	}

	sizeSOL = math.Max(sizeSOL, e.cfg.MinPositionSOL)
	if e.cfg.MaxPositionSOL > 0 {
		sizeSOL = math.Min(sizeSOL, e.cfg.MaxPositionSOL)
	}

	spendable := balanceLamports - executor.RentReserveLamports
	size := domain.SOLToLamports(sizeSOL)
	if size > spendable {
		size = spendable
	}
	if size < domain.SOLToLamports(e.cfg.MinPositionSOL) {
		return 0
	}
	return size
}
