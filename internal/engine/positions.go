package engine

import (
	"context"
	"fmt"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// checkPositions refreshes every active position and closes those that hit an
// exit condition. One position failing to refresh never blocks the others.
func (e *Engine) checkPositions(ctx context.Context) {
	for _, snapshot := range e.exec.ActivePositions() {
		if ctx.Err() != nil {
			return
		}
		pos, err := e.exec.Update(ctx, snapshot.ID)
		if err != nil {
			e.log.Warn("position refresh failed", "position", snapshot.ID, "err", err)
			continue
		}
		if pos == nil {
			continue
		}
		if reason, hit := e.exitReason(pos); hit {
			if _, err := e.closePosition(ctx, pos.ID, reason); err != nil {
				e.log.Error("exit close failed", "position", pos.ID, "reason", reason, "err", err)
			}
		}
	}
}

// exitReason evaluates the exit rules in priority order: take profit, then
// trailing stop, then stop loss, then max hold time.
func (e *Engine) exitReason(pos *domain.TrackedPosition) (domain.ExitReason, bool) {
	pnl := pos.PnLPercent()

	if e.cfg.ProfitTargetPercent > 0 && pnl >= e.cfg.ProfitTargetPercent {
		return domain.ExitTakeProfit, true
	}

	// The trailing stop arms only once the high-water mark clears the
	// trailing distance, so a fresh position cannot stop out at entry.
	if e.cfg.TrailingStopEnabled && e.cfg.TrailingStopPercent > 0 &&
		pos.HighWaterMarkPct > e.cfg.TrailingStopPercent &&
		pnl <= pos.HighWaterMarkPct-e.cfg.TrailingStopPercent &&
		pnl < pos.HighWaterMarkPct {
		return domain.ExitTrailingStop, true
	}

	if e.cfg.StopLossPercent > 0 && pnl <= -e.cfg.StopLossPercent {
		return domain.ExitStopLoss, true
	}

	if e.cfg.MaxHoldTimeMinutes > 0 && pos.HoldMinutes(e.now()) >= float64(e.cfg.MaxHoldTimeMinutes) {
		return domain.ExitMaxHold, true
	}

	return "", false
}

// Position returns one active position by id.
func (e *Engine) Position(positionID string) (*domain.TrackedPosition, error) {
	for _, pos := range e.exec.ActivePositions() {
		if pos.ID == positionID {
			return pos, nil
		}
	}
	return nil, fmt.Errorf("engine.Position: unknown position %s", positionID)
}
