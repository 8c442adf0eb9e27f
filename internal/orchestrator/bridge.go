package orchestrator

import (
	"context"
	"fmt"
	"math"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// eventBridge is the engine's sink. It persists each event, then forwards it
// to the bus, except position:updated, which is only checkpointed, and
// scan:completed, which is forwarded only when the scan entered at least one
// position. Persistence failures are logged and never stop the engine; the
// single engine goroutine producing events guarantees per-bot ordering.
type eventBridge struct {
	orch *Orchestrator
}

var _ ports.EventSink = (*eventBridge)(nil)

func (b *eventBridge) Emit(event domain.BotEvent) {
	o := b.orch
	ctx := context.Background()

	switch event.Type {
	case domain.EventPositionOpened:
		o.onPositionOpened(ctx, event)
	case domain.EventPositionUpdated:
		o.onPositionUpdated(ctx, event)
	case domain.EventPositionClosed:
		o.onPositionClosed(ctx, event)
	case domain.EventScanCompleted:
		o.onScanCompleted(ctx, event)
	case domain.EventEngineStarted:
		o.appendLog(ctx, event, "", domain.LogBotStarted, nil)
		o.forward(event)
	case domain.EventEngineStopped:
		o.appendLog(ctx, event, "", domain.LogBotStopped, nil)
		o.forward(event)
	case domain.EventEngineError:
		reason := ""
		if m, ok := event.Payload.(map[string]any); ok {
			reason, _ = m["reason"].(string)
		}
		o.markError(event.BotID, reason)
		o.appendLog(ctx, event, "", domain.LogBotError, map[string]any{"reason": reason})
		o.forward(event)
	default:
		o.forward(event)
	}
}

func (o *Orchestrator) onPositionOpened(ctx context.Context, event domain.BotEvent) {
	pos, ok := event.Payload.(*domain.TrackedPosition)
	if !ok {
		o.log.Error("position:opened event with unexpected payload", "bot", event.BotID)
		return
	}

	if err := o.store.InsertPosition(ctx, pos); err != nil {
		o.log.Error("failed to persist opened position", "position", pos.ID, "err", err)
	}
	o.appendLog(ctx, event, pos.ID, domain.LogPositionOpened, map[string]any{
		"pool":           pos.PoolAddress,
		"pool_name":      pos.PoolName,
		"size_lamports":  pos.EntryTotalLamports(),
		"entry_price":    pos.EntryPricePerToken,
		"entry_score":    pos.EntryScore,
		"ml_probability": pos.MLProbability,
	})
	o.touch(ctx, event.BotID)
	o.forward(event)
}

func (o *Orchestrator) onPositionUpdated(ctx context.Context, event domain.BotEvent) {
	pos, ok := event.Payload.(*domain.TrackedPosition)
	if !ok {
		o.log.Error("position:updated event with unexpected payload", "bot", event.BotID)
		return
	}
	unrealized := unrealizedLamports(pos)
	if err := o.store.CheckpointPosition(ctx, pos.ID, pos.CurrentPricePerToken, unrealized); err != nil {
		o.log.Error("failed to checkpoint position", "position", pos.ID, "err", err)
	}
}

func (o *Orchestrator) onPositionClosed(ctx context.Context, event domain.BotEvent) {
	pos, ok := event.Payload.(*domain.TrackedPosition)
	if !ok {
		o.log.Error("position:closed event with unexpected payload", "bot", event.BotID)
		return
	}

	if err := o.store.ClosePosition(ctx, pos); err != nil {
		o.log.Error("failed to persist closed position", "position", pos.ID, "err", err)
	}

	win := pos.RealizedPnLLamports >= 0
	if err := o.store.RecordBotTrade(ctx, event.BotID, pos.RealizedPnLLamports, win); err != nil {
		o.log.Error("failed to record bot trade", "bot", event.BotID, "err", err)
	}

	result := "LOSS"
	if win {
		result = "WIN"
	}
	o.appendLog(ctx, event, pos.ID, domain.LogPositionClosed, map[string]any{
		"pool":         pos.PoolAddress,
		"result":       result,
		"reason":       string(pos.ExitReason),
		"pnl_lamports": pos.RealizedPnLLamports,
		"pnl_sol":      fmt.Sprintf("%.6f", domain.LamportsToSOL(pos.RealizedPnLLamports)),
		"exit_price":   pos.ExitPricePerToken,
	})
	o.forward(event)

	// The engine has already folded this trade into the stop's counters.
	if rb := o.running(event.BotID); rb != nil {
		o.persistStopState(ctx, rb)
	}
}

func (o *Orchestrator) onScanCompleted(ctx context.Context, event domain.BotEvent) {
	o.touch(ctx, event.BotID)
	summary, ok := event.Payload.(domain.ScanSummary)
	if !ok || summary.Entered == 0 {
		return
	}
	o.forward(event)
}

func (o *Orchestrator) appendLog(ctx context.Context, event domain.BotEvent, positionID string, kind domain.TradeLogEvent, details map[string]any) {
	entry := &domain.TradeLogEntry{
		BotID:      event.BotID,
		UserID:     event.UserID,
		PositionID: positionID,
		Event:      kind,
		Details:    details,
		Timestamp:  event.Timestamp,
	}
	if err := o.store.AppendTradeLog(ctx, entry); err != nil {
		o.log.Error("failed to append trade log", "bot", event.BotID, "event", kind, "err", err)
	}
}

func (o *Orchestrator) touch(ctx context.Context, botID string) {
	if err := o.store.TouchBotActivity(ctx, botID); err != nil {
		o.log.Error("failed to touch bot activity", "bot", botID, "err", err)
	}
}

// unrealizedLamports returns the change in value of the position's entry
// quote amount between the entry price and the current price. Prices that
// are missing or non-positive yield zero rather than an error.
func unrealizedLamports(pos *domain.TrackedPosition) int64 {
	if pos.EntryPricePerToken <= 0 || pos.CurrentPricePerToken <= 0 {
		return 0
	}
	change := (pos.CurrentPricePerToken - pos.EntryPricePerToken) / pos.EntryPricePerToken
	return int64(math.Round(change * float64(pos.EntryAmountYLamports)))
}
