package notify_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dlmmbot/dlmmbot/internal/adapters/notify"
	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/events"
)

func closedPosition(pnlLamports int64, reason domain.ExitReason) *domain.TrackedPosition {
	return &domain.TrackedPosition{
		ID:                   "pos-1",
		BotID:                "bot-console",
		Status:               domain.PositionClosed,
		PoolAddress:          "pool-addr",
		PoolName:             "SOL-USDC",
		EntryAmountXLamports: domain.SOLToLamports(0.5),
		EntryAmountYLamports: domain.SOLToLamports(0.5),
		RealizedPnLLamports:  pnlLamports,
		ExitReason:           reason,
	}
}

func TestConsoleRendersCloseTable(t *testing.T) {
	bus := events.NewBus(slog.Default())
	var sb strings.Builder
	console := notify.NewConsole(bus, notify.WithWriter(&sb))
	defer console.Close()

	bus.Emit(domain.BotEvent{
		Type:      domain.EventPositionClosed,
		BotID:     "bot-console",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   closedPosition(domain.SOLToLamports(0.05), domain.ExitTakeProfit),
	})

	out := sb.String()
	assert.Contains(t, out, "WIN")
	assert.Contains(t, out, "SOL-USDC")
	assert.Contains(t, out, "TAKE_PROFIT")
	assert.Contains(t, out, "100%")
}

func TestConsoleSummaryAggregates(t *testing.T) {
	bus := events.NewBus(slog.Default())
	var sb strings.Builder
	console := notify.NewConsole(bus, notify.WithWriter(&sb))

	bus.Emit(domain.BotEvent{
		Type:    domain.EventPositionClosed,
		BotID:   "bot-console",
		Payload: closedPosition(domain.SOLToLamports(0.05), domain.ExitTakeProfit),
	})
	bus.Emit(domain.BotEvent{
		Type:    domain.EventPositionClosed,
		BotID:   "bot-console",
		Payload: closedPosition(-domain.SOLToLamports(0.02), domain.ExitStopLoss),
	})

	console.Close()

	out := sb.String()
	assert.Contains(t, out, "SESSION SUMMARY")
	assert.Contains(t, out, "2 trades, 1 wins (50%)")

	// Detached after Close: further events change nothing.
	before := sb.Len()
	bus.Emit(domain.BotEvent{
		Type:    domain.EventPositionClosed,
		BotID:   "bot-console",
		Payload: closedPosition(1, domain.ExitManual),
	})
	assert.Equal(t, before, sb.Len())
}

func TestConsoleIgnoresUnknownPayload(t *testing.T) {
	bus := events.NewBus(slog.Default())
	var sb strings.Builder
	console := notify.NewConsole(bus, notify.WithWriter(&sb))
	defer console.Close()

	bus.Emit(domain.BotEvent{Type: domain.EventPositionClosed, BotID: "bot-x", Payload: "bogus"})
	assert.NotContains(t, sb.String(), "WIN")
}
