package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

func testBreakerLimits() BreakerLimits {
	return BreakerLimits{
		MaxTotalPositions:         2,
		MaxPositionsPerPool:       1,
		MaxSinglePositionLamports: domain.SOLToLamports(2),
		MaxTotalExposureLamports:  domain.SOLToLamports(3),
		MaxTxPerMinute:            5,
		MinTimeBetweenTrades:      10 * time.Second,
		MaxAPICallsPerMinute:      60,
	}
}

func TestCanOpenFreshBreaker(t *testing.T) {
	b := NewCircuitBreaker(testBreakerLimits())
	gate := b.CanOpen("pool-a", domain.SOLToLamports(1))
	assert.True(t, gate.Allowed)
}

func TestMaxTotalPositionsGate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker(testBreakerLimits(), WithBreakerClock(func() time.Time { return now }))

	b.RecordPositionOpened("pool-a", domain.SOLToLamports(1))
	now = now.Add(time.Minute)
	b.RecordPositionOpened("pool-b", domain.SOLToLamports(1))
	now = now.Add(time.Minute)

	gate := b.CanOpen("pool-c", domain.SOLToLamports(0.5))
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "max open positions")
}

func TestPerPoolGate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker(testBreakerLimits(), WithBreakerClock(func() time.Time { return now }))

	b.RecordPositionOpened("pool-a", domain.SOLToLamports(1))
	now = now.Add(time.Minute)

	gate := b.CanOpen("pool-a", domain.SOLToLamports(0.5))
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "pool-a")

	assert.True(t, b.CanOpen("pool-b", domain.SOLToLamports(0.5)).Allowed)
}

func TestSinglePositionCap(t *testing.T) {
	b := NewCircuitBreaker(testBreakerLimits())
	gate := b.CanOpen("pool-a", domain.SOLToLamports(2.5))
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "single-position cap")
}

func TestExposureCap(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limits := testBreakerLimits()
	limits.MaxTotalPositions = 10
	b := NewCircuitBreaker(limits, WithBreakerClock(func() time.Time { return now }))

	b.RecordPositionOpened("pool-a", domain.SOLToLamports(2))
	now = now.Add(time.Minute)

	gate := b.CanOpen("pool-b", domain.SOLToLamports(1.5))
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "exposure")

	assert.True(t, b.CanOpen("pool-b", domain.SOLToLamports(1)).Allowed)
}

func TestTradeCooldownGate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker(testBreakerLimits(), WithBreakerClock(func() time.Time { return now }))

	b.RecordPositionOpened("pool-a", domain.SOLToLamports(1))
	now = now.Add(3 * time.Second)
	gate := b.CanOpen("pool-b", domain.SOLToLamports(0.5))
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "cooldown")

	now = now.Add(8 * time.Second)
	assert.True(t, b.CanOpen("pool-b", domain.SOLToLamports(0.5)).Allowed)
}

func TestExposureClampsAtZero(t *testing.T) {
	b := NewCircuitBreaker(testBreakerLimits())
	b.RecordPositionOpened("pool-a", domain.SOLToLamports(1))
	b.RecordPositionClosed("pool-a", domain.SOLToLamports(2))
	assert.Zero(t, b.Exposure())
	assert.Zero(t, b.OpenPositions())
}

func TestOpenCloseSequenceExposure(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limits := testBreakerLimits()
	limits.MaxTotalPositions = 10
	limits.MaxPositionsPerPool = 10
	b := NewCircuitBreaker(limits, WithBreakerClock(func() time.Time { return now }))

	b.RecordPositionOpened("pool-a", 100)
	b.RecordPositionOpened("pool-a", 250)
	b.RecordPositionClosed("pool-a", 100)
	assert.Equal(t, int64(250), b.Exposure())
	assert.Equal(t, 1, b.OpenPositions())
}

func TestSyncWithRebuildsState(t *testing.T) {
	b := NewCircuitBreaker(testBreakerLimits())
	b.RecordPositionOpened("stale-pool", domain.SOLToLamports(2))

	positions := []domain.TrackedPosition{
		{PoolAddress: "pool-a", EntryAmountXLamports: domain.SOLToLamports(0.3), EntryAmountYLamports: domain.SOLToLamports(0.4)},
		{PoolAddress: "pool-b", EntryAmountYLamports: domain.SOLToLamports(1)},
	}
	b.SyncWith(positions)

	assert.Equal(t, 2, b.OpenPositions())
	want := positions[0].EntryTotalLamports() + positions[1].EntryTotalLamports()
	assert.Equal(t, want, b.Exposure())
	assert.False(t, b.CanOpen("pool-a", domain.SOLToLamports(0.5)).Allowed, "open-position count restored")
}

func TestCanMakeAPICallBudget(t *testing.T) {
	limits := testBreakerLimits()
	limits.MaxAPICallsPerMinute = 3
	b := NewCircuitBreaker(limits)

	allowed := 0
	for i := 0; i < 10; i++ {
		if b.CanMakeAPICall() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed, "burst drains then the gate closes")
}
