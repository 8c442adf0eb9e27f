package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MaxDailyLossSOL:      1.0,
		MaxTotalLossSOL:      3.0,
		MaxConsecutiveLosses: 3,
		MaxTxFailuresPerHour: 3,
		MaxAPIErrorsPerHour:  5,
	}
}

func TestCanTradeAllowsFreshStop(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	gate := es.CanTrade()
	assert.True(t, gate.Allowed)
	assert.Empty(t, gate.Reason)
}

func TestDailyLossTriggers(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.RecordTradeResult(-0.6)
	assert.True(t, es.CanTrade().Allowed)

	es.RecordTradeResult(-0.5)
	gate := es.CanTrade()
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "Daily loss")

	triggered, reason := es.Triggered()
	assert.True(t, triggered)
	assert.Contains(t, reason, "Daily loss")
}

func TestTriggerIsSticky(t *testing.T) {
	fired := 0
	es := NewEmergencyStop(testLimits())
	es.OnTrigger(func(string) { fired++ })

	es.RecordTradeResult(-1.2)
	first := es.CanTrade()
	second := es.CanTrade()

	assert.False(t, first.Allowed)
	assert.False(t, second.Allowed)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, 1, fired, "callback fires once per transition")
}

func TestConsecutiveLossesTrigger(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.RecordTradeResult(-0.1)
	es.RecordTradeResult(-0.1)
	assert.True(t, es.CanTrade().Allowed)

	es.RecordTradeResult(-0.1)
	gate := es.CanTrade()
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "Consecutive loss")
}

func TestWinResetsLossStreak(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.RecordTradeResult(-0.1)
	es.RecordTradeResult(-0.1)
	es.RecordTradeResult(0.2)
	assert.Equal(t, 0, es.ConsecutiveLosses())
	assert.True(t, es.CanTrade().Allowed)
}

func TestTxFailureWindowTriggers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	es := NewEmergencyStop(testLimits(), WithClock(clock))

	es.RecordTxFailure()
	es.RecordTxFailure()
	es.RecordTxFailure()
	gate := es.CanTrade()
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "Transaction failure")
}

func TestTxFailureWindowPrunes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	es := NewEmergencyStop(testLimits(), WithClock(func() time.Time { return now }))

	es.RecordTxFailure()
	es.RecordTxFailure()
	now = now.Add(61 * time.Minute)
	es.RecordTxFailure()

	assert.True(t, es.CanTrade().Allowed, "stale failures fall out of the hour window")
}

func TestDailyResetOnDateRollover(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	es := NewEmergencyStop(testLimits(), WithClock(func() time.Time { return now }))

	es.RecordTradeResult(-0.9)
	es.RecordTradeResult(-0.05)
	assert.InDelta(t, -0.95, es.DailyPnL(), 1e-9)

	now = now.Add(2 * time.Hour) // next UTC day
	assert.True(t, es.CanTrade().Allowed)
	assert.Zero(t, es.DailyPnL())
	assert.InDelta(t, -0.95, es.TotalPnL(), 1e-9, "total survives the daily reset")
}

func TestKillSwitchDeniesWithoutTriggering(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.SetKillSwitch(true)

	gate := es.CanTrade()
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Reason, "kill switch")

	triggered, _ := es.Triggered()
	assert.False(t, triggered)

	es.SetKillSwitch(false)
	assert.True(t, es.CanTrade().Allowed)
}

func TestManualTrigger(t *testing.T) {
	var got string
	es := NewEmergencyStop(testLimits())
	es.OnTrigger(func(reason string) { got = reason })

	es.ManualTrigger("operator stop")
	gate := es.CanTrade()
	assert.False(t, gate.Allowed)
	assert.Equal(t, "operator stop", gate.Reason)
	assert.Equal(t, "operator stop", got)
}

func TestResetPreservesPnL(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.RecordTradeResult(-1.5)
	assert.False(t, es.CanTrade().Allowed)

	es.Reset()
	triggered, _ := es.Triggered()
	assert.False(t, triggered)
	assert.InDelta(t, -1.5, es.TotalPnL(), 1e-9)

	// Still over the daily limit, so the next gate call re-trips.
	assert.False(t, es.CanTrade().Allowed)
}

func TestFullResetWipesEverything(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.RecordTradeResult(-2)
	es.RecordTxFailure()
	es.SetKillSwitch(true)
	es.FullReset()

	assert.True(t, es.CanTrade().Allowed)
	assert.Zero(t, es.DailyPnL())
	assert.Zero(t, es.TotalPnL())
	assert.Zero(t, es.ConsecutiveLosses())
}

func TestCallbackPanicIsContained(t *testing.T) {
	es := NewEmergencyStop(testLimits())
	es.OnTrigger(func(string) { panic("boom") })
	fired := false
	es.OnTrigger(func(string) { fired = true })

	assert.NotPanics(t, func() { es.ManualTrigger("manual") })
	assert.True(t, fired, "later callbacks still run after a panic")
}

func TestSerializeRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	es := NewEmergencyStop(testLimits(), WithClock(func() time.Time { return now }))
	es.RecordTradeResult(-0.4)
	es.RecordTxFailure()
	es.ManualTrigger("halt")

	blob, err := es.Serialize()
	require.NoError(t, err)

	state := Deserialize(blob)
	require.NotNil(t, state)
	assert.True(t, state.Triggered)
	assert.Equal(t, "halt", state.Reason)
	assert.InDelta(t, -0.4, state.DailyPnLSOL, 1e-9)
	assert.InDelta(t, -0.4, state.TotalPnLSOL, 1e-9)
	assert.Equal(t, 1, state.ConsecutiveLosses)
	assert.Len(t, state.TxFailures, 1)

	restored := NewEmergencyStop(testLimits(), WithClock(func() time.Time { return now }))
	restored.Restore(state)
	blob2, err := restored.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(blob2))
}

func TestDeserializeRejectsMissingEssentials(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"not json":      "{",
		"missing pnl":   `{"triggered": false}`,
		"missing flag":  `{"daily_pnl_sol": 0, "total_pnl_sol": 0}`,
		"missing total": `{"triggered": true, "daily_pnl_sol": -1}`,
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, Deserialize([]byte(blob)))
		})
	}
}

func TestDeserializeIgnoresUnknownFields(t *testing.T) {
	blob := `{"triggered": false, "daily_pnl_sol": -0.2, "total_pnl_sol": -0.2, "legacy_field": 42}`
	state := Deserialize([]byte(blob))
	require.NotNil(t, state)
	assert.InDelta(t, -0.2, state.TotalPnLSOL, 1e-9)
}
