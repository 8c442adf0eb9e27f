package safety

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gate is the outcome of a safety check.
type Gate struct {
	Allowed bool
	Reason  string
}

// Allow is the passing gate.
func Allow() Gate { return Gate{Allowed: true} }

// Deny returns a failing gate with the given reason.
func Deny(reason string) Gate { return Gate{Reason: reason} }

// Limits are the trip thresholds of an EmergencyStop.
type Limits struct {
	MaxDailyLossSOL      float64
	MaxTotalLossSOL      float64
	MaxConsecutiveLosses int
	MaxTxFailuresPerHour int
	MaxAPIErrorsPerHour  int
}

// DefaultLimits are conservative production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossSOL:      1.0,
		MaxTotalLossSOL:      3.0,
		MaxConsecutiveLosses: 5,
		MaxTxFailuresPerHour: 5,
		MaxAPIErrorsPerHour:  20,
	}
}

const rollingWindow = time.Hour

// TriggerCallback runs when the stop transitions to triggered. It is invoked
// outside the stop's lock; panics are recovered and logged.
type TriggerCallback func(reason string)

// EmergencyStop is a per-bot financial kill switch. Once triggered it stays
// triggered until Reset; all recorders and the gate are safe for concurrent
// use.
type EmergencyStop struct {
	limits Limits
	now    func() time.Time

	mu                sync.Mutex
	killSwitch        bool
	triggered         bool
	reason            string
	triggeredAt       time.Time
	dailyPnLSOL       float64
	totalPnLSOL       float64
	consecutiveLosses int
	dailyResetDate    string
	txFailures        []time.Time
	apiErrors         []time.Time
	totalTriggers     int
	callbacks         []TriggerCallback
}

// Option configures an EmergencyStop.
type Option func(*EmergencyStop)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *EmergencyStop) { e.now = now }
}

// NewEmergencyStop creates an untriggered stop with the given limits.
func NewEmergencyStop(limits Limits, opts ...Option) *EmergencyStop {
	e := &EmergencyStop{
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dailyResetDate = e.utcDate()
	return e
}

// OnTrigger registers a callback fired once per triggered transition.
func (e *EmergencyStop) OnTrigger(cb TriggerCallback) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.mu.Unlock()
}

// CanTrade evaluates every trigger condition in order and returns whether
// trading may proceed. A freshly tripped condition fires the registered
// callbacks before returning.
func (e *EmergencyStop) CanTrade() Gate {
	e.mu.Lock()
	e.resetDailyLocked()
	e.pruneLocked()

	if e.killSwitch {
		e.mu.Unlock()
		return Deny("kill switch active")
	}
	if e.triggered {
		reason := e.reason
		e.mu.Unlock()
		return Deny(reason)
	}

	reason := e.evaluateLocked()
	if reason == "" {
		e.mu.Unlock()
		return Allow()
	}
	cbs := e.tripLocked(reason)
	e.mu.Unlock()

	fireCallbacks(cbs, reason)
	return Deny(reason)
}

// evaluateLocked returns the first trip reason, or empty when all clear.
func (e *EmergencyStop) evaluateLocked() string {
	if e.limits.MaxDailyLossSOL > 0 && e.dailyPnLSOL <= -e.limits.MaxDailyLossSOL {
		return fmt.Sprintf("Daily loss limit reached: %.4f SOL (limit %.2f)", e.dailyPnLSOL, e.limits.MaxDailyLossSOL)
	}
	if e.limits.MaxTotalLossSOL > 0 && e.totalPnLSOL <= -e.limits.MaxTotalLossSOL {
		return fmt.Sprintf("Total loss limit reached: %.4f SOL (limit %.2f)", e.totalPnLSOL, e.limits.MaxTotalLossSOL)
	}
	if e.limits.MaxConsecutiveLosses > 0 && e.consecutiveLosses >= e.limits.MaxConsecutiveLosses {
		return fmt.Sprintf("Consecutive loss limit reached: %d", e.consecutiveLosses)
	}
	if e.limits.MaxTxFailuresPerHour > 0 && len(e.txFailures) >= e.limits.MaxTxFailuresPerHour {
		return fmt.Sprintf("Transaction failure limit reached: %d in the last hour", len(e.txFailures))
	}
	if e.limits.MaxAPIErrorsPerHour > 0 && len(e.apiErrors) >= e.limits.MaxAPIErrorsPerHour {
		return fmt.Sprintf("API error limit reached: %d in the last hour", len(e.apiErrors))
	}
	return ""
}

// tripLocked marks the stop triggered and returns the callbacks to fire.
func (e *EmergencyStop) tripLocked(reason string) []TriggerCallback {
	e.triggered = true
	e.reason = reason
	e.triggeredAt = e.now()
	e.totalTriggers++
	cbs := make([]TriggerCallback, len(e.callbacks))
	copy(cbs, e.callbacks)
	return cbs
}

func fireCallbacks(cbs []TriggerCallback, reason string) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("emergency-stop callback panicked", "reason", reason, "panic", r)
				}
			}()
			cb(reason)
		}()
	}
}

// RecordTradeResult folds a realised P&L into the daily and total totals and
// tracks the consecutive-loss streak.
func (e *EmergencyStop) RecordTradeResult(pnlSOL float64) {
	e.mu.Lock()
	e.resetDailyLocked()
	e.dailyPnLSOL += pnlSOL
	e.totalPnLSOL += pnlSOL
	// Break-even trades do not break a losing streak.
	if pnlSOL <= 0 {
		e.consecutiveLosses++
	} else {
		e.consecutiveLosses = 0
	}
	e.mu.Unlock()
}

// RecordTxFailure appends a send/confirm failure to the rolling hour window.
func (e *EmergencyStop) RecordTxFailure() {
	e.mu.Lock()
	e.txFailures = append(e.txFailures, e.now())
	e.mu.Unlock()
}

// RecordAPIError appends an upstream API error to the rolling hour window.
func (e *EmergencyStop) RecordAPIError() {
	e.mu.Lock()
	e.apiErrors = append(e.apiErrors, e.now())
	e.mu.Unlock()
}

// ManualTrigger trips the stop with the given reason. A second trigger while
// already triggered is a no-op and does not re-fire callbacks.
func (e *EmergencyStop) ManualTrigger(reason string) {
	e.mu.Lock()
	if e.triggered {
		e.mu.Unlock()
		return
	}
	cbs := e.tripLocked(reason)
	e.mu.Unlock()
	fireCallbacks(cbs, reason)
}

// SetKillSwitch flips the hard deny. It does not count as a trigger.
func (e *EmergencyStop) SetKillSwitch(on bool) {
	e.mu.Lock()
	e.killSwitch = on
	e.mu.Unlock()
}

// Reset clears the trigger and the rolling windows, preserving accumulated
// P&L and the loss streak totals.
func (e *EmergencyStop) Reset() {
	e.mu.Lock()
	e.triggered = false
	e.reason = ""
	e.triggeredAt = time.Time{}
	e.txFailures = nil
	e.apiErrors = nil
	e.mu.Unlock()
}

// FullReset wipes every counter back to a fresh stop.
func (e *EmergencyStop) FullReset() {
	e.mu.Lock()
	e.triggered = false
	e.reason = ""
	e.triggeredAt = time.Time{}
	e.killSwitch = false
	e.dailyPnLSOL = 0
	e.totalPnLSOL = 0
	e.consecutiveLosses = 0
	e.dailyResetDate = e.utcDate()
	e.txFailures = nil
	e.apiErrors = nil
	e.totalTriggers = 0
	e.mu.Unlock()
}

// Triggered reports the current trigger flag and reason.
func (e *EmergencyStop) Triggered() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered, e.reason
}

// DailyPnL returns today's accumulated P&L in SOL.
func (e *EmergencyStop) DailyPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyPnLSOL
}

// TotalPnL returns the lifetime accumulated P&L in SOL.
func (e *EmergencyStop) TotalPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalPnLSOL
}

// ConsecutiveLosses returns the current loss streak.
func (e *EmergencyStop) ConsecutiveLosses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveLosses
}

// resetDailyLocked clears the daily counters when the UTC date has rolled
// over since the stored reset date.
func (e *EmergencyStop) resetDailyLocked() {
	today := e.utcDate()
	if e.dailyResetDate == today {
		return
	}
	e.dailyResetDate = today
	e.dailyPnLSOL = 0
	e.consecutiveLosses = 0
}

// pruneLocked drops rolling-window entries older than one hour.
func (e *EmergencyStop) pruneLocked() {
	cutoff := e.now().Add(-rollingWindow)
	e.txFailures = pruneBefore(e.txFailures, cutoff)
	e.apiErrors = pruneBefore(e.apiErrors, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func (e *EmergencyStop) utcDate() string {
	return e.now().UTC().Format("2006-01-02")
}

// EmergencyState is the persisted snapshot of an EmergencyStop.
type EmergencyState struct {
	Triggered         bool        `json:"triggered"`
	Reason            string      `json:"trigger_reason,omitempty"`
	TriggeredAt       time.Time   `json:"triggered_at,omitzero"`
	KillSwitch        bool        `json:"kill_switch,omitempty"`
	DailyPnLSOL       float64     `json:"daily_pnl_sol"`
	TotalPnLSOL       float64     `json:"total_pnl_sol"`
	ConsecutiveLosses int         `json:"consecutive_losses,omitempty"`
	DailyResetDate    string      `json:"daily_reset_date,omitempty"`
	TxFailures        []time.Time `json:"tx_failures,omitempty"`
	APIErrors         []time.Time `json:"api_errors,omitempty"`
	TotalTriggers     int         `json:"total_triggers,omitempty"`
}

// Serialize snapshots the stop as an opaque JSON blob for the bot row.
func (e *EmergencyStop) Serialize() ([]byte, error) {
	e.mu.Lock()
	state := EmergencyState{
		Triggered:         e.triggered,
		Reason:            e.reason,
		TriggeredAt:       e.triggeredAt,
		KillSwitch:        e.killSwitch,
		DailyPnLSOL:       e.dailyPnLSOL,
		TotalPnLSOL:       e.totalPnLSOL,
		ConsecutiveLosses: e.consecutiveLosses,
		DailyResetDate:    e.dailyResetDate,
		TxFailures:        append([]time.Time(nil), e.txFailures...),
		APIErrors:         append([]time.Time(nil), e.apiErrors...),
		TotalTriggers:     e.totalTriggers,
	}
	e.mu.Unlock()

	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("safety.Serialize: %w", err)
	}
	return blob, nil
}

// Deserialize parses a persisted blob. It is permissive about extra or
// missing optional fields but requires the triggered flag and both P&L
// numbers; anything less returns nil and the caller starts fresh.
func Deserialize(blob []byte) *EmergencyState {
	if len(blob) == 0 {
		return nil
	}
	var wire struct {
		Triggered         *bool       `json:"triggered"`
		Reason            string      `json:"trigger_reason"`
		TriggeredAt       time.Time   `json:"triggered_at"`
		KillSwitch        bool        `json:"kill_switch"`
		DailyPnLSOL       *float64    `json:"daily_pnl_sol"`
		TotalPnLSOL       *float64    `json:"total_pnl_sol"`
		ConsecutiveLosses int         `json:"consecutive_losses"`
		DailyResetDate    string      `json:"daily_reset_date"`
		TxFailures        []time.Time `json:"tx_failures"`
		APIErrors         []time.Time `json:"api_errors"`
		TotalTriggers     int         `json:"total_triggers"`
	}
	if err := json.Unmarshal(blob, &wire); err != nil {
		slog.Warn("discarding corrupt emergency-stop state", "err", err)
		return nil
	}
	if wire.Triggered == nil || wire.DailyPnLSOL == nil || wire.TotalPnLSOL == nil {
		slog.Warn("discarding emergency-stop state missing essential fields")
		return nil
	}
	return &EmergencyState{
		Triggered:         *wire.Triggered,
		Reason:            wire.Reason,
		TriggeredAt:       wire.TriggeredAt,
		KillSwitch:        wire.KillSwitch,
		DailyPnLSOL:       *wire.DailyPnLSOL,
		TotalPnLSOL:       *wire.TotalPnLSOL,
		ConsecutiveLosses: wire.ConsecutiveLosses,
		DailyResetDate:    wire.DailyResetDate,
		TxFailures:        wire.TxFailures,
		APIErrors:         wire.APIErrors,
		TotalTriggers:     wire.TotalTriggers,
	}
}

// Restore applies a deserialised snapshot onto a fresh stop. The restored
// state is never less conservative than the snapshot.
func (e *EmergencyStop) Restore(state *EmergencyState) {
	if state == nil {
		return
	}
	e.mu.Lock()
	e.triggered = state.Triggered
	e.reason = state.Reason
	e.triggeredAt = state.TriggeredAt
	e.killSwitch = state.KillSwitch
	e.dailyPnLSOL = state.DailyPnLSOL
	e.totalPnLSOL = state.TotalPnLSOL
	e.consecutiveLosses = state.ConsecutiveLosses
	if state.DailyResetDate != "" {
		e.dailyResetDate = state.DailyResetDate
	}
	e.txFailures = append([]time.Time(nil), state.TxFailures...)
	e.apiErrors = append([]time.Time(nil), state.APIErrors...)
	e.totalTriggers = state.TotalTriggers
	e.mu.Unlock()
}
