package domain

import "time"

// PositionStatus is the lifecycle of a tracked position. Transitions are
// monotone: PENDING → ACTIVE → CLOSING → CLOSED/ERROR, never backwards.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionActive  PositionStatus = "active"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
	PositionError   PositionStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionError
}

// ExitReason labels why a position was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitMaxHold      ExitReason = "MAX_HOLD_TIME"
	ExitEmergency    ExitReason = "EMERGENCY_STOP"
	ExitManual       ExitReason = "USER_REQUESTED"
)

// TrackedPosition is a liquidity position owned by an executor while active
// and persisted by the orchestrator on open, close and checkpoint.
type TrackedPosition struct {
	ID     string
	BotID  string
	UserID string
	Mode   BotMode
	Status PositionStatus

	// Pool identity.
	PoolAddress string
	PoolName    string
	MintX       string
	MintY       string
	BinStep     int

	// Entry snapshot.
	EntryBinID           int
	EntryPricePerToken   float64
	EntryTime            time.Time
	EntryAmountXLamports int64
	EntryAmountYLamports int64
	EntryTxSignature     string
	EntryTxCostLamports  int64
	EntryScore           float64
	MLProbability        float64 // 0 when the predictor was not consulted
	EntryFeatures        *FeatureVector

	// Risk snapshot, copied from config at entry.
	ProfitTargetPercent float64
	StopLossPercent     float64
	MaxHoldTimeMinutes  int
	TrailingStopEnabled bool
	TrailingStopPercent float64
	HighWaterMarkPct    float64

	// Current state, refreshed by Update.
	CurrentPricePerToken float64
	FeesEarnedXLamports  int64
	FeesEarnedYLamports  int64

	// Exit snapshot.
	ExitPricePerToken   float64
	ExitTime            time.Time
	ExitTxSignature     string
	ExitReason          ExitReason
	RealizedPnLLamports int64
	ExitTxCostLamports  int64

	LastError string
}

// EntryTotalLamports is the total deployed at entry, both sides.
func (p TrackedPosition) EntryTotalLamports() int64 {
	return p.EntryAmountXLamports + p.EntryAmountYLamports
}

// PnLPercent returns the unrealized price-change percent of the position.
// Fees are not included; they are settled at close.
func (p TrackedPosition) PnLPercent() float64 {
	if p.EntryPricePerToken <= 0 || p.CurrentPricePerToken <= 0 {
		return 0
	}
	return (p.CurrentPricePerToken - p.EntryPricePerToken) / p.EntryPricePerToken * 100
}

// HoldMinutes returns how long the position has been open.
func (p TrackedPosition) HoldMinutes(now time.Time) float64 {
	if p.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(p.EntryTime).Minutes()
}
