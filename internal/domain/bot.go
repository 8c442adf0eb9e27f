package domain

import "time"

// BotMode selects which executor a bot runs against.
type BotMode string

const (
	ModeSimulation BotMode = "SIMULATION"
	ModeLive       BotMode = "LIVE"
)

// StrategyMode selects how scan candidates are scored.
type StrategyMode string

const (
	StrategyRuleBased StrategyMode = "rule_based"
	StrategyML        StrategyMode = "ml"
	StrategyHybrid    StrategyMode = "hybrid"
)

// BotStatus is the persisted lifecycle state of a bot.
type BotStatus string

const (
	BotStopped  BotStatus = "stopped"
	BotStarting BotStatus = "starting"
	BotRunning  BotStatus = "running"
	BotStopping BotStatus = "stopping"
	BotError    BotStatus = "error"
)

// BotConfig is the full parameter set of a strategy. It is derived from the
// persisted bot row when the engine starts and stays immutable for the
// engine's lifetime.
type BotConfig struct {
	Mode         BotMode
	StrategyMode StrategyMode

	// Entry filters.
	EntryScoreThreshold float64
	MinLiquidity        float64
	MaxLiquidity        float64
	MinVolume24h        float64
	SolPairsOnly        bool
	MintBlacklist       []string

	// Position sizing. PositionSizePercent (of balance) wins over the fixed
	// PositionSizeSOL when set; both are clamped to [MinPositionSOL,
	// MaxPositionSOL] and to balance minus the rent reserve.
	PositionSizeSOL     float64
	PositionSizePercent float64
	MinPositionSOL      float64
	MaxPositionSOL      float64

	DefaultBinRange        int
	MaxConcurrentPositions int

	// Risk parameters.
	ProfitTargetPercent  float64
	StopLossPercent      float64
	TrailingStopEnabled  bool
	TrailingStopPercent  float64
	MaxHoldTimeMinutes   int
	MaxDailyLossSOL      float64
	CooldownMinutes      int

	// Scheduling.
	CronIntervalSeconds          int
	PositionCheckIntervalSeconds int

	SimulationInitialBalanceSOL float64
}

// Defaults fills zero-valued scheduling and sizing knobs with safe values.
func (c *BotConfig) Defaults() {
	if c.CronIntervalSeconds <= 0 {
		c.CronIntervalSeconds = 60
	}
	if c.PositionCheckIntervalSeconds <= 0 {
		c.PositionCheckIntervalSeconds = 10
	}
	if c.MaxConcurrentPositions <= 0 {
		c.MaxConcurrentPositions = 3
	}
	if c.DefaultBinRange <= 0 {
		c.DefaultBinRange = 10
	}
	if c.MinPositionSOL <= 0 {
		c.MinPositionSOL = 0.1
	}
	if c.MaxPositionSOL <= 0 {
		c.MaxPositionSOL = 10
	}
	if c.CooldownMinutes <= 0 {
		c.CooldownMinutes = 30
	}
	if c.SimulationInitialBalanceSOL <= 0 {
		c.SimulationInitialBalanceSOL = 10
	}
}

// ScanInterval returns the scan cadence as a duration.
func (c BotConfig) ScanInterval() time.Duration {
	return time.Duration(c.CronIntervalSeconds) * time.Second
}

// CheckInterval returns the position-check cadence as a duration.
func (c BotConfig) CheckInterval() time.Duration {
	return time.Duration(c.PositionCheckIntervalSeconds) * time.Second
}

// Cooldown returns the per-pool re-entry cooldown as a duration.
func (c BotConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// Bot is the persisted bot row.
type Bot struct {
	ID               int64
	BotID            string
	UserID           string
	Name             string
	Mode             BotMode
	Status           BotStatus
	Config           BotConfig
	TotalTrades      int
	WinningTrades    int
	TotalPnLLamports int64
	LastError        string
	LastActivityAt   time.Time
	// EmergencyStopState is the opaque blob written by the orchestrator and
	// read only by safety.Deserialize.
	EmergencyStopState []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EngineStats is the transient per-engine counter set.
type EngineStats struct {
	TotalScans      int
	PositionsOpened int
	PositionsClosed int
	Wins            int
	Losses          int
	TotalPnLSOL     float64
	StartedAt       time.Time
}
