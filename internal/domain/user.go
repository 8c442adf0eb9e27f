package domain

import "time"

// User is the persisted wallet-identity row.
type User struct {
	ID                 int64
	WalletAddress      string
	AuthNonce          string
	AuthNonceExpiresAt time.Time
	RefreshTokenHash   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StrategyPreset is a reusable named bot configuration. System presets have
// an empty UserID and are visible to everyone.
type StrategyPreset struct {
	ID          int64
	UserID      string
	Name        string
	Description string
	IsSystem    bool
	Config      BotConfig
	CreatedAt   time.Time
}

// PerformanceSummary is the executor's aggregate view of finished trades.
type PerformanceSummary struct {
	TotalPositions  int
	Wins            int
	Losses          int
	WinRate         float64
	TotalPnLSOL     float64
	BalanceLamports int64
}
