package ports

import (
	"context"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// BotStore persists bot rows and their lifecycle state.
type BotStore interface {
	CreateBot(ctx context.Context, bot *domain.Bot) error
	GetBot(ctx context.Context, botID string) (*domain.Bot, error)
	ListBots(ctx context.Context, userID string) ([]domain.Bot, error)
	ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]domain.Bot, error)
	CountBots(ctx context.Context, userID string) (int, error)
	UpdateBotConfig(ctx context.Context, botID string, cfg domain.BotConfig) error
	UpdateBotStatus(ctx context.Context, botID string, status domain.BotStatus, lastError string) error

	// RecordBotTrade atomically bumps totalTrades, winningTrades and
	// cumulative P&L on a close.
	RecordBotTrade(ctx context.Context, botID string, pnlLamports int64, win bool) error

	TouchBotActivity(ctx context.Context, botID string) error
	SaveEmergencyState(ctx context.Context, botID string, state []byte) error
	DeleteBot(ctx context.Context, botID string) error
}

// PositionStore persists tracked positions across their lifecycle.
type PositionStore interface {
	InsertPosition(ctx context.Context, p *domain.TrackedPosition) error
	GetPosition(ctx context.Context, positionID string) (*domain.TrackedPosition, error)
	ListActivePositions(ctx context.Context, userID string) ([]domain.TrackedPosition, error)
	ListPositionsByBot(ctx context.Context, botID string) ([]domain.TrackedPosition, error)
	ListPositionHistory(ctx context.Context, userID string, limit int) ([]domain.TrackedPosition, error)
	ClosePosition(ctx context.Context, p *domain.TrackedPosition) error

	// CheckpointPosition patches the live price and unrealized P&L only.
	CheckpointPosition(ctx context.Context, positionID string, currentPrice float64, unrealizedPnLLamports int64) error

	// RecentExits returns pool → exit time for closed positions of a bot
	// newer than the cutoff, used to rebuild cooldowns after a restart.
	RecentExits(ctx context.Context, botID string, since time.Time) (map[string]time.Time, error)
}

// TradeLogStore is the append-only audit trail.
type TradeLogStore interface {
	AppendTradeLog(ctx context.Context, entry *domain.TradeLogEntry) error
	ListTradeLog(ctx context.Context, botID string, limit int) ([]domain.TradeLogEntry, error)
}

// UserStore persists wallet identities and auth material.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, walletAddress string) (*domain.User, error)
	GetUserByWallet(ctx context.Context, walletAddress string) (*domain.User, error)
	SetAuthNonce(ctx context.Context, walletAddress, nonce string, expiresAt time.Time) error
	ClearAuthNonce(ctx context.Context, walletAddress string) error
	SetRefreshTokenHash(ctx context.Context, walletAddress, hash string) error
}

// PresetStore persists reusable strategy configurations.
type PresetStore interface {
	CreatePreset(ctx context.Context, p *domain.StrategyPreset) error
	ListPresets(ctx context.Context, userID string) ([]domain.StrategyPreset, error)
	DeletePreset(ctx context.Context, id int64, userID string) error
}

// Storage is the full persistence surface. Every write is an independent
// short transaction; callers never hold cross-row locks.
type Storage interface {
	BotStore
	PositionStore
	TradeLogStore
	UserStore
	PresetStore

	Close() error
}
