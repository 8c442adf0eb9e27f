package ports

import (
	"context"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// MarketProvider is the per-bot view of the pool universe.
type MarketProvider interface {
	// ListEligiblePools returns pools passing the bot's entry filters:
	// not blacklisted, SOL pair if required, volume and liquidity in range.
	ListEligiblePools(ctx context.Context, cfg domain.BotConfig) ([]domain.Pool, error)

	// Pool fetches one pool record, served from the shared cache when fresh.
	Pool(ctx context.Context, address string) (*domain.Pool, error)

	// ActiveBin resolves the pool's active bin, preferring the cache, then
	// the chain, then a synthetic bin derived from the API price.
	ActiveBin(ctx context.Context, pool domain.Pool) (*domain.ActiveBin, error)

	// MarketScore is the pure rule-based admission score.
	MarketScore(pool domain.Pool, entryThreshold float64) domain.MarketScore
}
