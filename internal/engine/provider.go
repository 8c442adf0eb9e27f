package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dlmmbot/dlmmbot/internal/adapters/meteora"
	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// Provider is the per-bot market view over the shared cache, with on-chain
// active-bin reads and a synthetic fallback.
type Provider struct {
	cache  *meteora.Cache
	chain  ports.ChainClient // nil in pure simulation deployments
	params domain.ScoreParams
	log    *slog.Logger
}

// NewProvider builds a provider for one bot. chain may be nil, in which case
// active bins always come from the cache or the synthetic grid.
func NewProvider(cache *meteora.Cache, chain ports.ChainClient, params domain.ScoreParams, log *slog.Logger) *Provider {
	return &Provider{
		cache:  cache,
		chain:  chain,
		params: params,
		log:    log.With("component", "market"),
	}
}

// ListEligiblePools filters the cached pool universe by the bot's entry
// criteria.
func (p *Provider) ListEligiblePools(ctx context.Context, cfg domain.BotConfig) ([]domain.Pool, error) {
	pools, err := p.cache.AllPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine.ListEligiblePools: %w", err)
	}

	blacklist := make(map[string]struct{}, len(cfg.MintBlacklist))
	for _, mint := range cfg.MintBlacklist {
		blacklist[mint] = struct{}{}
	}

	eligible := make([]domain.Pool, 0, len(pools))
	for _, pool := range pools {
		if pool.Blacklisted || pool.Hidden {
			continue
		}
		if cfg.SolPairsOnly && !pool.IsSOLPair() {
			continue
		}
		if _, banned := blacklist[pool.MintX]; banned {
			continue
		}
		if _, banned := blacklist[pool.MintY]; banned {
			continue
		}
		if pool.Volume24h < cfg.MinVolume24h {
			continue
		}
		if pool.Liquidity < cfg.MinLiquidity {
			continue
		}
		if cfg.MaxLiquidity > 0 && pool.Liquidity > cfg.MaxLiquidity {
			continue
		}
		eligible = append(eligible, pool)
	}
	return eligible, nil
}

// Pool returns one pool record from the shared cache.
func (p *Provider) Pool(ctx context.Context, address string) (*domain.Pool, error) {
	return p.cache.Pool(ctx, address)
}

// ActiveBin resolves the active bin: cache first, then chain, then a
// synthetic bin from the API price. Synthetic bins are cached like real
// ones.
func (p *Provider) ActiveBin(ctx context.Context, pool domain.Pool) (*domain.ActiveBin, error) {
	if cached := p.cache.CachedActiveBin(pool.Address); cached != nil {
		return cached, nil
	}

	if p.chain != nil {
		bin, err := p.chain.ActiveBin(ctx, pool.Address)
		if err == nil {
			p.cache.CacheActiveBin(pool.Address, *bin)
			return bin, nil
		}
		p.log.Warn("on-chain active bin failed, synthesising from API price",
			"pool", pool.Address, "err", err)
	}

	if pool.CurrentPrice <= 0 || pool.BinStep <= 0 {
		return nil, fmt.Errorf("engine.ActiveBin %s: no usable price for synthetic bin", pool.Address)
	}
	bin := domain.ActiveBin{
		BinID:         domain.SyntheticBinID(pool.CurrentPrice, pool.BinStep),
		PricePerToken: pool.CurrentPrice,
		Synthetic:     true,
	}
	p.cache.CacheActiveBin(pool.Address, bin)
	return &bin, nil
}

// MarketScore scores a pool with the provider's calibration.
func (p *Provider) MarketScore(pool domain.Pool, entryThreshold float64) domain.MarketScore {
	return domain.ComputeMarketScore(pool, p.params, entryThreshold)
}
