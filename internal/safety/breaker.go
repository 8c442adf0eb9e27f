package safety

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// BreakerLimits are the throttle caps of a CircuitBreaker.
type BreakerLimits struct {
	MaxTotalPositions         int
	MaxPositionsPerPool       int
	MaxSinglePositionLamports int64
	MaxTotalExposureLamports  int64
	MaxTxPerMinute            int
	MinTimeBetweenTrades      time.Duration
	MaxAPICallsPerMinute      int
}

// DefaultBreakerLimits sizes the throttle for a single retail wallet.
func DefaultBreakerLimits() BreakerLimits {
	return BreakerLimits{
		MaxTotalPositions:         5,
		MaxPositionsPerPool:       1,
		MaxSinglePositionLamports: domain.SOLToLamports(5),
		MaxTotalExposureLamports:  domain.SOLToLamports(15),
		MaxTxPerMinute:            10,
		MinTimeBetweenTrades:      10 * time.Second,
		MaxAPICallsPerMinute:      60,
	}
}

// CircuitBreaker throttles a single bot's trading activity. Unlike the
// emergency stop it is transient; SyncWith rebuilds it from the active
// position list after a restart.
type CircuitBreaker struct {
	limits  BreakerLimits
	now     func() time.Time
	apiRate *rate.Limiter

	mu               sync.Mutex
	totalPositions   int
	perPool          map[string]int
	exposureLamports int64
	lastTrade        time.Time
	txTimes          []time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock injects a clock for tests. The API-call limiter keeps the
// wall clock.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker creates an empty breaker with the given limits.
func NewCircuitBreaker(limits BreakerLimits, opts ...BreakerOption) *CircuitBreaker {
	apiPerMinute := limits.MaxAPICallsPerMinute
	if apiPerMinute <= 0 {
		apiPerMinute = DefaultBreakerLimits().MaxAPICallsPerMinute
	}
	b := &CircuitBreaker{
		limits:  limits,
		now:     time.Now,
		apiRate: rate.NewLimiter(rate.Every(time.Minute/time.Duration(apiPerMinute)), apiPerMinute),
		perPool: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanOpen checks every throttle gate in order for a proposed position.
func (b *CircuitBreaker) CanOpen(poolAddress string, amountLamports int64) Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneTxLocked()

	if b.limits.MaxTotalPositions > 0 && b.totalPositions >= b.limits.MaxTotalPositions {
		return Deny(fmt.Sprintf("max open positions reached (%d)", b.totalPositions))
	}
	if b.limits.MaxPositionsPerPool > 0 && b.perPool[poolAddress] >= b.limits.MaxPositionsPerPool {
		return Deny(fmt.Sprintf("max positions in pool %s reached (%d)", poolAddress, b.perPool[poolAddress]))
	}
	if b.limits.MaxSinglePositionLamports > 0 && amountLamports > b.limits.MaxSinglePositionLamports {
		return Deny(fmt.Sprintf("position size %.4f SOL exceeds single-position cap %.4f SOL",
			domain.LamportsToSOL(amountLamports), domain.LamportsToSOL(b.limits.MaxSinglePositionLamports)))
	}
	if b.limits.MaxTotalExposureLamports > 0 && b.exposureLamports+amountLamports > b.limits.MaxTotalExposureLamports {
		return Deny(fmt.Sprintf("exposure %.4f SOL + %.4f SOL exceeds cap %.4f SOL",
			domain.LamportsToSOL(b.exposureLamports), domain.LamportsToSOL(amountLamports),
			domain.LamportsToSOL(b.limits.MaxTotalExposureLamports)))
	}
	if b.limits.MaxTxPerMinute > 0 && len(b.txTimes) >= b.limits.MaxTxPerMinute {
		return Deny(fmt.Sprintf("transaction rate limit reached (%d/min)", len(b.txTimes)))
	}
	if b.limits.MinTimeBetweenTrades > 0 && !b.lastTrade.IsZero() {
		if since := b.now().Sub(b.lastTrade); since < b.limits.MinTimeBetweenTrades {
			return Deny(fmt.Sprintf("trade cooldown: %s since last trade, need %s",
				since.Round(time.Millisecond), b.limits.MinTimeBetweenTrades))
		}
	}
	return Allow()
}

// RecordPositionOpened counts a confirmed open against the breaker.
func (b *CircuitBreaker) RecordPositionOpened(poolAddress string, amountLamports int64) {
	b.mu.Lock()
	b.totalPositions++
	b.perPool[poolAddress]++
	b.exposureLamports += amountLamports
	b.lastTrade = b.now()
	b.txTimes = append(b.txTimes, b.now())
	b.mu.Unlock()
}

// RecordPositionClosed releases a closed position. Exposure and counts are
// clamped at zero to tolerate amount mismatches.
func (b *CircuitBreaker) RecordPositionClosed(poolAddress string, amountLamports int64) {
	b.mu.Lock()
	if b.totalPositions > 0 {
		b.totalPositions--
	}
	if b.perPool[poolAddress] > 0 {
		b.perPool[poolAddress]--
		if b.perPool[poolAddress] == 0 {
			delete(b.perPool, poolAddress)
		}
	}
	b.exposureLamports -= amountLamports
	if b.exposureLamports < 0 {
		b.exposureLamports = 0
	}
	b.mu.Unlock()
}

// SyncWith rebuilds counts and exposure from an authoritative position list.
// Rolling rate state is kept as-is.
func (b *CircuitBreaker) SyncWith(positions []domain.TrackedPosition) {
	b.mu.Lock()
	b.totalPositions = len(positions)
	b.perPool = make(map[string]int, len(positions))
	b.exposureLamports = 0
	for i := range positions {
		b.perPool[positions[i].PoolAddress]++
		b.exposureLamports += positions[i].EntryTotalLamports()
	}
	b.mu.Unlock()
}

// CanMakeAPICall consumes one slot of the per-minute API budget.
func (b *CircuitBreaker) CanMakeAPICall() bool {
	return b.apiRate.Allow()
}

// Exposure returns the current open exposure in lamports.
func (b *CircuitBreaker) Exposure() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exposureLamports
}

// OpenPositions returns the observed open-position count.
func (b *CircuitBreaker) OpenPositions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalPositions
}

func (b *CircuitBreaker) pruneTxLocked() {
	cutoff := b.now().Add(-time.Minute)
	b.txTimes = pruneBefore(b.txTimes, cutoff)
}
