package executor

import (
	"math"
	"sync"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// Rent-exempt reserve kept untouched in the wallet.
const RentReserveLamports = 30_000_000 // 0.03 SOL

// tally accumulates closed-trade statistics behind its own lock so summary
// reads never contend with position maps.
type tally struct {
	mu          sync.Mutex
	closed      int
	wins        int
	losses      int
	pnlLamports int64
}

func (t *tally) record(pnlLamports int64) {
	t.mu.Lock()
	t.closed++
	if pnlLamports >= 0 {
		t.wins++
	} else {
		t.losses++
	}
	t.pnlLamports += pnlLamports
	t.mu.Unlock()
}

func (t *tally) summary(balanceLamports int64) domain.PerformanceSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := domain.PerformanceSummary{
		TotalPositions:  t.closed,
		Wins:            t.wins,
		Losses:          t.losses,
		TotalPnLSOL:     domain.LamportsToSOL(t.pnlLamports),
		BalanceLamports: balanceLamports,
	}
	if t.closed > 0 {
		s.WinRate = float64(t.wins) / float64(t.closed) * 100
	}
	return s
}

// priceChangeLamports values the entry amount at the current price and
// returns the difference from entry, rounded to whole lamports.
func priceChangeLamports(entryTotal int64, entryPrice, currentPrice float64) int64 {
	if entryPrice <= 0 || currentPrice <= 0 {
		return 0
	}
	change := (currentPrice - entryPrice) / entryPrice
	return int64(math.Round(float64(entryTotal) * change))
}
