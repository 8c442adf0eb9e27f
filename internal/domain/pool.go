package domain

import "math"

// WrappedSOLMint is the canonical wrapped-SOL mint address.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// LamportsPerSOL is the smallest-unit scale of the base currency.
const LamportsPerSOL = 1_000_000_000

// SOLToLamports converts a SOL amount to lamports, rounding to nearest.
func SOLToLamports(sol float64) int64 {
	return int64(math.Round(sol * LamportsPerSOL))
}

// LamportsToSOL converts lamports to SOL for display and percent math.
func LamportsToSOL(lamports int64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// Pool is one DLMM pool as reported by the upstream API.
type Pool struct {
	Address      string
	Name         string
	MintX        string
	MintY        string
	BinStep      int // basis points between adjacent bins
	CurrentPrice float64
	Liquidity    float64
	APR          float64

	Volume30m float64
	Volume1h  float64
	Volume2h  float64
	Volume4h  float64
	Volume24h float64

	Fees30m float64
	Fees1h  float64
	Fees24h float64

	Blacklisted bool
	Hidden      bool
}

// IsSOLPair reports whether one side of the pool is wrapped SOL.
func (p Pool) IsSOLPair() bool {
	return p.MintX == WrappedSOLMint || p.MintY == WrappedSOLMint
}

// ActiveBin is a snapshot of the bin currently receiving trades.
type ActiveBin struct {
	BinID         int
	PricePerToken float64
	// Synthetic marks bins derived from the API price when the on-chain
	// lookup was unavailable.
	Synthetic bool
}

// SyntheticBinID derives a bin id from a price on the pool's geometric grid.
// binId = round(ln(price) / ln(1 + binStep/10000)).
func SyntheticBinID(price float64, binStep int) int {
	if price <= 0 || binStep <= 0 {
		return 0
	}
	step := 1 + float64(binStep)/10000
	return int(math.Round(math.Log(price) / math.Log(step)))
}
