package ports

import (
	"context"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// TxResult is the confirmed outcome of a sent transaction. PositionAddress
// is set only by CreatePosition.
type TxResult struct {
	Signature       string
	FeeLamports     int64
	PositionAddress string
}

// PositionFees is the on-chain accrued fee snapshot of a position.
type PositionFees struct {
	FeesXLamports int64
	FeesYLamports int64
}

// ChainClient is the live executor's view of the chain and the DLMM program.
// Simulation never touches it.
type ChainClient interface {
	// Balance returns the wallet's lamport balance.
	Balance(ctx context.Context, walletAddress string) (int64, error)

	// ActiveBin reads the pool's active bin from the chain.
	ActiveBin(ctx context.Context, poolAddress string) (*domain.ActiveBin, error)

	// CreatePosition signs and sends the create-and-fund transaction. The
	// returned fee is the actual network fee of the confirmed transaction.
	CreatePosition(ctx context.Context, req CreatePositionRequest) (*TxResult, error)

	// PositionFees reads accrued, unclaimed fees for an open position.
	PositionFees(ctx context.Context, positionAddress string) (*PositionFees, error)

	// ClosePosition removes liquidity and closes the position account. It may
	// split into several sub-transactions; every fee is summed into TxResult.
	ClosePosition(ctx context.Context, positionAddress string) (*TxResult, error)

	// SwapToSOL swaps a leftover non-SOL balance back to SOL through the
	// aggregator route. Amounts below the dust threshold are skipped.
	SwapToSOL(ctx context.Context, mint string, amountLamports int64) (*TxResult, error)
}

// CreatePositionRequest funds a symmetric bin range around the active bin.
type CreatePositionRequest struct {
	PoolAddress     string
	LowerBinID      int
	UpperBinID      int
	AmountXLamports int64
	AmountYLamports int64
}

// Wallet abstracts the signing key. Live mode refuses to start without a
// loaded, funded wallet.
type Wallet interface {
	Address() string
	SignMessage(msg []byte) []byte
}
