package ports

import (
	"context"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// OpenRequest describes a position the engine wants to open.
type OpenRequest struct {
	Pool            domain.Pool
	AmountXLamports int64
	AmountYLamports int64
	// BinRange is the symmetric half-width around the active bin.
	BinRange int

	// Entry annotations, stored with the position for later labelling.
	EntryScore    float64
	MLProbability float64
	EntryFeatures *domain.FeatureVector
}

// OpenResult is the executor's acknowledgement of a created position.
type OpenResult struct {
	Position  *domain.TrackedPosition
	Signature string
}

// CloseResult is the settlement of a closed position.
type CloseResult struct {
	Signature           string
	RealizedPnLLamports int64
	FeesXLamports       int64
	FeesYLamports       int64
}

// Executor opens, monitors and closes liquidity positions. Simulation and
// live implementations sit behind this one contract; both own their tracked
// positions in memory.
type Executor interface {
	// Open creates and funds a position around the pool's active bin.
	Open(ctx context.Context, req OpenRequest) (*OpenResult, error)

	// Close removes liquidity, settles fees and computes realized P&L.
	Close(ctx context.Context, positionID string, reason domain.ExitReason) (*CloseResult, error)

	// Update refreshes current price, accrued fees and the high-water mark.
	// Returns nil when the position is unknown.
	Update(ctx context.Context, positionID string) (*domain.TrackedPosition, error)

	// ActivePositions lists positions currently held by this executor.
	ActivePositions() []*domain.TrackedPosition

	// Balance returns the spendable balance in lamports.
	Balance(ctx context.Context) (int64, error)

	// PerformanceSummary aggregates closed-trade statistics.
	PerformanceSummary(ctx context.Context) domain.PerformanceSummary
}
