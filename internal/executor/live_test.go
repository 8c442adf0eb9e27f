package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
	"github.com/dlmmbot/dlmmbot/internal/safety"
)

// fakeChain scripts chain responses for the live executor.
type fakeChain struct {
	mu              sync.Mutex
	balanceLamports int64
	balanceErr      error
	createErr       error
	closeErr        error
	fees            ports.PositionFees
	feesErr         error
	swapCalls       int
	swapMint        string
	swapAmount      int64
}

func (c *fakeChain) Balance(ctx context.Context, walletAddress string) (int64, error) {
	return c.balanceLamports, c.balanceErr
}

func (c *fakeChain) ActiveBin(ctx context.Context, poolAddress string) (*domain.ActiveBin, error) {
	return &domain.ActiveBin{BinID: 0, PricePerToken: 1}, nil
}

func (c *fakeChain) CreatePosition(ctx context.Context, req ports.CreatePositionRequest) (*ports.TxResult, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	return &ports.TxResult{
		Signature:       "sig-create",
		FeeLamports:     7_000,
		PositionAddress: "position-1",
	}, nil
}

func (c *fakeChain) PositionFees(ctx context.Context, positionAddress string) (*ports.PositionFees, error) {
	if c.feesErr != nil {
		return nil, c.feesErr
	}
	fees := c.fees
	return &fees, nil
}

func (c *fakeChain) ClosePosition(ctx context.Context, positionAddress string) (*ports.TxResult, error) {
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	return &ports.TxResult{Signature: "sig-close", FeeLamports: 11_000}, nil
}

func (c *fakeChain) SwapToSOL(ctx context.Context, mint string, amountLamports int64) (*ports.TxResult, error) {
	c.mu.Lock()
	c.swapCalls++
	c.swapMint = mint
	c.swapAmount = amountLamports
	c.mu.Unlock()
	return &ports.TxResult{Signature: "sig-swap"}, nil
}

type fakeWallet struct{ addr string }

func (w fakeWallet) Address() string               { return w.addr }
func (w fakeWallet) SignMessage(msg []byte) []byte { return nil }

func newTestLive(chain *fakeChain, stop *safety.EmergencyStop, breaker *safety.CircuitBreaker) *Live {
	cfg := domain.BotConfig{MinPositionSOL: 0.1}
	market := &fakeMarket{price: 1.0, pool: testPool()}
	return NewLive("bot-1", "user-1", cfg, market, chain, fakeWallet{addr: "wallet"}, stop, breaker, slog.Default())
}

func freshSafety() (*safety.EmergencyStop, *safety.CircuitBreaker) {
	return safety.NewEmergencyStop(safety.DefaultLimits()),
		safety.NewCircuitBreaker(safety.DefaultBreakerLimits())
}

func TestLiveOpenHappyPath(t *testing.T) {
	chain := &fakeChain{balanceLamports: domain.SOLToLamports(5)}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	result, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, "position-1", result.Position.ID)
	assert.Equal(t, "sig-create", result.Signature)
	assert.Equal(t, int64(7_000), result.Position.EntryTxCostLamports)
	assert.Len(t, live.ActivePositions(), 1)
}

func TestLiveOpenDeniedByEmergencyStop(t *testing.T) {
	chain := &fakeChain{balanceLamports: domain.SOLToLamports(5)}
	stop, breaker := freshSafety()
	stop.ManualTrigger("halted")
	live := newTestLive(chain, stop, breaker)

	_, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateDenied)
	assert.Contains(t, err.Error(), "halted")
}

func TestLiveOpenDeniedByBreaker(t *testing.T) {
	chain := &fakeChain{balanceLamports: domain.SOLToLamports(50)}
	stop, _ := freshSafety()
	breaker := safety.NewCircuitBreaker(safety.BreakerLimits{MaxSinglePositionLamports: domain.SOLToLamports(0.5)})
	live := newTestLive(chain, stop, breaker)

	_, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	assert.ErrorIs(t, err, ErrGateDenied)
}

func TestLiveOpenSizesDownToBalance(t *testing.T) {
	// 1.03 SOL in the wallet leaves exactly 1 SOL spendable over the reserve.
	chain := &fakeChain{balanceLamports: domain.SOLToLamports(1.03)}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	result, err := live.Open(context.Background(), openRequest(1, 1))
	require.NoError(t, err)
	pos := result.Position
	total := pos.EntryTotalLamports()
	assert.LessOrEqual(t, total, domain.SOLToLamports(1))
	assert.Equal(t, pos.EntryAmountXLamports, pos.EntryAmountYLamports, "ratio preserved")
}

func TestLiveOpenAdjustedBelowMinimumFails(t *testing.T) {
	chain := &fakeChain{balanceLamports: RentReserveLamports + domain.SOLToLamports(0.01)}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	_, err := live.Open(context.Background(), openRequest(1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestLiveOpenTxFailureRecords(t *testing.T) {
	chain := &fakeChain{
		balanceLamports: domain.SOLToLamports(5),
		createErr:       fmt.Errorf("send failed"),
	}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	_, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGateDenied)
}

func TestLiveUpdateFeeSnapshotIsMonotone(t *testing.T) {
	chain := &fakeChain{
		balanceLamports: domain.SOLToLamports(5),
		fees:            ports.PositionFees{FeesXLamports: 300, FeesYLamports: 500},
	}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	result, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	require.NoError(t, err)
	id := result.Position.ID

	pos, err := live.Update(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(300), pos.FeesEarnedXLamports)
	assert.Equal(t, int64(500), pos.FeesEarnedYLamports)

	// A lower on-chain reading never shrinks the snapshot.
	chain.fees = ports.PositionFees{FeesXLamports: 100, FeesYLamports: 200}
	pos, err = live.Update(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(300), pos.FeesEarnedXLamports)
	assert.Equal(t, int64(500), pos.FeesEarnedYLamports)
}

func TestLiveCloseSettlesAndRecords(t *testing.T) {
	chain := &fakeChain{
		balanceLamports: domain.SOLToLamports(5),
		fees:            ports.PositionFees{FeesYLamports: 2_000_000},
	}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	result, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	require.NoError(t, err)

	closeResult, err := live.Close(context.Background(), result.Position.ID, domain.ExitTakeProfit)
	require.NoError(t, err)

	// Flat price: fees minus entry and close tx costs.
	wantPnL := int64(2_000_000) - 7_000 - 11_000
	assert.Equal(t, wantPnL, closeResult.RealizedPnLLamports)
	assert.Equal(t, int64(2_000_000), closeResult.FeesYLamports)
	assert.Empty(t, live.ActivePositions())

	summary := live.PerformanceSummary(context.Background())
	assert.Equal(t, 1, summary.Wins)
}

func TestLiveCloseFailureMarksError(t *testing.T) {
	chain := &fakeChain{
		balanceLamports: domain.SOLToLamports(5),
		closeErr:        fmt.Errorf("blockhash expired"),
	}
	stop, breaker := freshSafety()
	live := newTestLive(chain, stop, breaker)

	result, err := live.Open(context.Background(), openRequest(0.5, 0.5))
	require.NoError(t, err)

	_, err = live.Close(context.Background(), result.Position.ID, domain.ExitStopLoss)
	require.Error(t, err)

	positions := live.ActivePositions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionError, positions[0].Status)
	assert.NotEmpty(t, positions[0].LastError)
}

func TestLiveBalanceWithoutWallet(t *testing.T) {
	stop, breaker := freshSafety()
	cfg := domain.BotConfig{MinPositionSOL: 0.1}
	market := &fakeMarket{price: 1.0, pool: testPool()}
	live := NewLive("bot-1", "user-1", cfg, market, &fakeChain{}, nil, stop, breaker, slog.Default())

	_, err := live.Balance(context.Background())
	assert.ErrorContains(t, err, "no wallet")
}
