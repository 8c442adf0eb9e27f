package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// LbPair account layout offsets, after the 8-byte discriminator.
const (
	lbPairActiveIDOffset = 76 // i32
	lbPairBinStepOffset  = 80 // u16
)

// Position account layout offsets for the claimable fee snapshot.
const (
	positionFeeXOffset = 112 // u64
	positionFeeYOffset = 120 // u64
)

// Anchor instruction discriminators of the liquidity program.
var (
	ixInitializePosition = []byte{0xdb, 0x93, 0x4c, 0x5e, 0x2a, 0x01, 0x7b, 0x4f}
	ixAddLiquidity       = []byte{0xb5, 0x9d, 0x59, 0x43, 0x8f, 0xb6, 0x48, 0x12}
	ixClaimFee           = []byte{0xa9, 0x20, 0x4f, 0x89, 0x88, 0xe8, 0x46, 0x89}
	ixRemoveLiquidity    = []byte{0x50, 0x3a, 0x42, 0xc1, 0x72, 0x66, 0xf4, 0x6c}
	ixClosePosition      = []byte{0x7b, 0x86, 0x51, 0x00, 0x31, 0x44, 0x6f, 0x29}
)

const (
	defaultPriorityFeeMicroLamports = 50_000
	maxSendAttempts                 = 3
	// Fallback when the fee of a confirmed tx cannot be read back.
	baseFeeFallbackLamports = 5_000
)

// DLMMClient implements ports.ChainClient against the liquidity program.
type DLMMClient struct {
	rpc         *RPCClient
	wallet      *Wallet
	programID   string
	swap        *SwapClient
	priorityFee uint64

	// positionKeys maps a position account address to its keypair. One chain
	// client serves every live bot, so access is guarded.
	mu           sync.Mutex
	positionKeys map[string]*Wallet
}

// NewDLMMClient wires the program client over a shared RPC connection.
func NewDLMMClient(rpc *RPCClient, wallet *Wallet, programID string, swap *SwapClient) *DLMMClient {
	return &DLMMClient{
		rpc:          rpc,
		wallet:       wallet,
		programID:    programID,
		swap:         swap,
		priorityFee:  defaultPriorityFeeMicroLamports,
		positionKeys: make(map[string]*Wallet),
	}
}

// Balance returns the wallet's lamport balance.
func (c *DLMMClient) Balance(ctx context.Context, walletAddress string) (int64, error) {
	return c.rpc.Balance(ctx, walletAddress)
}

// ActiveBin reads the pair account and derives the bin price from the
// geometric grid.
func (c *DLMMClient) ActiveBin(ctx context.Context, poolAddress string) (*domain.ActiveBin, error) {
	data, err := c.rpc.AccountData(ctx, poolAddress)
	if err != nil {
		return nil, fmt.Errorf("chain.ActiveBin %s: %w", poolAddress, err)
	}
	if len(data) < lbPairBinStepOffset+2 {
		return nil, fmt.Errorf("chain.ActiveBin %s: account data too short (%d bytes)", poolAddress, len(data))
	}
	binID := int(int32(binary.LittleEndian.Uint32(data[lbPairActiveIDOffset:])))
	binStep := int(binary.LittleEndian.Uint16(data[lbPairBinStepOffset:]))

	price := math.Pow(1+float64(binStep)/10000, float64(binID))
	return &domain.ActiveBin{BinID: binID, PricePerToken: price}, nil
}

// CreatePosition initializes and funds a position in one transaction signed
// by both the wallet and the fresh position keypair.
func (c *DLMMClient) CreatePosition(ctx context.Context, req ports.CreatePositionRequest) (*ports.TxResult, error) {
	positionKey, err := NewEphemeralWallet()
	if err != nil {
		return nil, fmt.Errorf("chain.CreatePosition: %w", err)
	}

	width := req.UpperBinID - req.LowerBinID + 1
	initData := make([]byte, 8+8)
	copy(initData, ixInitializePosition)
	binary.LittleEndian.PutUint32(initData[8:], uint32(int32(req.LowerBinID)))
	binary.LittleEndian.PutUint32(initData[12:], uint32(int32(width)))

	addData := make([]byte, 8+16)
	copy(addData, ixAddLiquidity)
	binary.LittleEndian.PutUint64(addData[8:], uint64(req.AmountXLamports))
	binary.LittleEndian.PutUint64(addData[16:], uint64(req.AmountYLamports))

	accounts := []AccountMeta{
		{Address: positionKey.Address(), Signer: true, Writable: true},
		{Address: req.PoolAddress, Writable: true},
		{Address: c.wallet.Address(), Signer: true, Writable: true},
	}
	instructions := []Instruction{
		ComputeUnitPriceInstruction(c.priorityFee),
		{ProgramID: c.programID, Accounts: accounts, Data: initData},
		{ProgramID: c.programID, Accounts: accounts, Data: addData},
	}

	result, err := c.sendWithRetry(ctx, instructions, positionKey)
	if err != nil {
		return nil, fmt.Errorf("chain.CreatePosition: %w", err)
	}
	c.mu.Lock()
	c.positionKeys[positionKey.Address()] = positionKey
	c.mu.Unlock()
	return &ports.TxResult{
		Signature:       result.Signature,
		FeeLamports:     result.FeeLamports,
		PositionAddress: positionKey.Address(),
	}, nil
}

// PositionFees reads the claimable fee snapshot of an open position.
func (c *DLMMClient) PositionFees(ctx context.Context, positionAddress string) (*ports.PositionFees, error) {
	data, err := c.rpc.AccountData(ctx, positionAddress)
	if err != nil {
		return nil, fmt.Errorf("chain.PositionFees %s: %w", positionAddress, err)
	}
	if len(data) < positionFeeYOffset+8 {
		return nil, fmt.Errorf("chain.PositionFees %s: account data too short", positionAddress)
	}
	return &ports.PositionFees{
		FeesXLamports: int64(binary.LittleEndian.Uint64(data[positionFeeXOffset:])),
		FeesYLamports: int64(binary.LittleEndian.Uint64(data[positionFeeYOffset:])),
	}, nil
}

// ClosePosition claims fees, removes all liquidity and closes the account.
// Runs as two sub-transactions, each carrying a priority fee; fees of every
// confirmed sub-transaction are summed.
func (c *DLMMClient) ClosePosition(ctx context.Context, positionAddress string) (*ports.TxResult, error) {
	accounts := []AccountMeta{
		{Address: positionAddress, Writable: true},
		{Address: c.wallet.Address(), Signer: true, Writable: true},
	}

	claim := []Instruction{
		ComputeUnitPriceInstruction(c.priorityFee),
		{ProgramID: c.programID, Accounts: accounts, Data: ixClaimFee},
	}
	removeData := make([]byte, 8+2)
	copy(removeData, ixRemoveLiquidity)
	binary.LittleEndian.PutUint16(removeData[8:], 10_000) // remove 100% in bps
	removeAndClose := []Instruction{
		ComputeUnitPriceInstruction(c.priorityFee),
		{ProgramID: c.programID, Accounts: accounts, Data: removeData},
		{ProgramID: c.programID, Accounts: accounts, Data: ixClosePosition},
	}

	var totalFee int64
	var lastSig string
	for _, batch := range [][]Instruction{claim, removeAndClose} {
		result, err := c.sendWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("chain.ClosePosition %s: %w", positionAddress, err)
		}
		totalFee += result.FeeLamports
		lastSig = result.Signature
	}
	c.mu.Lock()
	delete(c.positionKeys, positionAddress)
	c.mu.Unlock()

	return &ports.TxResult{Signature: lastSig, FeeLamports: totalFee}, nil
}

// SwapToSOL routes a leftover token balance back to SOL via the aggregator.
func (c *DLMMClient) SwapToSOL(ctx context.Context, mint string, amountLamports int64) (*ports.TxResult, error) {
	if c.swap == nil {
		return nil, fmt.Errorf("chain.SwapToSOL: no aggregator configured")
	}
	instructions, err := c.swap.SwapInstructions(ctx, mint, domain.WrappedSOLMint, amountLamports, c.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("chain.SwapToSOL: %w", err)
	}
	withFee := append([]Instruction{ComputeUnitPriceInstruction(c.priorityFee)}, instructions...)
	result, err := c.sendWithRetry(ctx, withFee)
	if err != nil {
		return nil, fmt.Errorf("chain.SwapToSOL: %w", err)
	}
	return result, nil
}

// sendWithRetry assembles against a fresh blockhash per attempt, sends,
// confirms, and reads back the actual fee.
func (c *DLMMClient) sendWithRetry(ctx context.Context, instructions []Instruction, extraSigners ...*Wallet) (*ports.TxResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		blockhash, err := c.rpc.LatestBlockhash(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		tx, err := BuildTransaction(c.wallet, blockhash, instructions, extraSigners...)
		if err != nil {
			return nil, err
		}
		signature, err := c.rpc.SendTransaction(ctx, tx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.rpc.ConfirmTransaction(ctx, signature); err != nil {
			lastErr = err
			continue
		}

		fee, err := c.rpc.TransactionFee(ctx, signature)
		if err != nil {
			slog.Warn("could not read back tx fee", "signature", signature, "err", err)
			fee = baseFeeFallbackLamports
		}
		return &ports.TxResult{Signature: signature, FeeLamports: fee}, nil
	}
	return nil, fmt.Errorf("send failed after %d attempts: %w", maxSendAttempts, lastErr)
}
