package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultSwapAPIURL is the public aggregator endpoint used to route leftover
// token balances back to SOL.
const DefaultSwapAPIURL = "https://quote-api.jup.ag/v6"

const (
	defaultSlippageBps = 100
	swapTimeout        = 15 * time.Second
)

// DustThresholdLamports is the smallest token amount worth swapping. Below
// it the swap costs more in fees than it recovers.
const DustThresholdLamports = 10_000

// ErrDustAmount marks amounts below the swap threshold.
var ErrDustAmount = fmt.Errorf("amount below dust threshold")

// SwapClient builds swap instructions through the aggregator's quote and
// swap-instructions endpoints.
type SwapClient struct {
	baseURL     string
	client      *http.Client
	slippageBps int
}

// NewSwapClient creates an aggregator client. An empty baseURL selects the
// public endpoint.
func NewSwapClient(baseURL string) *SwapClient {
	if baseURL == "" {
		baseURL = DefaultSwapAPIURL
	}
	return &SwapClient{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: swapTimeout},
		slippageBps: defaultSlippageBps,
	}
}

type swapQuote struct {
	InputMint  string          `json:"inputMint"`
	OutputMint string          `json:"outputMint"`
	InAmount   string          `json:"inAmount"`
	OutAmount  string          `json:"outAmount"`
	Raw        json.RawMessage `json:"-"`
}

type apiInstruction struct {
	ProgramID string `json:"programId"`
	Accounts  []struct {
		Pubkey     string `json:"pubkey"`
		IsSigner   bool   `json:"isSigner"`
		IsWritable bool   `json:"isWritable"`
	} `json:"accounts"`
	Data string `json:"data"` // base64
}

type swapInstructionsResponse struct {
	SetupInstructions   []apiInstruction `json:"setupInstructions"`
	SwapInstruction     *apiInstruction  `json:"swapInstruction"`
	CleanupInstruction  *apiInstruction  `json:"cleanupInstruction"`
	ComputeUnitLimit    int              `json:"computeUnitLimit"`
	AddressLookupTables []string         `json:"addressLookupTableAddresses"`
}

// SwapInstructions returns the instruction list for swapping amountLamports
// of inMint into outMint, ready to assemble into a transaction signed by
// userAddress. Amounts below the dust threshold return ErrDustAmount.
func (s *SwapClient) SwapInstructions(ctx context.Context, inMint, outMint string, amountLamports int64, userAddress string) ([]Instruction, error) {
	if amountLamports < DustThresholdLamports {
		return nil, fmt.Errorf("chain.SwapInstructions %s: %w", inMint, ErrDustAmount)
	}

	quote, err := s.quote(ctx, inMint, outMint, amountLamports)
	if err != nil {
		return nil, fmt.Errorf("chain.SwapInstructions: quote: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"quoteResponse":             json.RawMessage(quote.Raw),
		"userPublicKey":             userAddress,
		"wrapAndUnwrapSol":          true,
		"useSharedAccounts":         true,
		"dynamicComputeUnitLimit":   true,
		"skipUserAccountsRpcCalls":  true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("chain.SwapInstructions: marshal request: %w", err)
	}

	var resp swapInstructionsResponse
	if err := s.post(ctx, "/swap-instructions", body, &resp); err != nil {
		return nil, fmt.Errorf("chain.SwapInstructions: %w", err)
	}
	if resp.SwapInstruction == nil {
		return nil, fmt.Errorf("chain.SwapInstructions: aggregator returned no swap instruction")
	}

	raw := make([]apiInstruction, 0, len(resp.SetupInstructions)+2)
	raw = append(raw, resp.SetupInstructions...)
	raw = append(raw, *resp.SwapInstruction)
	if resp.CleanupInstruction != nil {
		raw = append(raw, *resp.CleanupInstruction)
	}

	instructions := make([]Instruction, 0, len(raw))
	for _, ix := range raw {
		decoded, err := decodeInstruction(ix)
		if err != nil {
			return nil, fmt.Errorf("chain.SwapInstructions: %w", err)
		}
		instructions = append(instructions, decoded)
	}
	return instructions, nil
}

// quote fetches a route quote and keeps the raw body for the follow-up
// swap-instructions call, which expects it verbatim.
func (s *SwapClient) quote(ctx context.Context, inMint, outMint string, amountLamports int64) (*swapQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inMint)
	q.Set("outputMint", outMint)
	q.Set("amount", strconv.FormatInt(amountLamports, 10))
	q.Set("slippageBps", strconv.Itoa(s.slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var quote swapQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	quote.Raw = raw
	return &quote, nil
}

func (s *SwapClient) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	return json.Unmarshal(raw, out)
}

func decodeInstruction(ix apiInstruction) (Instruction, error) {
	data, err := base64.StdEncoding.DecodeString(ix.Data)
	if err != nil {
		return Instruction{}, fmt.Errorf("decode instruction data for %s: %w", ix.ProgramID, err)
	}
	accounts := make([]AccountMeta, len(ix.Accounts))
	for i, acc := range ix.Accounts {
		accounts[i] = AccountMeta{
			Address:  acc.Pubkey,
			Signer:   acc.IsSigner,
			Writable: acc.IsWritable,
		}
	}
	return Instruction{ProgramID: ix.ProgramID, Accounts: accounts, Data: data}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
