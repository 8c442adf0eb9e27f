package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Default RPC client tuning.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second

	confirmPollInterval = 2 * time.Second
	confirmTimeout      = 60 * time.Second
)

// RPCClient is a Solana JSON-RPC 2.0 client. One shared connection serves
// every bot; concurrent requests are fine.
type RPCClient struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	requestID  atomic.Uint64
}

// RPCOption configures an RPCClient.
type RPCOption func(*RPCClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) RPCOption {
	return func(c *RPCClient) { c.client.Timeout = d }
}

// WithMaxRetries sets the retry budget per call.
func WithMaxRetries(n int) RPCOption {
	return func(c *RPCClient) { c.maxRetries = n }
}

// NewRPCClient creates a client against the given RPC endpoint.
func NewRPCClient(endpoint string, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call issues one JSON-RPC request with bounded retries and decodes the
// result into out.
func (c *RPCClient) Call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("chain.Call: marshal %s: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rpc status %d", resp.StatusCode)
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return fmt.Errorf("chain.Call: decode %s: %w", method, err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("chain.Call %s: %w", method, rpcResp.Error)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("chain.Call: decode result of %s: %w", method, err)
		}
		return nil
	}
	return fmt.Errorf("chain.Call %s: exhausted %d attempts: %w", method, c.maxRetries, lastErr)
}

// Balance returns the lamport balance of an address.
func (c *RPCClient) Balance(ctx context.Context, address string) (int64, error) {
	var result struct {
		Value int64 `json:"value"`
	}
	if err := c.Call(ctx, "getBalance", []any{address}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// AccountData fetches and decodes an account's raw data.
func (c *RPCClient) AccountData(ctx context.Context, address string) ([]byte, error) {
	var result struct {
		Value *struct {
			Data []string `json:"data"` // [payload, encoding]
		} `json:"value"`
	}
	params := []any{address, map[string]any{"encoding": "base64"}}
	if err := c.Call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil || len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("chain.AccountData: account %s not found", address)
	}
	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("chain.AccountData: decode %s: %w", address, err)
	}
	return data, nil
}

// LatestBlockhash returns the current blockhash for transaction assembly.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": "confirmed"}}
	if err := c.Call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

// SendTransaction submits a signed, base64-encoded transaction.
func (c *RPCClient) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var signature string
	params := []any{txBase64, map[string]any{"encoding": "base64", "skipPreflight": false}}
	if err := c.Call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// ConfirmTransaction polls until the signature is confirmed or the deadline
// passes.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		var result struct {
			Value []*struct {
				ConfirmationStatus string `json:"confirmationStatus"`
				Err                any    `json:"err"`
			} `json:"value"`
		}
		err := c.Call(ctx, "getSignatureStatuses", []any{[]string{signature}}, &result)
		if err == nil && len(result.Value) == 1 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("chain.ConfirmTransaction: %s failed on chain: %v", signature, status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chain.ConfirmTransaction: %s not confirmed: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransactionFee reads the actual network fee of a confirmed transaction.
func (c *RPCClient) TransactionFee(ctx context.Context, signature string) (int64, error) {
	var result struct {
		Meta *struct {
			Fee int64 `json:"fee"`
		} `json:"meta"`
	}
	params := []any{signature, map[string]any{"encoding": "json", "maxSupportedTransactionVersion": 0}}
	if err := c.Call(ctx, "getTransaction", params, &result); err != nil {
		return 0, err
	}
	if result.Meta == nil {
		return 0, fmt.Errorf("chain.TransactionFee: %s has no meta", signature)
	}
	return result.Meta.Fee, nil
}
