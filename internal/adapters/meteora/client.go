package meteora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

const (
	defaultBaseURL = "https://dlmm-api.meteora.ag"

	// One outbound call every 500ms, shared by every bot in the process.
	minCallSpacing = 500 * time.Millisecond

	maxRetries    = 3
	baseRetryWait = 400 * time.Millisecond
)

// PoolFetcher is the upstream surface the cache coalesces over.
type PoolFetcher interface {
	FetchAllPools(ctx context.Context) ([]domain.Pool, error)
	FetchPool(ctx context.Context, address string) (*domain.Pool, error)
}

// Client is the DLMM pool API client with rate limiting and retries.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewClient creates a Client. An empty baseURL selects production.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Every(minCallSpacing), 1),
	}
}

// FetchAllPools lists every pair the API reports.
func (c *Client) FetchAllPools(ctx context.Context) ([]domain.Pool, error) {
	var records []pairRecord
	if err := c.get(ctx, c.baseURL+"/pair/all", &records); err != nil {
		return nil, fmt.Errorf("meteora.FetchAllPools: %w", err)
	}
	pools := make([]domain.Pool, 0, len(records))
	for _, r := range records {
		pools = append(pools, r.toDomain())
	}
	return pools, nil
}

// FetchPool fetches a single pair record.
func (c *Client) FetchPool(ctx context.Context, address string) (*domain.Pool, error) {
	var record pairRecord
	if err := c.get(ctx, c.baseURL+"/pair/"+address, &record); err != nil {
		return nil, fmt.Errorf("meteora.FetchPool %s: %w", address, err)
	}
	pool := record.toDomain()
	return &pool, nil
}

// get performs a GET with rate limiting and bounded linear-backoff retries.
func (c *Client) get(ctx context.Context, url string, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			slog.Warn("pool API retryable failure", "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d attempts: %w", maxRetries, lastErr)
}

// sleep waits linearly longer per attempt, respecting the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	select {
	case <-time.After(time.Duration(attempt+1) * baseRetryWait):
	case <-ctx.Done():
	}
}

// pairRecord mirrors the API's pair payload. Liquidity arrives as a decimal
// string.
type pairRecord struct {
	Address      string       `json:"address"`
	Name         string       `json:"name"`
	MintX        string       `json:"mint_x"`
	MintY        string       `json:"mint_y"`
	BinStep      int          `json:"bin_step"`
	CurrentPrice float64      `json:"current_price"`
	Liquidity    string       `json:"liquidity"`
	APR          float64      `json:"apr"`
	Volume       windowValues `json:"volume"`
	Fees         windowValues `json:"fees"`
	TradeVol24h  float64      `json:"trade_volume_24h"`
	Fees24h      float64      `json:"fees_24h"`
	IsBlacklisted bool        `json:"is_blacklisted"`
	Hide          bool        `json:"hide"`
}

type windowValues struct {
	Min30  float64 `json:"min_30"`
	Hour1  float64 `json:"hour_1"`
	Hour2  float64 `json:"hour_2"`
	Hour4  float64 `json:"hour_4"`
	Hour24 float64 `json:"hour_24"`
}

func (r pairRecord) toDomain() domain.Pool {
	liquidity, _ := strconv.ParseFloat(r.Liquidity, 64)
	vol24 := r.Volume.Hour24
	if vol24 == 0 {
		vol24 = r.TradeVol24h
	}
	fees24 := r.Fees.Hour24
	if fees24 == 0 {
		fees24 = r.Fees24h
	}
	return domain.Pool{
		Address:      r.Address,
		Name:         r.Name,
		MintX:        r.MintX,
		MintY:        r.MintY,
		BinStep:      r.BinStep,
		CurrentPrice: r.CurrentPrice,
		Liquidity:    liquidity,
		APR:          r.APR,
		Volume30m:    r.Volume.Min30,
		Volume1h:     r.Volume.Hour1,
		Volume2h:     r.Volume.Hour2,
		Volume4h:     r.Volume.Hour4,
		Volume24h:    vol24,
		Fees30m:      r.Fees.Min30,
		Fees1h:       r.Fees.Hour1,
		Fees24h:      fees24,
		Blacklisted:  r.IsBlacklisted,
		Hidden:       r.Hide,
	}
}
