package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// Client tuning. The request timeout is deliberately short: a slow model is
// treated the same as a dead one and the engine falls back to rule scoring.
const (
	requestTimeout   = 5 * time.Second
	healthCacheTTL   = 30 * time.Second
	apiKeyHeader     = "X-ML-API-Key"
	defaultThreshold = 0.65
)

// Client talks to the remote entry-probability model over HTTP. Every
// failure path degrades to nil so callers never block on the model.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	health      *ports.PredictorHealth
	healthAt    time.Time
	healthKnown bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a predictor client. apiKey may be empty for unauthenticated
// deployments.
func New(baseURL, apiKey string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log.With("component", "predictor"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type healthResponse struct {
	Status       string   `json:"status"`
	Model        string   `json:"model"`
	Version      string   `json:"version"`
	Threshold    float64  `json:"threshold"`
	FeatureNames []string `json:"feature_names"`
}

type predictRequest struct {
	Features      [][]float64 `json:"features"`
	PoolAddresses []string    `json:"pool_addresses,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		Probability    float64 `json:"probability"`
		Recommendation string  `json:"recommendation"`
		Confidence     float64 `json:"confidence"`
		PoolAddress    *string `json:"pool_address"`
	} `json:"predictions"`
	Model     string  `json:"model"`
	Threshold float64 `json:"threshold"`
}

// Predict batch-scores the given feature vectors. Returns nil on any
// transport or protocol failure.
func (c *Client) Predict(ctx context.Context, features []domain.FeatureVector, poolAddresses []string) []ports.Prediction {
	if len(features) == 0 {
		return []ports.Prediction{}
	}

	rows := make([][]float64, len(features))
	for i := range features {
		arr := features[i].Array()
		rows[i] = arr[:]
	}
	body, err := json.Marshal(predictRequest{Features: rows, PoolAddresses: poolAddresses})
	if err != nil {
		c.log.Error("marshal predict request", "err", err)
		return nil
	}

	var resp predictResponse
	if err := c.post(ctx, "/predict", body, &resp); err != nil {
		c.log.Warn("predictor unavailable", "err", err)
		return nil
	}
	if len(resp.Predictions) != len(features) {
		c.log.Warn("predictor returned mismatched batch",
			"sent", len(features), "received", len(resp.Predictions))
		return nil
	}

	out := make([]ports.Prediction, len(resp.Predictions))
	for i, p := range resp.Predictions {
		pred := ports.Prediction{
			Probability:    p.Probability,
			Recommendation: p.Recommendation,
			Confidence:     p.Confidence,
		}
		if p.PoolAddress != nil {
			pred.PoolAddress = *p.PoolAddress
		} else if i < len(poolAddresses) {
			pred.PoolAddress = poolAddresses[i]
		}
		out[i] = pred
	}

	if resp.Threshold > 0 {
		c.mu.Lock()
		if c.health != nil {
			c.health.Threshold = resp.Threshold
		}
		c.mu.Unlock()
	}
	return out
}

// Health returns the model service health, cached for a short window.
// Returns nil when the service is unreachable.
func (c *Client) Health(ctx context.Context) *ports.PredictorHealth {
	c.mu.Lock()
	if c.healthKnown && c.now().Sub(c.healthAt) < healthCacheTTL {
		cached := c.health
		c.mu.Unlock()
		if cached == nil {
			return nil
		}
		h := *cached
		return &h
	}
	c.mu.Unlock()

	fetched := c.fetchHealth(ctx)

	c.mu.Lock()
	c.health = fetched
	c.healthAt = c.now()
	c.healthKnown = true
	c.mu.Unlock()

	if fetched == nil {
		return nil
	}
	h := *fetched
	return &h
}

func (c *Client) fetchHealth(ctx context.Context) *ports.PredictorHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("predictor health check failed", "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("predictor health check failed", "status", resp.StatusCode)
		return nil
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		c.log.Warn("predictor health decode failed", "err", err)
		return nil
	}
	return &ports.PredictorHealth{
		Status:       health.Status,
		Model:        health.Model,
		Version:      health.Version,
		Threshold:    health.Threshold,
		FeatureNames: health.FeatureNames,
	}
}

// Reload asks the model service to reload its artifact from disk and drops
// the cached health so the next check sees the new model.
func (c *Client) Reload(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/reload", []byte(`{}`), &resp); err != nil {
		return fmt.Errorf("predictor.Reload: %w", err)
	}

	c.mu.Lock()
	c.healthKnown = false
	c.mu.Unlock()
	return nil
}

// Threshold returns the admission probability of the loaded model, falling
// back to a conservative default when health was never fetched.
func (c *Client) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health != nil && c.health.Threshold > 0 {
		return c.health.Threshold
	}
	return defaultThreshold
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("predictor status %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
}
