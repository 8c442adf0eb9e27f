package predictor_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlmmbot/dlmmbot/internal/adapters/predictor"
	"github.com/dlmmbot/dlmmbot/internal/domain"
)

func modelService(t *testing.T, healthCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		if healthCalls != nil {
			healthCalls.Add(1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"model":     "xgboost",
			"version":   "3",
			"threshold": 0.7,
		})
	})

	mux.HandleFunc("POST /predict", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Features      [][]float64 `json:"features"`
			PoolAddresses []string    `json:"pool_addresses"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		preds := make([]map[string]any, len(req.Features))
		for i := range req.Features {
			preds[i] = map[string]any{
				"probability":    0.8,
				"recommendation": "ENTER",
				"confidence":     0.9,
			}
			if i < len(req.PoolAddresses) {
				preds[i]["pool_address"] = req.PoolAddresses[i]
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": preds,
			"model":       "xgboost",
			"threshold":   0.7,
		})
	})

	mux.HandleFunc("POST /reload", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestPredictMapsBatch(t *testing.T) {
	ts := modelService(t, nil)
	client := predictor.New(ts.URL, "", slog.Default())

	features := []domain.FeatureVector{{Volume1h: 100}, {Volume1h: 200}}
	preds := client.Predict(context.Background(), features, []string{"pool-a", "pool-b"})

	require.Len(t, preds, 2)
	assert.Equal(t, 0.8, preds[0].Probability)
	assert.Equal(t, "ENTER", preds[0].Recommendation)
	assert.Equal(t, "pool-a", preds[0].PoolAddress)
	assert.Equal(t, "pool-b", preds[1].PoolAddress)
}

func TestPredictEmptyInput(t *testing.T) {
	client := predictor.New("http://localhost:1", "", slog.Default())

	preds := client.Predict(context.Background(), nil, nil)
	assert.Empty(t, preds)
	assert.NotNil(t, preds)
}

func TestPredictUnreachableReturnsNil(t *testing.T) {
	client := predictor.New("http://127.0.0.1:1", "", slog.Default())

	preds := client.Predict(context.Background(),
		[]domain.FeatureVector{{}}, []string{"pool-a"})
	assert.Nil(t, preds)
}

func TestPredictMismatchedBatchReturnsNil(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"predictions": []any{}})
	}))
	t.Cleanup(ts.Close)
	client := predictor.New(ts.URL, "", slog.Default())

	preds := client.Predict(context.Background(),
		[]domain.FeatureVector{{}}, []string{"pool-a"})
	assert.Nil(t, preds)
}

func TestHealthIsCached(t *testing.T) {
	var calls atomic.Int64
	ts := modelService(t, &calls)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := predictor.New(ts.URL, "", slog.Default(),
		predictor.WithClock(func() time.Time { return at }))

	first := client.Health(context.Background())
	require.NotNil(t, first)
	assert.Equal(t, "healthy", first.Status)

	second := client.Health(context.Background())
	require.NotNil(t, second)
	assert.Equal(t, int64(1), calls.Load())

	at = at.Add(time.Minute)
	client.Health(context.Background())
	assert.Equal(t, int64(2), calls.Load())
}

func TestHealthUnreachableReturnsNil(t *testing.T) {
	client := predictor.New("http://127.0.0.1:1", "", slog.Default())
	assert.Nil(t, client.Health(context.Background()))
}

func TestThresholdFallsBackWithoutHealth(t *testing.T) {
	client := predictor.New("http://127.0.0.1:1", "", slog.Default())
	assert.Equal(t, 0.65, client.Threshold())
}

func TestThresholdFollowsHealth(t *testing.T) {
	ts := modelService(t, nil)
	client := predictor.New(ts.URL, "", slog.Default())

	require.NotNil(t, client.Health(context.Background()))
	assert.Equal(t, 0.7, client.Threshold())
}

func TestReloadDropsHealthCache(t *testing.T) {
	var calls atomic.Int64
	ts := modelService(t, &calls)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := predictor.New(ts.URL, "", slog.Default(),
		predictor.WithClock(func() time.Time { return at }))

	require.NotNil(t, client.Health(context.Background()))
	require.NoError(t, client.Reload(context.Background()))

	// The cache was invalidated, so the next check hits the service again.
	require.NotNil(t, client.Health(context.Background()))
	assert.Equal(t, int64(2), calls.Load())
}

func TestReloadUnreachable(t *testing.T) {
	client := predictor.New("http://127.0.0.1:1", "", slog.Default())
	assert.Error(t, client.Reload(context.Background()))
}

func TestAPIKeyHeaderIsSent(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-ML-API-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	t.Cleanup(ts.Close)

	client := predictor.New(ts.URL, "sekret", slog.Default())
	client.Health(context.Background())
	assert.Equal(t, "sekret", gotKey)
}
