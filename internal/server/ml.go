package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

type mlPredictRequest struct {
	Features      [][]float64 `json:"features"`
	PoolAddresses []string    `json:"pool_addresses"`
}

func (s *Server) handleMLHealth(w http.ResponseWriter, r *http.Request) {
	if s.ml == nil {
		writeError(w, http.StatusServiceUnavailable, "predictor not configured")
		return
	}

	health := s.ml.Health(r.Context())
	if health == nil {
		writeError(w, http.StatusServiceUnavailable, "predictor unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        health.Status,
		"model":         health.Model,
		"version":       health.Version,
		"threshold":     health.Threshold,
		"feature_names": health.FeatureNames,
	})
}

func (s *Server) handleMLPredict(w http.ResponseWriter, r *http.Request) {
	if s.ml == nil {
		writeError(w, http.StatusServiceUnavailable, "predictor not configured")
		return
	}

	var req mlPredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, "features must not be empty")
		return
	}

	vectors := make([]domain.FeatureVector, len(req.Features))
	for i, row := range req.Features {
		if len(row) != domain.FeatureCount {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("features[%d] has %d values, want %d", i, len(row), domain.FeatureCount))
			return
		}
		var fixed [domain.FeatureCount]float64
		copy(fixed[:], row)
		vectors[i] = domain.FeatureVectorFromArray(fixed)
	}

	predictions := s.ml.Predict(r.Context(), vectors, req.PoolAddresses)
	if predictions == nil {
		writeError(w, http.StatusServiceUnavailable, "predictor unreachable")
		return
	}

	out := make([]map[string]any, len(predictions))
	for i, p := range predictions {
		out[i] = map[string]any{
			"probability":    p.Probability,
			"recommendation": p.Recommendation,
			"confidence":     p.Confidence,
			"pool_address":   p.PoolAddress,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": out,
		"threshold":   s.ml.Threshold(),
	})
}

func (s *Server) handleMLReload(w http.ResponseWriter, r *http.Request) {
	if s.ml == nil {
		writeError(w, http.StatusServiceUnavailable, "predictor not configured")
		return
	}

	if err := s.ml.Reload(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "predictor unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

// feedbackRow is one labelled training sample: the features captured at
// entry plus the realized outcome.
type feedbackRow struct {
	PoolAddress string                `json:"pool_address"`
	Features    *domain.FeatureVector `json:"features"`
	PnLLamports int64                 `json:"pnl_lamports"`
	Win         bool                  `json:"win"`
	ExitReason  string                `json:"exit_reason"`
	EntryTime   time.Time             `json:"entry_time"`
	ExitTime    time.Time             `json:"exit_time"`
}

func (s *Server) handleMLFeedback(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionHistory(r.Context(), walletFrom(r.Context()), defaultHistoryLimit)
	if err != nil {
		s.serverError(w, r, "list position history", err)
		return
	}

	rows := make([]feedbackRow, 0, len(positions))
	for _, p := range positions {
		if p.Status != domain.PositionClosed || p.EntryFeatures == nil {
			continue
		}
		rows = append(rows, feedbackRow{
			PoolAddress: p.PoolAddress,
			Features:    p.EntryFeatures,
			PnLLamports: p.RealizedPnLLamports,
			Win:         p.RealizedPnLLamports >= 0,
			ExitReason:  string(p.ExitReason),
			EntryTime:   p.EntryTime,
			ExitTime:    p.ExitTime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"samples":       rows,
		"feature_names": domain.FeatureNames,
	})
}
