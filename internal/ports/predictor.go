package ports

import (
	"context"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// Prediction is one model verdict for a candidate pool.
type Prediction struct {
	PoolAddress    string
	Probability    float64
	Recommendation string
	Confidence     float64
}

// PredictorHealth mirrors the remote model service's health payload.
type PredictorHealth struct {
	Status       string
	Model        string
	Version      string
	Threshold    float64
	FeatureNames []string
}

// Predictor is the remote entry-probability model. Implementations must be
// failure-tolerant: on any transport or protocol error they return nil and
// the engine falls back to rule-based scoring.
type Predictor interface {
	// Predict batch-scores feature vectors. A nil result means the model is
	// unavailable, not that every candidate was rejected.
	Predict(ctx context.Context, features []domain.FeatureVector, poolAddresses []string) []Prediction

	// Health returns the cached service health, or nil when unreachable.
	Health(ctx context.Context) *PredictorHealth

	// Threshold is the admission probability of the loaded model.
	Threshold() float64
}
