package domain

import "math"

// Recommendation classifies a market score against the entry threshold.
type Recommendation string

const (
	RecommendEnter Recommendation = "ENTER"
	RecommendWait  Recommendation = "WAIT"
	RecommendSkip  Recommendation = "SKIP"
)

// MarketScore is the rule-based admission score of a pool. Sub-scores are in
// [0,100]; Total is the weighted sum doubled, so the usual admission
// threshold lives around 150 on a 0–200 scale.
type MarketScore struct {
	Volume         float64
	Liquidity      float64
	Fees           float64
	Momentum       float64
	Total          float64
	Recommendation Recommendation
}

// ScoreWeights are the hand-tuned weights of the rule-based scorer. They are
// parameters, not contract: calibration runs may swap them out.
type ScoreWeights struct {
	Volume    float64
	Liquidity float64
	Fees      float64
	Momentum  float64
}

// DefaultScoreWeights is the production tuning.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Volume: 0.35, Liquidity: 0.20, Fees: 0.25, Momentum: 0.20}
}

// LiquidityBucket maps a liquidity ceiling to a sub-score.
type LiquidityBucket struct {
	MaxLiquidity float64
	Score        float64
}

// ScoreParams collects the tunable constants of the scorer.
type ScoreParams struct {
	Weights ScoreWeights
	// VolumeFullScale is the hourly volume that earns a full volume score.
	VolumeFullScale float64
	// FeeYieldFullScale is the 24h fee / TVL ratio that earns a full fee score.
	FeeYieldFullScale float64
	// APRFullScale is the APR (percent) that earns a full momentum score.
	APRFullScale float64
	// Buckets must be sorted ascending by MaxLiquidity. OverflowScore applies
	// past the last bucket.
	Buckets       []LiquidityBucket
	OverflowScore float64
}

// DefaultScoreParams is the production tuning. Mid-depth pools score best:
// thin pools cannot absorb a position, deep ones dilute the fee share.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		Weights:           DefaultScoreWeights(),
		VolumeFullScale:   50_000,
		FeeYieldFullScale: 0.05,
		APRFullScale:      500,
		Buckets: []LiquidityBucket{
			{MaxLiquidity: 10_000, Score: 20},
			{MaxLiquidity: 50_000, Score: 60},
			{MaxLiquidity: 200_000, Score: 100},
			{MaxLiquidity: 500_000, Score: 70},
		},
		OverflowScore: 40,
	}
}

// ComputeMarketScore scores a pool against the given params and threshold.
func ComputeMarketScore(p Pool, params ScoreParams, entryThreshold float64) MarketScore {
	s := MarketScore{
		Volume:    scaled(p.Volume1h, params.VolumeFullScale),
		Liquidity: liquidityScore(p.Liquidity, params),
		Momentum:  scaled(p.APR, params.APRFullScale),
	}

	liq := math.Max(p.Liquidity, 1)
	s.Fees = scaled(p.Fees24h/liq, params.FeeYieldFullScale)

	w := params.Weights
	s.Total = 2 * (w.Volume*s.Volume + w.Liquidity*s.Liquidity + w.Fees*s.Fees + w.Momentum*s.Momentum)

	switch {
	case s.Total >= entryThreshold:
		s.Recommendation = RecommendEnter
	case s.Total >= entryThreshold*0.75:
		s.Recommendation = RecommendWait
	default:
		s.Recommendation = RecommendSkip
	}
	return s
}

// scaled maps value linearly into [0,100] against a full-scale constant.
func scaled(value, fullScale float64) float64 {
	if fullScale <= 0 || value <= 0 {
		return 0
	}
	return math.Min(100, value/fullScale*100)
}

func liquidityScore(liquidity float64, params ScoreParams) float64 {
	for _, b := range params.Buckets {
		if liquidity <= b.MaxLiquidity {
			return b.Score
		}
	}
	return params.OverflowScore
}
