package domain

// FeatureCount is the width of the model input vector.
const FeatureCount = 12

// FeatureNames lists the model inputs in wire order. The predictor service
// and the training exporter both depend on this exact ordering.
var FeatureNames = [FeatureCount]string{
	"volume_30m",
	"volume_1h",
	"volume_2h",
	"volume_4h",
	"volume_24h",
	"fees_30m",
	"fees_1h",
	"fees_24h",
	"fee_efficiency_1h",
	"liquidity",
	"apr",
	"volume_to_liquidity",
}

// FeatureVector is the named form of the model input, stored with every
// position so closed trades can be labelled for supervised training.
type FeatureVector struct {
	Volume30m         float64 `json:"volume_30m"`
	Volume1h          float64 `json:"volume_1h"`
	Volume2h          float64 `json:"volume_2h"`
	Volume4h          float64 `json:"volume_4h"`
	Volume24h         float64 `json:"volume_24h"`
	Fees30m           float64 `json:"fees_30m"`
	Fees1h            float64 `json:"fees_1h"`
	Fees24h           float64 `json:"fees_24h"`
	FeeEfficiency1h   float64 `json:"fee_efficiency_1h"`
	Liquidity         float64 `json:"liquidity"`
	APR               float64 `json:"apr"`
	VolumeToLiquidity float64 `json:"volume_to_liquidity"`
}

// FeatureVectorFromArray rebuilds the named form from a wire-order row.
func FeatureVectorFromArray(row [FeatureCount]float64) FeatureVector {
	return FeatureVector{
		Volume30m: row[0], Volume1h: row[1], Volume2h: row[2], Volume4h: row[3], Volume24h: row[4],
		Fees30m: row[5], Fees1h: row[6], Fees24h: row[7],
		FeeEfficiency1h: row[8], Liquidity: row[9], APR: row[10], VolumeToLiquidity: row[11],
	}
}

// ExtractFeatures builds the feature vector for a pool. Ratio features use
// max(liquidity, 1) as divisor so empty pools do not blow up.
func ExtractFeatures(p Pool) FeatureVector {
	liq := p.Liquidity
	if liq < 1 {
		liq = 1
	}
	return FeatureVector{
		Volume30m:         p.Volume30m,
		Volume1h:          p.Volume1h,
		Volume2h:          p.Volume2h,
		Volume4h:          p.Volume4h,
		Volume24h:         p.Volume24h,
		Fees30m:           p.Fees30m,
		Fees1h:            p.Fees1h,
		Fees24h:           p.Fees24h,
		FeeEfficiency1h:   p.Fees1h / liq,
		Liquidity:         p.Liquidity,
		APR:               p.APR,
		VolumeToLiquidity: p.Volume1h / liq,
	}
}

// Array returns the vector in wire order.
func (f FeatureVector) Array() [FeatureCount]float64 {
	return [FeatureCount]float64{
		f.Volume30m, f.Volume1h, f.Volume2h, f.Volume4h, f.Volume24h,
		f.Fees30m, f.Fees1h, f.Fees24h,
		f.FeeEfficiency1h, f.Liquidity, f.APR, f.VolumeToLiquidity,
	}
}
