package domain

// probability.go: the log-normal z-score pricing model.
//
// z = ln(spot / baseline) / (σ × √minutes-remaining), mapped through the
// standard normal CDF to P(UP). Realized σ comes from log-returns of the
// rolling spot history, normalized to a per-minute standard deviation.

import (
	"math"
	"time"
)

const (
	// MinVolSamples is the minimum price history before the model prices.
	MinVolSamples = 5

	// Per-minute vol clamp band. Outside this band the estimate is more
	// likely a data artifact than a real regime.
	MinVolPerMin = 0.0001
	MaxVolPerMin = 0.02

	// Regime thresholds on per-minute vol.
	lowVolThreshold  = 0.0004
	highVolThreshold = 0.0025

	// SafeTradeBuffer is the terminal window before expiry in which the
	// model is least reliable and entries are forbidden.
	SafeTradeBuffer = 2 * time.Minute
)

// RealizedVolPerMin estimates the per-minute standard deviation of
// log-returns over the rolling history. Each return is normalized by
// the square root of its own interval, so uneven sampling does not skew
// the estimate. Returns ok=false with fewer than MinVolSamples points.
func RealizedVolPerMin(history []PricePoint) (vol float64, ok bool) {
	if len(history) < MinVolSamples {
		return 0, false
	}

	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if prev.Price <= 0 || cur.Price <= 0 {
			continue
		}
		dtMin := cur.At.Sub(prev.At).Minutes()
		if dtMin <= 0 {
			continue
		}
		r := math.Log(cur.Price/prev.Price) / math.Sqrt(dtMin)
		returns = append(returns, r)
	}
	if len(returns) < MinVolSamples-1 {
		return 0, false
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	vol = math.Sqrt(variance)
	return ClampVol(vol), true
}

// ClampVol bounds a per-minute vol estimate to the configured band.
func ClampVol(vol float64) float64 {
	if vol < MinVolPerMin {
		return MinVolPerMin
	}
	if vol > MaxVolPerMin {
		return MaxVolPerMin
	}
	return vol
}

// ClassifyRegime tags per-minute vol as LOW, NORMAL, or HIGH.
func ClassifyRegime(volPerMin float64) VolRegime {
	switch {
	case volPerMin < lowVolThreshold:
		return RegimeLow
	case volPerMin > highVolThreshold:
		return RegimeHigh
	default:
		return RegimeNormal
	}
}

// ModelProbability returns P(spot > baseline at expiry) under the
// log-normal model. Degenerate inputs collapse to a coin flip.
func ModelProbability(spot, baseline, volPerMin, minutesLeft float64) float64 {
	if spot <= 0 || baseline <= 0 || volPerMin <= 0 || minutesLeft <= 0 {
		return 0.5
	}
	z := math.Log(spot/baseline) / (volPerMin * math.Sqrt(minutesLeft))
	return NormalCDF(z)
}

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// ConfidenceFromProb maps P(UP) to a (direction, confidence) pair.
// Confidence is the normalized distance from the coin flip: 0 at 0.5,
// 1 at certainty, signed toward the chosen side.
func ConfidenceFromProb(probUp float64) (Direction, float64) {
	if probUp >= 0.5 {
		return DirectionUp, clamp01(2 * (probUp - 0.5))
	}
	return DirectionDown, clamp01(2 * (0.5 - probUp))
}

// DirectionalProb returns the model probability of the given side.
func DirectionalProb(probUp float64, d Direction) float64 {
	if d == DirectionDown {
		return 1 - probUp
	}
	return probUp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
