package scheduler

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// linspace returns n evenly spaced values over [start, stop].
func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	switch n {
	case 0:
	case 1:
		out[0] = start
	default:
		floats.Span(out, start, stop)
	}
	return out
}

// ShiftSigma applies the flow-matching shift t' = s*t / (1 + (s-1)*t).
// Larger shifts spend more of the schedule at high noise.
func ShiftSigma(shift, sigma float64) float64 {
	return shift * sigma / (1 + (shift-1)*sigma)
}

// TimeShift is the exponential form used with dynamic shifting:
// exp(mu) / (exp(mu) + (1/t - 1)). TimeShift(log(s), t) == ShiftSigma(s, t).
func TimeShift(mu, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	e := math.Exp(mu)
	return e / (e + (1/sigma - 1))
}

// CalculateShift maps an image sequence length onto mu by linear
// interpolation between (baseSeqLen, baseShift) and (maxSeqLen, maxShift).
func CalculateShift(seqLen, baseSeqLen, maxSeqLen int, baseShift, maxShift float64) float64 {
	m := (maxShift - baseShift) / float64(maxSeqLen-baseSeqLen)
	b := baseShift - m*float64(baseSeqLen)
	return float64(seqLen)*m + b
}

// samplingSigmas returns steps shifted sigmas running from 1 towards 0,
// excluding the terminal 0.
func (c Config) samplingSigmas() []float64 {
	sigmas := linspace(1, 0, c.Steps+1)[:c.Steps]
	c.shiftSigmas(sigmas)
	return sigmas
}

// lambda is the half log-SNR of a flow-matching sigma, log(alpha/sigma)
// with alpha = 1 - sigma.
func lambda(sigma float64) float64 {
	return math.Log(1-sigma) - math.Log(sigma)
}

func timestepsFrom(sigmas []float64, numTrain int) []float64 {
	timesteps := make([]float64, len(sigmas))
	for i, s := range sigmas {
		timesteps[i] = s * float64(numTrain)
	}
	return timesteps
}
