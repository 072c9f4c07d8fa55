package scheduler

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/videotuna/wanvideo/ml"
)

// FlowMatch is the training-time flow-matching schedule. It maps a drawn
// timestep to a noise level and a loss weight.
type FlowMatch struct {
	NumTrainTimesteps int
	Shift             float64
	SigmaMax          float64
	SigmaMin          float64
	ExtraOneStep      bool

	Timesteps []float64
	Sigmas    []float64
	Weights   []float64
}

// NewTrainingFlowMatch returns the schedule used for fine-tuning: shift 5,
// sigma_min 0, one extra step, 1000 training timesteps with weights.
func NewTrainingFlowMatch() *FlowMatch {
	f := &FlowMatch{
		NumTrainTimesteps: 1000,
		Shift:             5,
		SigmaMax:          1,
		SigmaMin:          0,
		ExtraOneStep:      true,
	}
	f.SetTimesteps(1000, 1, true)
	return f
}

// SetTimesteps lays out n sigmas starting at denoisingStrength of the way
// from SigmaMin to SigmaMax. With training set, per-timestep loss weights
// are computed as a Gaussian bell over the timestep range, normalised to
// mean 1.
func (f *FlowMatch) SetTimesteps(n int, denoisingStrength float64, training bool) {
	start := f.SigmaMin + (f.SigmaMax-f.SigmaMin)*denoisingStrength

	var sigmas []float64
	if f.ExtraOneStep {
		sigmas = linspace(start, f.SigmaMin, n+1)[:n]
	} else {
		sigmas = linspace(start, f.SigmaMin, n)
	}
	for i, s := range sigmas {
		sigmas[i] = ShiftSigma(f.Shift, s)
	}

	f.Sigmas = sigmas
	f.Timesteps = timestepsFrom(sigmas, f.NumTrainTimesteps)
	f.Weights = nil

	if training {
		weights := make([]float64, n)
		mid := float64(n) / 2
		for i, t := range f.Timesteps {
			x := (t - mid) / float64(n)
			weights[i] = math.Exp(-2 * x * x)
		}
		floats.AddConst(-floats.Min(weights), weights)
		floats.Scale(float64(n)/floats.Sum(weights), weights)
		f.Weights = weights
	}
}

func (f *FlowMatch) nearest(timestep float64) int {
	return floats.NearestIdx(f.Timesteps, timestep)
}

// SigmaAt returns the noise level of the timestep nearest to t.
func (f *FlowMatch) SigmaAt(t float64) float64 {
	return f.Sigmas[f.nearest(t)]
}

// AddNoise interpolates (1-sigma)*x + sigma*noise.
func (f *FlowMatch) AddNoise(x, noise *ml.Tensor, timestep float64) (*ml.Tensor, error) {
	sigma := f.SigmaAt(timestep)
	return ml.Combine(ml.Term{Coef: 1 - sigma, T: x}, ml.Term{Coef: sigma, T: noise})
}

// TrainingTarget is the velocity the model learns to predict.
func (f *FlowMatch) TrainingTarget(x, noise *ml.Tensor) (*ml.Tensor, error) {
	return ml.Sub(noise, x)
}

func (f *FlowMatch) TrainingWeight(timestep float64) float64 {
	if f.Weights == nil {
		return 1
	}
	return f.Weights[f.nearest(timestep)]
}

// Step moves sample from timestep to the next lower sigma.
func (f *FlowMatch) Step(modelOutput *ml.Tensor, timestep float64, sample *ml.Tensor) (*ml.Tensor, error) {
	i := f.nearest(timestep)
	next := 0.0
	if i+1 < len(f.Sigmas) {
		next = f.Sigmas[i+1]
	}
	return ml.Combine(ml.Term{Coef: 1, T: sample}, ml.Term{Coef: next - f.Sigmas[i], T: modelOutput})
}
