package scheduler

import (
	"errors"
	"fmt"
	"math"

	"github.com/videotuna/wanvideo/ml"
)

// DPMSolver is the multistep DPM-Solver++ for flow-matching models using
// the midpoint second-order update. With sde set, each step injects fresh
// noise drawn from the caller's generator.
type DPMSolver struct {
	stepper

	order int
	sde   bool

	outputs       []*ml.Tensor
	lowerOrderNum int
}

// NewDPMSolver builds a solver over precomputed sigmas (without the
// terminal 0, which is appended here).
func NewDPMSolver(cfg Config, sigmas []float64, sde bool) *DPMSolver {
	cfg = cfg.withDefaults()

	all := make([]float64, len(sigmas)+1)
	copy(all, sigmas)

	schedule := &Schedule{
		Timesteps: timestepsFrom(sigmas, cfg.NumTrainTimesteps),
		Sigmas:    all,
	}

	return &DPMSolver{
		stepper: stepper{schedule: schedule},
		order:   cfg.SolverOrder,
		sde:     sde,
		outputs: make([]*ml.Tensor, cfg.SolverOrder),
	}
}

func (d *DPMSolver) Step(modelOutput *ml.Tensor, timestep float64, sample *ml.Tensor, rng *ml.Generator) (*ml.Tensor, error) {
	if err := d.locate(timestep); err != nil {
		return nil, err
	}

	n := d.schedule.Len()
	lowerOrderFinal := d.index == n-1
	lowerOrderSecond := d.index == n-2 && n < 15

	sigma := d.schedule.Sigmas[d.index]
	converted, err := ml.Combine(ml.Term{Coef: 1, T: sample}, ml.Term{Coef: -sigma, T: modelOutput})
	if err != nil {
		return nil, err
	}

	copy(d.outputs, d.outputs[1:])
	d.outputs[len(d.outputs)-1] = converted

	var noise *ml.Tensor
	if d.sde {
		if rng == nil {
			return nil, errors.New("sde-dpm++ requires a generator")
		}
		noise = rng.NormalLike(sample)
	}

	var prev *ml.Tensor
	switch {
	case d.order == 1 || d.lowerOrderNum < 1 || lowerOrderFinal:
		prev, err = d.firstOrder(sample, noise)
	case d.order == 2 || d.lowerOrderNum < 2 || lowerOrderSecond:
		prev, err = d.secondOrder(sample, noise)
	default:
		prev, err = d.thirdOrder(sample)
	}
	if err != nil {
		return nil, fmt.Errorf("dpm++ update: %w", err)
	}

	if d.lowerOrderNum < d.order {
		d.lowerOrderNum++
	}
	d.index++
	return prev, nil
}

func (d *DPMSolver) firstOrder(x, noise *ml.Tensor) (*ml.Tensor, error) {
	sigmaT, sigmaS := d.schedule.Sigmas[d.index+1], d.schedule.Sigmas[d.index]
	alphaT := 1 - sigmaT
	h := lambda(sigmaT) - lambda(sigmaS)
	m0 := d.outputs[len(d.outputs)-1]

	if !d.sde {
		return ml.Combine(
			ml.Term{Coef: sigmaT / sigmaS, T: x},
			ml.Term{Coef: -alphaT * math.Expm1(-h), T: m0},
		)
	}

	return ml.Combine(
		ml.Term{Coef: sigmaT / sigmaS * math.Exp(-h), T: x},
		ml.Term{Coef: alphaT * -math.Expm1(-2*h), T: m0},
		ml.Term{Coef: sigmaT * math.Sqrt(-math.Expm1(-2*h)), T: noise},
	)
}

func (d *DPMSolver) secondOrder(x, noise *ml.Tensor) (*ml.Tensor, error) {
	sigmas := d.schedule.Sigmas
	sigmaT, sigmaS0, sigmaS1 := sigmas[d.index+1], sigmas[d.index], sigmas[d.index-1]
	alphaT := 1 - sigmaT

	lambdaT, lambdaS0, lambdaS1 := lambda(sigmaT), lambda(sigmaS0), lambda(sigmaS1)
	h, h0 := lambdaT-lambdaS0, lambdaS0-lambdaS1
	r0 := h0 / h

	m0 := d.outputs[len(d.outputs)-1]
	m1 := d.outputs[len(d.outputs)-2]

	// D0 = m0, D1 = (m0 - m1) / r0 folded into the coefficients below.
	if !d.sde {
		c := -0.5 * alphaT * math.Expm1(-h) / r0
		return ml.Combine(
			ml.Term{Coef: sigmaT / sigmaS0, T: x},
			ml.Term{Coef: -alphaT * math.Expm1(-h), T: m0},
			ml.Term{Coef: c, T: m0},
			ml.Term{Coef: -c, T: m1},
		)
	}

	decay := -math.Expm1(-2 * h)
	c := 0.5 * alphaT * decay / r0
	return ml.Combine(
		ml.Term{Coef: sigmaT / sigmaS0 * math.Exp(-h), T: x},
		ml.Term{Coef: alphaT * decay, T: m0},
		ml.Term{Coef: c, T: m0},
		ml.Term{Coef: -c, T: m1},
		ml.Term{Coef: sigmaT * math.Sqrt(decay), T: noise},
	)
}

func (d *DPMSolver) thirdOrder(x *ml.Tensor) (*ml.Tensor, error) {
	sigmas := d.schedule.Sigmas
	sigmaT := sigmas[d.index+1]
	sigmaS0, sigmaS1, sigmaS2 := sigmas[d.index], sigmas[d.index-1], sigmas[d.index-2]
	alphaT := 1 - sigmaT

	lambdaT := lambda(sigmaT)
	lambdaS0, lambdaS1, lambdaS2 := lambda(sigmaS0), lambda(sigmaS1), lambda(sigmaS2)
	h, h0, h1 := lambdaT-lambdaS0, lambdaS0-lambdaS1, lambdaS1-lambdaS2
	r0, r1 := h0/h, h1/h

	n := len(d.outputs)
	m0, m1, m2 := d.outputs[n-1], d.outputs[n-2], d.outputs[n-3]

	d10, err := ml.Combine(ml.Term{Coef: 1 / r0, T: m0}, ml.Term{Coef: -1 / r0, T: m1})
	if err != nil {
		return nil, err
	}
	d11, err := ml.Combine(ml.Term{Coef: 1 / r1, T: m1}, ml.Term{Coef: -1 / r1, T: m2})
	if err != nil {
		return nil, err
	}

	w := r0 / (r0 + r1)
	d1, err := ml.Combine(ml.Term{Coef: 1 + w, T: d10}, ml.Term{Coef: -w, T: d11})
	if err != nil {
		return nil, err
	}
	d2, err := ml.Combine(ml.Term{Coef: 1 / (r0 + r1), T: d10}, ml.Term{Coef: -1 / (r0 + r1), T: d11})
	if err != nil {
		return nil, err
	}

	em := math.Expm1(-h)
	return ml.Combine(
		ml.Term{Coef: sigmaT / sigmaS0, T: x},
		ml.Term{Coef: -alphaT * em, T: m0},
		ml.Term{Coef: alphaT * (em/h + 1), T: d1},
		ml.Term{Coef: -alphaT * ((em+h)/(h*h) - 0.5), T: d2},
	)
}
