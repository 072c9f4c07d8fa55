package scheduler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/videotuna/wanvideo/ml"
)

// UniPC is the multistep predictor-corrector solver for flow-matching
// models (B(h) = expm1(-h) variant, data prediction). Each step first
// corrects the previous prediction with the new model output and then
// predicts the next sample.
type UniPC struct {
	stepper

	order int

	outputs       []*ml.Tensor // converted x0 predictions, oldest first
	lastSample    *ml.Tensor
	thisOrder     int
	lowerOrderNum int
}

func NewUniPC(cfg Config) *UniPC {
	cfg = cfg.withDefaults()
	n := cfg.NumTrainTimesteps

	// Training sigmas run from 1-1/N down to 0.
	sigmaMax := 1 - 1/float64(n)
	sigmaMin := 0.0

	sigmas := linspace(sigmaMax, sigmaMin, cfg.Steps+1)[:cfg.Steps]
	cfg.shiftSigmas(sigmas)

	schedule := &Schedule{
		Timesteps: timestepsFrom(sigmas, n),
		Sigmas:    append(sigmas, 0),
	}

	return &UniPC{
		stepper: stepper{schedule: schedule},
		order:   cfg.SolverOrder,
		outputs: make([]*ml.Tensor, cfg.SolverOrder),
	}
}

func (u *UniPC) Step(modelOutput *ml.Tensor, timestep float64, sample *ml.Tensor, _ *ml.Generator) (*ml.Tensor, error) {
	if err := u.locate(timestep); err != nil {
		return nil, err
	}

	converted, err := u.convert(modelOutput, sample)
	if err != nil {
		return nil, err
	}

	if u.index > 0 && u.lastSample != nil {
		sample, err = u.correct(converted, u.lastSample, u.thisOrder)
		if err != nil {
			return nil, fmt.Errorf("unipc corrector: %w", err)
		}
	}

	copy(u.outputs, u.outputs[1:])
	u.outputs[len(u.outputs)-1] = converted

	// Drop to lower orders near the end of short schedules and while the
	// history is still filling.
	order := min(u.order, u.schedule.Len()-u.index)
	u.thisOrder = min(order, u.lowerOrderNum+1)

	u.lastSample = sample
	prev, err := u.predict(sample, u.thisOrder)
	if err != nil {
		return nil, fmt.Errorf("unipc predictor: %w", err)
	}

	if u.lowerOrderNum < u.order {
		u.lowerOrderNum++
	}
	u.index++
	return prev, nil
}

// convert turns a velocity prediction into a data prediction
// x0 = sample - sigma*v.
func (u *UniPC) convert(modelOutput, sample *ml.Tensor) (*ml.Tensor, error) {
	sigma := u.schedule.Sigmas[u.index]
	return ml.Combine(ml.Term{Coef: 1, T: sample}, ml.Term{Coef: -sigma, T: modelOutput})
}

// predict computes x_{i+1} from the sample at step i using the last order
// data predictions.
func (u *UniPC) predict(x *ml.Tensor, order int) (*ml.Tensor, error) {
	sigmas := u.schedule.Sigmas
	sigmaT, sigmaS0 := sigmas[u.index+1], sigmas[u.index]
	alphaT := 1 - sigmaT

	m0 := u.outputs[len(u.outputs)-1]
	lambdaS0 := lambda(sigmaS0)
	h := lambda(sigmaT) - lambdaS0

	var rks []float64
	var d1s []*ml.Tensor
	for i := 1; i < order; i++ {
		mi := u.outputs[len(u.outputs)-1-i]
		rk := (lambda(sigmas[u.index-i]) - lambdaS0) / h
		d, err := ml.Combine(ml.Term{Coef: 1 / rk, T: mi}, ml.Term{Coef: -1 / rk, T: m0})
		if err != nil {
			return nil, err
		}
		rks = append(rks, rk)
		d1s = append(d1s, d)
	}
	rks = append(rks, 1)

	hh := -h
	hPhi1 := math.Expm1(hh)
	bh := math.Expm1(hh)

	terms := []ml.Term{
		{Coef: sigmaT / sigmaS0, T: x},
		{Coef: -alphaT * hPhi1, T: m0},
	}

	if len(d1s) > 0 {
		var rhos []float64
		if order == 2 {
			rhos = []float64{0.5}
		} else {
			r, b := uniCoefficients(rks, hh, order)
			var err error
			rhos, err = solve(r, b, order-1)
			if err != nil {
				return nil, err
			}
		}
		for k, d := range d1s {
			terms = append(terms, ml.Term{Coef: -alphaT * bh * rhos[k], T: d})
		}
	}

	return ml.Combine(terms...)
}

// correct refines the sample produced by the previous predictor using the
// model output evaluated at that sample.
func (u *UniPC) correct(modelT, lastSample *ml.Tensor, order int) (*ml.Tensor, error) {
	sigmas := u.schedule.Sigmas
	sigmaT, sigmaS0 := sigmas[u.index], sigmas[u.index-1]
	alphaT := 1 - sigmaT

	m0 := u.outputs[len(u.outputs)-1]
	lambdaS0 := lambda(sigmaS0)
	h := lambda(sigmaT) - lambdaS0

	var rks []float64
	var d1s []*ml.Tensor
	for i := 1; i < order; i++ {
		mi := u.outputs[len(u.outputs)-1-i]
		rk := (lambda(sigmas[u.index-(i+1)]) - lambdaS0) / h
		d, err := ml.Combine(ml.Term{Coef: 1 / rk, T: mi}, ml.Term{Coef: -1 / rk, T: m0})
		if err != nil {
			return nil, err
		}
		rks = append(rks, rk)
		d1s = append(d1s, d)
	}
	rks = append(rks, 1)

	hh := -h
	hPhi1 := math.Expm1(hh)
	bh := math.Expm1(hh)

	var rhos []float64
	if order == 1 {
		rhos = []float64{0.5}
	} else {
		r, b := uniCoefficients(rks, hh, order)
		var err error
		rhos, err = solve(r, b, order)
		if err != nil {
			return nil, err
		}
	}

	last := rhos[len(rhos)-1]
	terms := []ml.Term{
		{Coef: sigmaT / sigmaS0, T: lastSample},
		{Coef: -alphaT * hPhi1, T: m0},
		{Coef: -alphaT * bh * last, T: modelT},
		{Coef: alphaT * bh * last, T: m0},
	}
	for k, d := range d1s {
		terms = append(terms, ml.Term{Coef: -alphaT * bh * rhos[k], T: d})
	}

	return ml.Combine(terms...)
}

// uniCoefficients builds the Vandermonde-style system R·rho = b whose
// solution weights the finite differences of past predictions.
func uniCoefficients(rks []float64, hh float64, order int) (*mat.Dense, []float64) {
	hPhi1 := math.Expm1(hh)
	hPhiK := hPhi1/hh - 1
	bh := math.Expm1(hh)
	factorial := 1.0

	r := mat.NewDense(order, len(rks), nil)
	b := make([]float64, order)
	for i := 1; i <= order; i++ {
		for j, rk := range rks {
			r.Set(i-1, j, math.Pow(rk, float64(i-1)))
		}
		b[i-1] = hPhiK * factorial / bh
		factorial *= float64(i + 1)
		hPhiK = hPhiK/hh - 1/factorial
	}
	return r, b
}

// solve returns the solution of the leading n×n block of r against b[:n].
func solve(r *mat.Dense, b []float64, n int) ([]float64, error) {
	a := r.Slice(0, n, 0, n)
	var x mat.VecDense
	if err := x.SolveVec(a, mat.NewVecDense(n, b[:n:n])); err != nil {
		// An ill-conditioned system still yields a usable solution.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	return x.RawVector().Data, nil
}
