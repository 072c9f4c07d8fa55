package scheduler

import (
	"github.com/videotuna/wanvideo/ml"
)

// Euler is the first-order flow-matching Euler scheduler:
// x_{t-dt} = x_t + (sigma_next - sigma) * v_t.
type Euler struct {
	stepper
}

func NewEuler(cfg Config) *Euler {
	cfg = cfg.withDefaults()

	sigmas := linspace(1, 1/float64(cfg.Steps), cfg.Steps)
	cfg.shiftSigmas(sigmas)

	return &Euler{stepper: stepper{schedule: &Schedule{
		Timesteps: timestepsFrom(sigmas, cfg.NumTrainTimesteps),
		Sigmas:    append(sigmas, 0),
	}}}
}

func (e *Euler) Step(modelOutput *ml.Tensor, timestep float64, sample *ml.Tensor, _ *ml.Generator) (*ml.Tensor, error) {
	if err := e.locate(timestep); err != nil {
		return nil, err
	}

	dt := e.schedule.Sigmas[e.index+1] - e.schedule.Sigmas[e.index]
	e.index++
	return ml.Combine(ml.Term{Coef: 1, T: sample}, ml.Term{Coef: dt, T: modelOutput})
}
