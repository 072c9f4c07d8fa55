// Package scheduler implements the noise schedules and multistep solvers
// used to sample flow-matching video models.
package scheduler

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/videotuna/wanvideo/ml"
)

const (
	SolverUniPC    = "unipc"
	SolverDPMPP    = "dpm++"
	SolverSDEDPMPP = "sde-dpm++"
	SolverEuler    = "euler"
)

// Solvers lists the accepted solver names.
func Solvers() []string {
	return []string{SolverUniPC, SolverDPMPP, SolverSDEDPMPP, SolverEuler}
}

var ErrUnsupportedSolver = errors.New("unsupported solver")

type UnsupportedSolverError struct {
	Solver string
}

func (e *UnsupportedSolverError) Error() string {
	return fmt.Sprintf("unsupported solver %q (want one of %v)", e.Solver, Solvers())
}

func (e *UnsupportedSolverError) Is(target error) bool {
	return target == ErrUnsupportedSolver
}

// Config holds the schedule parameters shared by every solver.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"` // 1000
	Steps             int     `json:"steps"`
	Shift             float64 `json:"shift"`
	DynamicShifting   bool    `json:"use_dynamic_shifting"`
	Mu                float64 `json:"mu"`
	SolverOrder       int     `json:"solver_order"` // 2
}

func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		Steps:             50,
		Shift:             5.0,
		SolverOrder:       2,
	}
}

func (c Config) withDefaults() Config {
	if c.NumTrainTimesteps <= 0 {
		c.NumTrainTimesteps = 1000
	}
	if c.SolverOrder <= 0 {
		c.SolverOrder = 2
	}
	if c.Shift == 0 {
		c.Shift = 1
	}
	return c
}

func (c Config) validate() error {
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", c.Steps)
	}
	if c.Shift <= 0 {
		return fmt.Errorf("shift must be positive, got %g", c.Shift)
	}
	if c.SolverOrder > 3 {
		return fmt.Errorf("solver order %d not supported (max 3)", c.SolverOrder)
	}
	return nil
}

// shiftSigmas applies the static or dynamic shift in place.
func (c Config) shiftSigmas(sigmas []float64) {
	for i, s := range sigmas {
		if c.DynamicShifting {
			sigmas[i] = TimeShift(c.Mu, s)
		} else {
			sigmas[i] = ShiftSigma(c.Shift, s)
		}
	}
}

// Schedule is an immutable, strictly decreasing sequence of timesteps.
// Sigmas has one more entry than Timesteps: the terminal sigma 0.
type Schedule struct {
	Timesteps []float64
	Sigmas    []float64
}

func (s *Schedule) Len() int { return len(s.Timesteps) }

// Scheduler advances a latent one step along its schedule. Implementations
// keep a history of model outputs so they must be used for exactly one
// sampling run.
type Scheduler interface {
	Schedule() *Schedule
	Step(modelOutput *ml.Tensor, timestep float64, sample *ml.Tensor, rng *ml.Generator) (*ml.Tensor, error)
}

// Build validates the solver name and parameters before constructing
// anything, so a bad request fails without allocating.
func Build(solver string, cfg Config) (Scheduler, error) {
	if !slices.Contains(Solvers(), solver) {
		return nil, &UnsupportedSolverError{Solver: solver}
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	switch solver {
	case SolverUniPC:
		return NewUniPC(cfg), nil
	case SolverDPMPP, SolverSDEDPMPP:
		return NewDPMSolver(cfg, cfg.samplingSigmas(), solver == SolverSDEDPMPP), nil
	default:
		return NewEuler(cfg), nil
	}
}

// stepper tracks the position in a schedule. The first Step call locates
// the supplied timestep; subsequent calls advance by one.
type stepper struct {
	schedule *Schedule
	index    int
	started  bool
}

func (s *stepper) Schedule() *Schedule { return s.schedule }

func (s *stepper) locate(timestep float64) error {
	if !s.started {
		s.index = floats.NearestIdx(s.schedule.Timesteps, timestep)
		s.started = true
	}
	if s.index >= s.schedule.Len() {
		return fmt.Errorf("step past end of schedule (%d steps)", s.schedule.Len())
	}
	return nil
}
