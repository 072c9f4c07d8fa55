package scheduler

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/videotuna/wanvideo/ml"
)

func TestBuildUnsupportedSolver(t *testing.T) {
	s, err := Build("ddim", DefaultConfig())
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrUnsupportedSolver)

	var unsupported *UnsupportedSolverError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "ddim", unsupported.Solver)
}

func TestBuildInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Steps = 0
	_, err := Build(SolverUniPC, cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.SolverOrder = 4
	_, err = Build(SolverDPMPP, cfg)
	assert.Error(t, err)
}

func TestScheduleMonotone(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		solver := rapid.SampledFrom(Solvers()).Draw(rt, "solver")
		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		shift := rapid.Float64Range(0.5, 20).Draw(rt, "shift")

		cfg := DefaultConfig()
		cfg.Steps = steps
		cfg.Shift = shift

		s, err := Build(solver, cfg)
		if err != nil {
			rt.Fatal(err)
		}

		schedule := s.Schedule()
		if schedule.Len() != steps {
			rt.Fatalf("got %d timesteps, want %d", schedule.Len(), steps)
		}
		if len(schedule.Sigmas) != steps+1 || schedule.Sigmas[steps] != 0 {
			rt.Fatalf("sigmas must end with a terminal 0: %v", schedule.Sigmas)
		}
		for i := 1; i < len(schedule.Timesteps); i++ {
			if schedule.Timesteps[i] >= schedule.Timesteps[i-1] {
				rt.Fatalf("timesteps not strictly decreasing at %d: %v", i, schedule.Timesteps)
			}
		}
	})
}

func TestUniPCTimesteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shift = 1
	u := NewUniPC(cfg)

	schedule := u.Schedule()
	assert.InDelta(t, 999.0, schedule.Timesteps[0], 1e-9)
	assert.InDelta(t, 0.999, schedule.Sigmas[0], 1e-12)
	assert.InDelta(t, 999.0/50, schedule.Timesteps[49], 1e-9)
}

func TestUniPCShiftedTimesteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Steps = 4
	cfg.Shift = 5
	u := NewUniPC(cfg)

	// linspace(0.999, 0, 5)[:4] through s*t/(1+(s-1)*t)
	want := []float64{0.999, 0.74925, 0.4995, 0.24975}
	for i, w := range want {
		assert.InDelta(t, ShiftSigma(5, w), u.Schedule().Sigmas[i], 1e-12)
	}
}

func TestDPMSolverTimesteps(t *testing.T) {
	s, err := Build(SolverDPMPP, Config{NumTrainTimesteps: 1000, Steps: 10, Shift: 5})
	require.NoError(t, err)

	schedule := s.Schedule()
	assert.InDelta(t, 1000.0, schedule.Timesteps[0], 1e-9)
	for i := 0; i < 10; i++ {
		assert.InDelta(t, ShiftSigma(5, 1-float64(i)/10), schedule.Sigmas[i], 1e-12)
	}
}

func TestDynamicShifting(t *testing.T) {
	for _, solver := range Solvers() {
		t.Run(solver, func(t *testing.T) {
			static, err := Build(solver, Config{Steps: 4, Shift: 5})
			require.NoError(t, err)

			// mu = log(shift) reproduces the static shift
			same, err := Build(solver, Config{Steps: 4, Shift: 5, DynamicShifting: true, Mu: math.Log(5)})
			require.NoError(t, err)
			assert.InDeltaSlice(t, static.Schedule().Sigmas, same.Schedule().Sigmas, 1e-9)
			assert.InDeltaSlice(t, static.Schedule().Timesteps, same.Schedule().Timesteps, 1e-6)

			low, err := Build(solver, Config{Steps: 4, Shift: 5, DynamicShifting: true, Mu: 0.1})
			require.NoError(t, err)
			ts := low.Schedule().Timesteps
			for i := 1; i < len(ts); i++ {
				assert.Less(t, ts[i], static.Schedule().Timesteps[i], "step %d", i)
			}
		})
	}
}

func TestTimeShiftMatchesShift(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		shift := rapid.Float64Range(0.1, 20).Draw(rt, "shift")
		sigma := rapid.Float64Range(0.001, 1).Draw(rt, "sigma")

		a, b := ShiftSigma(shift, sigma), TimeShift(math.Log(shift), sigma)
		if math.Abs(a-b) > 1e-9 {
			rt.Fatalf("ShiftSigma=%v TimeShift=%v", a, b)
		}
	})
}

func TestCalculateShift(t *testing.T) {
	assert.InDelta(t, 0.5, CalculateShift(256, 256, 4096, 0.5, 1.15), 1e-9)
	assert.InDelta(t, 1.15, CalculateShift(4096, 256, 4096, 0.5, 1.15), 1e-9)
}

// oracle predicts the exact velocity towards x0 from any point, so every
// solver must land on x0.
func oracle(x0, x *ml.Tensor, sigma float64) *ml.Tensor {
	v, err := ml.Combine(ml.Term{Coef: 1 / sigma, T: x}, ml.Term{Coef: -1 / sigma, T: x0})
	if err != nil {
		panic(err)
	}
	return v
}

func TestSolversRecoverData(t *testing.T) {
	for _, solver := range Solvers() {
		for _, steps := range []int{1, 4, 10, 20} {
			for _, order := range []int{1, 2, 3} {
				cfg := Config{NumTrainTimesteps: 1000, Steps: steps, Shift: 5, SolverOrder: order}
				s, err := Build(solver, cfg)
				require.NoError(t, err)

				rng := ml.NewGenerator(42)
				x0 := rng.Normal(2, 3, 4)
				x := rng.Normal(2, 3, 4)

				schedule := s.Schedule()
				for i, ts := range schedule.Timesteps {
					x, err = s.Step(oracle(x0, x, schedule.Sigmas[i]), ts, x, rng)
					require.NoError(t, err, "%s order %d step %d", solver, order, i)
				}

				assert.True(t, ml.AllClose(x, x0, 1e-3, 1e-3), "%s order %d with %d steps did not converge", solver, order, steps)
			}
		}
	}
}

func TestStepDeterministic(t *testing.T) {
	for _, solver := range Solvers() {
		run := func() *ml.Tensor {
			s, err := Build(solver, Config{Steps: 6, Shift: 3})
			require.NoError(t, err)

			rng := ml.NewGenerator(7)
			x := rng.Normal(4, 4)
			for _, ts := range s.Schedule().Timesteps {
				v := ml.Scale(x, 0.5)
				x, err = s.Step(v, ts, x, rng)
				require.NoError(t, err)
			}
			return x
		}

		a, b := run(), run()
		assert.Equal(t, a.Data(), b.Data(), solver)
	}
}

func TestStepPastEnd(t *testing.T) {
	s, err := Build(SolverEuler, Config{Steps: 1, Shift: 1})
	require.NoError(t, err)

	x := ml.Zeros(2)
	_, err = s.Step(x, s.Schedule().Timesteps[0], x, nil)
	require.NoError(t, err)
	_, err = s.Step(x, 0, x, nil)
	assert.Error(t, err)
}

func TestSDERequiresGenerator(t *testing.T) {
	s, err := Build(SolverSDEDPMPP, Config{Steps: 2, Shift: 1})
	require.NoError(t, err)

	x := ml.Zeros(2)
	_, err = s.Step(x, s.Schedule().Timesteps[0], x, nil)
	assert.Error(t, err)
}

func TestTrainingFlowMatch(t *testing.T) {
	f := NewTrainingFlowMatch()

	require.Len(t, f.Timesteps, 1000)
	require.Len(t, f.Weights, 1000)
	assert.InDelta(t, 1000.0, f.Timesteps[0], 1e-9)

	var sum float64
	for _, w := range f.Weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1000.0, sum, 1e-6)

	// The bell peaks around the middle of the timestep range.
	mid := f.TrainingWeight(500)
	assert.Greater(t, mid, f.TrainingWeight(f.Timesteps[0]))
	assert.Greater(t, mid, f.TrainingWeight(f.Timesteps[999]))
}

func TestFlowMatchAddNoise(t *testing.T) {
	f := NewTrainingFlowMatch()
	rng := ml.NewGenerator(1)
	x := rng.Normal(8)
	noise := rng.Normal(8)

	// The first timestep is pure noise.
	noisy, err := f.AddNoise(x, noise, f.Timesteps[0])
	require.NoError(t, err)
	assert.True(t, ml.AllClose(noisy, noise, 0, 1e-6))

	target, err := f.TrainingTarget(x, noise)
	require.NoError(t, err)

	// One step with the exact target velocity moves along the straight path.
	i := 300
	xt, err := f.AddNoise(x, noise, f.Timesteps[i])
	require.NoError(t, err)
	next, err := f.Step(target, f.Timesteps[i], xt)
	require.NoError(t, err)
	want, err := f.AddNoise(x, noise, f.Timesteps[i+1])
	require.NoError(t, err)
	assert.True(t, ml.AllClose(next, want, 1e-5, 1e-5))
}
