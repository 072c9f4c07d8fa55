package wan_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/dist"
	"github.com/videotuna/wanvideo/videogen/models/wan"
	"github.com/videotuna/wanvideo/videogen/models/wan/wantest"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

type pipeline struct {
	*wan.T2V
	rec *wantest.Recorder
	te  *wantest.TextEncoder
	vae *wantest.VAE
	dit *wantest.Denoiser
}

func newPipeline(t *testing.T, opts wan.Options) *pipeline {
	t.Helper()

	rec := &wantest.Recorder{}
	models, te, vae, dit := wantest.Components(rec)
	if opts.Accelerator == nil {
		opts.Accelerator = wantest.NewAccelerator(rec)
	}

	m, err := wan.New(wan.DefaultConfig(), models, opts)
	require.NoError(t, err)
	return &pipeline{T2V: m, rec: rec, te: te, vae: vae, dit: dit}
}

// smallRequest keeps tensors tiny: 5 frames of 64x32 give a [16, 2, 4, 8]
// latent.
func smallRequest() wan.GenerateRequest {
	req := wan.DefaultConfig().NewRequest("a cat surfing a wave")
	req.Size = wan.Size{Width: 64, Height: 32}
	req.FrameNum = 5
	req.Steps = 4
	req.Seed = 42
	return req
}

func TestLatentTemporalLength(t *testing.T) {
	cfg := wan.DefaultConfig()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 64).Draw(rt, "n")
		shape := cfg.TargetShape(4*n+1, wan.Size{Width: 832, Height: 480})
		if shape[1] != n+1 {
			rt.Fatalf("frames %d gave %d latent frames, want %d", 4*n+1, shape[1], n+1)
		}
	})
}

func TestValidateFrames(t *testing.T) {
	cfg := wan.DefaultConfig()

	for _, frames := range []int{0, 2, 4, 80, 82} {
		req := cfg.NewRequest("x")
		req.FrameNum = frames

		var cfgErr *wan.ConfigurationError
		require.True(t, errors.As(req.Validate(cfg), &cfgErr), "frames=%d", frames)
		assert.Equal(t, "frame_num", cfgErr.Field)
	}

	req := cfg.NewRequest("x")
	assert.NoError(t, req.Validate(cfg))
}

func TestValidateRequest(t *testing.T) {
	cfg := wan.DefaultConfig()
	cases := map[string]func(*wan.GenerateRequest){
		"size":   func(r *wan.GenerateRequest) { r.Size = wan.Size{Width: 833, Height: 480} },
		"steps":  func(r *wan.GenerateRequest) { r.Steps = 0 },
		"shift":  func(r *wan.GenerateRequest) { r.Shift = -1 },
		"solver": func(r *wan.GenerateRequest) { r.Solver = "ddim" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := cfg.NewRequest("x")
			mutate(&req)

			var cfgErr *wan.ConfigurationError
			assert.True(t, errors.As(req.Validate(cfg), &cfgErr))
		})
	}
}

func TestParseSize(t *testing.T) {
	s, err := wan.ParseSize("832*480")
	require.NoError(t, err)
	assert.Equal(t, wan.Size{Width: 832, Height: 480}, s)

	s, err = wan.ParseSize("1280x720")
	require.NoError(t, err)
	assert.Equal(t, wan.Size{Width: 1280, Height: 720}, s)

	_, err = wan.ParseSize("big")
	assert.Error(t, err)
}

func TestSeqLen(t *testing.T) {
	cfg := wan.DefaultConfig()
	shape := cfg.TargetShape(81, wan.Size{Width: 832, Height: 480})
	assert.Equal(t, []int{16, 21, 60, 104}, shape)

	assert.Equal(t, 32760, cfg.SeqLen(shape, 1))
	assert.Equal(t, 32768, cfg.SeqLen(shape, 16))
}

func TestCompose(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 32).Draw(rt, "n")
		scale := rapid.Float32Range(0, 20).Draw(rt, "scale")
		seed := rapid.Uint64().Draw(rt, "seed")

		rng := ml.NewGenerator(seed)
		c, u := rng.Normal(n), rng.Normal(n)

		same, err := wan.Compose(c, c, scale)
		if err != nil {
			rt.Fatal(err)
		}
		if !slices.Equal(same.Data(), c.Data()) {
			rt.Fatalf("Compose(c, c, %v) != c", scale)
		}

		one, err := wan.Compose(c, u, 1)
		if err != nil {
			rt.Fatal(err)
		}
		if !ml.AllClose(one, c, 1e-6, 1e-6) {
			rt.Fatalf("Compose(c, u, 1) != c")
		}
	})
}

func TestComposeShapeMismatch(t *testing.T) {
	_, err := wan.Compose(ml.Zeros(2, 2), ml.Zeros(4), 5)
	assert.ErrorIs(t, err, ml.ErrShapeMismatch)
}

func TestGenerateEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size latent")
	}

	p := newPipeline(t, wan.Options{})
	req := p.Config().NewRequest("a red fox running through snow")
	req.Size = wan.Size{Width: 832, Height: 480}
	req.FrameNum = 81
	req.Steps = 4
	req.Solver = scheduler.SolverUniPC
	req.Shift = 5.0
	req.Seed = 42

	ctx := context.Background()
	first, err := p.Generate(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, []int{3, 21, 480, 832}, first.Shape())
	assert.False(t, first.HasNonFinite())

	second, err := p.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, slices.Equal(first.Data(), second.Data()), "same seed must reproduce the video")
}

func TestGenerateDeterministicLatents(t *testing.T) {
	for _, solver := range scheduler.Solvers() {
		t.Run(solver, func(t *testing.T) {
			run := func() []*ml.Tensor {
				p := newPipeline(t, wan.Options{})
				req := smallRequest()
				req.Solver = solver

				var latents []*ml.Tensor
				req.OnLatent = func(_ int, l *ml.Tensor) { latents = append(latents, l.Clone()) }
				_, err := p.Generate(context.Background(), req)
				require.NoError(t, err)
				return latents
			}

			a, b := run(), run()
			require.Len(t, a, 4)
			for i := range a {
				assert.Equal(t, a[i].Data(), b[i].Data(), "step %d", i)
			}
		})
	}
}

func TestGenerateSeedsDiffer(t *testing.T) {
	p := newPipeline(t, wan.Options{})

	req := smallRequest()
	a, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	req.Seed = 43
	b, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, slices.Equal(a.Data(), b.Data()))
}

func TestGenerateDynamicShift(t *testing.T) {
	p := newPipeline(t, wan.Options{})

	req := smallRequest()
	static, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	req.DynamicShift = true
	dynamic, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	again, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, slices.Equal(static.Data(), dynamic.Data()), "a short sequence gets a smaller shift")
	assert.Equal(t, dynamic.Data(), again.Data())
}

func TestGenerateProgress(t *testing.T) {
	p := newPipeline(t, wan.Options{})

	var steps []int
	req := smallRequest()
	req.Progress = func(step, total int) {
		assert.Equal(t, 4, total)
		steps = append(steps, step)
	}

	_, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, steps)
	assert.Equal(t, 8, p.dit.Calls())
}

func TestGenerateOffload(t *testing.T) {
	p := newPipeline(t, wan.Options{})
	req := smallRequest()
	req.OffloadModel = true

	_, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, ml.Host, p.Placement().Residency(wan.ModuleDenoiser))
	assert.Equal(t, ml.Host, p.dit.Residency())
	assert.Equal(t, ml.Host, p.te.Residency())
	assert.Equal(t, 1, p.rec.Count("accel: empty_cache"))
	assert.Equal(t, 1, p.rec.Count("accel: synchronize"))
}

func TestGenerateWithoutOffload(t *testing.T) {
	p := newPipeline(t, wan.Options{})
	req := smallRequest()
	req.OffloadModel = false

	_, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, ml.Device, p.dit.Residency())
	assert.Equal(t, ml.Device, p.te.Residency())
	assert.Zero(t, p.rec.Count("accel: empty_cache"))
}

func TestGenerateT5CPU(t *testing.T) {
	p := newPipeline(t, wan.Options{T5CPU: true})

	_, err := p.Generate(context.Background(), smallRequest())
	require.NoError(t, err)

	assert.Zero(t, p.rec.Count("text_encoder: host -> device"))
	assert.Equal(t, 2, p.rec.Count("text_encoder: encode 1 for host"))
}

func TestGenerateUnsupportedSolver(t *testing.T) {
	p := newPipeline(t, wan.Options{})
	req := smallRequest()
	req.Solver = "heun"

	video, err := p.Generate(context.Background(), req)
	require.Nil(t, video)
	require.ErrorIs(t, err, scheduler.ErrUnsupportedSolver)

	var cfgErr *wan.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	// Nothing was encoded, moved or run.
	assert.Empty(t, p.rec.Events())
	assert.Zero(t, p.dit.Calls())
}

func TestGenerateCancelled(t *testing.T) {
	p := newPipeline(t, wan.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := smallRequest()
	req.Progress = func(step, _ int) {
		if step == 1 {
			cancel()
		}
	}

	_, err := p.Generate(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, p.dit.Calls())
}

func TestGenerateErrors(t *testing.T) {
	t.Run("out of memory", func(t *testing.T) {
		p := newPipeline(t, wan.Options{})
		p.dit.Err = ml.ErrNoMem{Module: "dit", Required: 1 << 34}

		_, err := p.Generate(context.Background(), smallRequest())
		var resErr *wan.ResourceExhaustionError
		require.True(t, errors.As(err, &resErr), "got %v", err)
		assert.Equal(t, "denoiser", resErr.Stage)
	})

	t.Run("encoder failure", func(t *testing.T) {
		p := newPipeline(t, wan.Options{})
		p.te.Err = errors.New("tokenizer missing")

		_, err := p.Generate(context.Background(), smallRequest())
		var compErr *wan.ComputationError
		require.True(t, errors.As(err, &compErr))
		assert.Equal(t, "text encoder", compErr.Stage)
	})

	t.Run("decoder failure", func(t *testing.T) {
		p := newPipeline(t, wan.Options{})
		p.vae.Err = errors.New("bad checkpoint")

		video, err := p.Generate(context.Background(), smallRequest())
		assert.Nil(t, video)
		var compErr *wan.ComputationError
		require.True(t, errors.As(err, &compErr))
		assert.Equal(t, "vae decode", compErr.Stage)
	})
}

// nanDenoiser poisons its predictions.
type nanDenoiser struct {
	*wantest.Denoiser
}

func (d nanDenoiser) Forward(ctx context.Context, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int) ([]*ml.Tensor, error) {
	out, err := d.Denoiser.Forward(ctx, latents, t, text, seqLen)
	if err != nil {
		return nil, err
	}
	out[0].Data()[0] = float32(math.NaN())
	return out, nil
}

func TestGenerateDetectsDivergence(t *testing.T) {
	rec := &wantest.Recorder{}
	models, _, _, dit := wantest.Components(rec)
	models.Denoiser = nanDenoiser{dit}

	m, err := wan.New(wan.DefaultConfig(), models, wan.Options{})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), smallRequest())
	require.ErrorIs(t, err, wan.ErrNumericDivergence)
}

func TestMaybeNoSync(t *testing.T) {
	p := newPipeline(t, wan.Options{})

	_, err := p.Generate(context.Background(), smallRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, p.dit.NoSyncCount())
	assert.Equal(t, 1, p.rec.Count("dit: sync"))

	// Anything without the capability gets a no-op.
	release := wan.MaybeNoSync(struct{}{})
	require.NotNil(t, release)
	release()
}

func TestSequenceParallelNeedsShardedModel(t *testing.T) {
	rec := &wantest.Recorder{}
	models, _, _, _ := wantest.Components(rec)
	groups := dist.NewLocalGroup(2)

	_, err := wan.New(wan.DefaultConfig(), models, wan.Options{
		Group:    groups[0],
		Strategy: wan.SequenceParallel{Group: groups[0]},
	})
	require.ErrorIs(t, err, wan.ErrStrategyNotCapable)
}

func TestGenerateTwoRanks(t *testing.T) {
	rec := &wantest.Recorder{}
	groups := dist.NewLocalGroup(2)
	videos := make([]*ml.Tensor, 2)

	err := dist.Run(context.Background(), groups, func(ctx context.Context, g dist.ProcessGroup) error {
		models, _, _, dit := wantest.Components(rec)
		models.Denoiser = wantest.ShardedDenoiser{Denoiser: dit}

		m, err := wan.New(wan.DefaultConfig(), models, wan.Options{
			Group:    g,
			Strategy: wan.SequenceParallel{Group: g},
		})
		if err != nil {
			return err
		}
		if err := m.LoadWeight(ctx); err != nil {
			return err
		}

		video, err := m.Generate(ctx, smallRequest())
		if err != nil {
			return err
		}
		rec.Add("rank %d: returned", g.Rank())
		videos[g.Rank()] = video
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, videos[0])
	assert.Nil(t, videos[1])
	assert.Equal(t, 1, rec.Count("vae: decode"))
	assert.Positive(t, rec.Count("dit: shard 1/2"))

	// Both ranks leave only after rank 0 finished decoding.
	events := rec.Events()
	decoded := slices.Index(events, "vae: decode 1")
	require.GreaterOrEqual(t, decoded, 0)
	for _, rank := range []string{"rank 0: returned", "rank 1: returned"} {
		assert.Greater(t, slices.Index(events, rank), decoded, rank)
	}
}

func TestLoadWeight(t *testing.T) {
	p := newPipeline(t, wan.Options{})
	require.NoError(t, p.LoadWeight(context.Background()))

	assert.Equal(t, 1, p.rec.Count("text_encoder: load"))
	assert.Equal(t, 1, p.rec.Count("vae: load"))
	assert.Equal(t, ml.Device, p.Placement().Residency(wan.ModuleDenoiser))
	assert.Equal(t, ml.Device, p.Placement().Residency(wan.ModuleVAE))
	assert.Equal(t, ml.Host, p.Placement().Residency(wan.ModuleTextEncoder))
}

func TestNegativePromptFallback(t *testing.T) {
	enc := wan.NewConditioningEncoder(wantest.NewTextEncoder(nil), ml.CPU{}, false, wan.DefaultNegativePrompt)
	assert.Equal(t, wan.DefaultNegativePrompt, enc.Negative(""))
	assert.Equal(t, "blurry", enc.Negative("blurry"))
}

func TestZDimMismatch(t *testing.T) {
	rec := &wantest.Recorder{}
	models, _, vae, _ := wantest.Components(rec)
	vae.Z = 4

	_, err := wan.New(wan.DefaultConfig(), models, wan.Options{})
	var cfgErr *wan.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "z_dim", cfgErr.Field)
}
