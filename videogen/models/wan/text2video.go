// Package wan implements the Wan text-to-video pipeline: a T5 text
// encoder, a flow-matching diffusion transformer sampled with
// classifier-free guidance, and a causal 3D VAE. The networks themselves
// are supplied as collaborators.
package wan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/videotuna/wanvideo/logutil"
	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/dist"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

// Options configure a T2V pipeline.
type Options struct {
	// Group is the process group this participant belongs to. Nil means
	// a group of one.
	Group dist.ProcessGroup
	// Strategy runs the denoiser. Nil selects Standalone.
	Strategy ExecutionStrategy
	// T5CPU keeps the text encoder on the host.
	T5CPU bool
	// Accelerator defaults to ml.CPU.
	Accelerator ml.Accelerator
	// Placement defaults to a fresh registry with every module on the host.
	Placement *ml.Placement
}

// T2V generates videos from text. Calls on one T2V are serialized.
type T2V struct {
	mu sync.Mutex

	cfg       *Config
	models    Components
	group     dist.ProcessGroup
	accel     ml.Accelerator
	placement *ml.Placement

	encoder  *ConditioningEncoder
	denoiser *Denoiser
	decoder  *LatentDecoder

	spSize   int
	training *scheduler.FlowMatch
}

// New assembles a pipeline. The execution strategy is checked against the
// denoiser here; nothing is loaded or moved until LoadWeight.
func New(cfg *Config, models Components, opts Options) (*T2V, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if models.TextEncoder == nil || models.VAE == nil || models.Denoiser == nil {
		return nil, errors.New("wan: text encoder, vae and denoiser are all required")
	}

	if opts.Group == nil {
		opts.Group = dist.Single()
	}
	if opts.Accelerator == nil {
		opts.Accelerator = ml.CPU{}
	}
	if opts.Placement == nil {
		opts.Placement = ml.NewPlacement()
	}
	if opts.Strategy == nil {
		opts.Strategy = Standalone{}
	}

	denoiser, err := NewDenoiser(models.Denoiser, opts.Strategy)
	if err != nil {
		return nil, err
	}

	if z := models.VAE.ZDim(); z != cfg.ZDim {
		return nil, &ConfigurationError{Field: "z_dim", Reason: fmt.Sprintf("config says %d, vae has %d", cfg.ZDim, z)}
	}

	return &T2V{
		cfg:       cfg,
		models:    models,
		group:     opts.Group,
		accel:     opts.Accelerator,
		placement: opts.Placement,
		encoder:   NewConditioningEncoder(models.TextEncoder, opts.Accelerator, opts.T5CPU, cfg.SampleNegPrompt),
		denoiser:  denoiser,
		decoder:   NewLatentDecoder(models.VAE),
		spSize:    opts.Strategy.SPSize(),
	}, nil
}

func (m *T2V) Config() *Config { return m.cfg }

func (m *T2V) Placement() *ml.Placement { return m.placement }

func (m *T2V) Group() dist.ProcessGroup { return m.group }

// LoadWeight loads the text encoder and VAE weights, waits for the rest of
// the group and moves the VAE and denoiser to the accelerator. The text
// encoder stays on the host until it is needed.
func (m *T2V) LoadWeight(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if err := m.models.TextEncoder.LoadWeight(ctx); err != nil {
		return classify("load text encoder", err)
	}
	if err := m.models.VAE.LoadWeight(ctx); err != nil {
		return classify("load vae", err)
	}

	slog.Info("loaded weights", "model", m.cfg.Name, "strategy", m.denoiser.Strategy().Name(), "sp_size", m.spSize, "elapsed", time.Since(start))

	if m.group.WorldSize() > 1 {
		if err := m.group.Barrier(ctx); err != nil {
			return err
		}
	}

	if err := m.relocate(ctx, ModuleVAE, m.models.VAE, ml.Device); err != nil {
		return err
	}
	return m.relocate(ctx, ModuleDenoiser, m.models.Denoiser, ml.Device)
}

// SeqLen returns the padded transformer token count for a video of the
// given frame count and size.
func (m *T2V) SeqLen(frames int, size Size) int {
	return m.cfg.SeqLen(m.cfg.TargetShape(frames, size), m.spSize)
}

func (m *T2V) relocate(ctx context.Context, name string, module ml.Relocatable, target ml.Residency) error {
	if _, err := m.placement.Relocate(ctx, name, module, target); err != nil {
		return classify("relocate "+name, err)
	}
	return nil
}

// Generate runs the full pipeline for req. Only rank 0 decodes; other
// ranks return a nil video and no error. The returned video has shape
// [3, F, H, W] with values in [-1, 1].
func (m *T2V) Generate(ctx context.Context, req GenerateRequest) (*ml.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := req.Validate(m.cfg); err != nil {
		return nil, err
	}

	stats := newRunStats(m.accel)

	shape := m.cfg.TargetShape(req.FrameNum, req.Size)
	seqLen := m.cfg.SeqLen(shape, m.spSize)

	// The schedule is pure arithmetic; building it first rejects bad
	// parameters before any device work.
	sched, err := scheduler.Build(req.Solver, scheduler.Config{
		NumTrainTimesteps: m.cfg.NumTrainTimesteps,
		Steps:             req.Steps,
		Shift:             req.Shift,
		DynamicShifting:   req.DynamicShift,
		Mu:                m.cfg.Mu(seqLen),
	})
	if err != nil {
		var unsupported *scheduler.UnsupportedSolverError
		if errors.As(err, &unsupported) {
			return nil, &ConfigurationError{Field: "sample_solver", Err: err}
		}
		return nil, &ConfigurationError{Field: "schedule", Err: err}
	}

	seed := req.Seed
	if seed < 0 {
		seed = ml.RandomSeed()
	}
	rng := ml.NewGenerator(uint64(seed))

	slog.Info("generating video", "size", req.Size, "frames", req.FrameNum, "latent", shape,
		"seq_len", seqLen, "solver", req.Solver, "steps", req.Steps, "shift", req.Shift, "dynamic_shift", req.DynamicShift,
		"guide_scale", req.GuideScale, "seed", seed, "rank", m.group.Rank())

	cond, err := m.encodePrompts(ctx, req)
	if err != nil {
		return nil, err
	}
	stats.mark("encode")

	noise := rng.Normal(shape...)

	release := MaybeNoSync(m.models.Denoiser)
	latent, err := m.sample(ctx, sched, noise, cond, seqLen, req, rng)
	release()
	if err != nil {
		return nil, err
	}
	stats.mark("denoise")

	if req.OffloadModel {
		if err := m.relocate(ctx, ModuleDenoiser, m.models.Denoiser, ml.Host); err != nil {
			return nil, err
		}
		m.accel.EmptyCache()
	}

	var video *ml.Tensor
	if m.group.Rank() == 0 {
		if err := m.relocate(ctx, ModuleVAE, m.models.VAE, ml.Device); err != nil {
			return nil, err
		}
		if video, err = m.decoder.Decode(ctx, latent); err != nil {
			return nil, err
		}
		stats.mark("decode")
	}

	if req.OffloadModel {
		if err := m.accel.Synchronize(); err != nil {
			return nil, classify("synchronize", err)
		}
	}

	if m.group.WorldSize() > 1 {
		if err := m.group.Barrier(ctx); err != nil {
			return nil, err
		}
	}

	stats.log("generation finished", "seed", seed, "rank", m.group.Rank())
	return video, nil
}

// encodePrompts embeds the prompt and negative prompt. Unless the encoder
// runs from the host it is brought to the accelerator for the duration and
// offloaded afterwards when requested.
func (m *T2V) encodePrompts(ctx context.Context, req GenerateRequest) (*Conditioning, error) {
	negative := m.encoder.Negative(req.NegativePrompt)

	if !m.encoder.CPU() {
		if err := m.relocate(ctx, ModuleTextEncoder, m.models.TextEncoder, ml.Device); err != nil {
			return nil, err
		}
	}

	positive, err := m.encoder.Encode(ctx, req.Prompt, ml.Device)
	if err != nil {
		return nil, err
	}
	uncond, err := m.encoder.Encode(ctx, negative, ml.Device)
	if err != nil {
		return nil, err
	}

	if !m.encoder.CPU() && req.OffloadModel {
		if err := m.relocate(ctx, ModuleTextEncoder, m.models.TextEncoder, ml.Host); err != nil {
			return nil, err
		}
	}

	return &Conditioning{Positive: positive, Negative: uncond}, nil
}

// sample runs the denoising loop from noise and returns the final latent.
func (m *T2V) sample(ctx context.Context, sched scheduler.Scheduler, noise *ml.Tensor, cond *Conditioning, seqLen int, req GenerateRequest, rng *ml.Generator) (*ml.Tensor, error) {
	timesteps := sched.Schedule().Timesteps
	total := len(timesteps)

	if req.Progress != nil {
		req.Progress(0, total)
	}

	latent := noise
	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		stepStart := time.Now()

		if err := m.relocate(ctx, ModuleDenoiser, m.models.Denoiser, ml.Device); err != nil {
			return nil, err
		}

		condOut, err := m.denoiser.Predict(ctx, latent, t, cond.Positive, seqLen)
		if err != nil {
			return nil, err
		}
		uncondOut, err := m.denoiser.Predict(ctx, latent, t, cond.Negative, seqLen)
		if err != nil {
			return nil, err
		}

		guided, err := Compose(condOut, uncondOut, req.GuideScale)
		if err != nil {
			return nil, &ComputationError{Stage: "guidance", Err: err}
		}

		next, err := sched.Step(guided, t, latent, rng)
		if err != nil {
			return nil, &ComputationError{Stage: "solver", Err: err}
		}
		if !next.SameShape(latent) {
			return nil, &ComputationError{Stage: "solver", Err: fmt.Errorf("%w: %v -> %v", ErrShapeChanged, latent.Shape(), next.Shape())}
		}
		if next.HasNonFinite() {
			return nil, &ComputationError{Stage: "solver", Err: fmt.Errorf("%w at step %d (t=%.2f)", ErrNumericDivergence, i, t)}
		}
		latent = next

		logutil.TraceContext(ctx, "denoise step", "step", i+1, "total", total, "t", t, "elapsed", time.Since(stepStart))

		if req.OnLatent != nil {
			req.OnLatent(i, latent)
		}
		if req.Progress != nil {
			req.Progress(i+1, total)
		}
	}

	return latent, nil
}
