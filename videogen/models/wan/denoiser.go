package wan

import (
	"context"
	"fmt"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/dist"
)

// ExecutionStrategy decides how a denoiser forward pass is run.
type ExecutionStrategy interface {
	Name() string
	// SPSize is the sequence-parallel degree token counts are padded to.
	SPSize() int
	// Supports reports whether m can be run with this strategy.
	Supports(m DenoiserModel) error
	Forward(ctx context.Context, m DenoiserModel, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int) ([]*ml.Tensor, error)
}

// Standalone runs the whole forward pass on this participant.
type Standalone struct{}

func (Standalone) Name() string { return "standalone" }

func (Standalone) SPSize() int { return 1 }

func (Standalone) Supports(DenoiserModel) error { return nil }

func (Standalone) Forward(ctx context.Context, m DenoiserModel, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int) ([]*ml.Tensor, error) {
	return m.Forward(ctx, latents, t, text, seqLen)
}

// SequenceParallel splits the token sequence across the ranks of Group.
// Each rank computes its shard and the model gathers the full output.
type SequenceParallel struct {
	Group dist.ProcessGroup
}

func (SequenceParallel) Name() string { return "sequence-parallel" }

func (s SequenceParallel) SPSize() int { return s.Group.WorldSize() }

func (s SequenceParallel) Supports(m DenoiserModel) error {
	if _, ok := m.(ShardedDenoiser); !ok {
		return fmt.Errorf("%w: %T cannot run %s", ErrStrategyNotCapable, m, s.Name())
	}
	return nil
}

func (s SequenceParallel) Forward(ctx context.Context, m DenoiserModel, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int) ([]*ml.Tensor, error) {
	sharded, ok := m.(ShardedDenoiser)
	if !ok {
		return nil, s.Supports(m)
	}
	return sharded.ForwardShard(ctx, latents, t, text, seqLen, dist.ShardOf(s.Group))
}

// Denoiser adapts a DenoiserModel to single-latent velocity prediction.
type Denoiser struct {
	model    DenoiserModel
	strategy ExecutionStrategy
}

// NewDenoiser fixes the execution strategy for model. It fails when the
// model lacks the capability the strategy needs.
func NewDenoiser(model DenoiserModel, strategy ExecutionStrategy) (*Denoiser, error) {
	if strategy == nil {
		strategy = Standalone{}
	}
	if err := strategy.Supports(model); err != nil {
		return nil, &ConfigurationError{Field: "strategy", Err: err}
	}
	return &Denoiser{model: model, strategy: strategy}, nil
}

func (d *Denoiser) Strategy() ExecutionStrategy { return d.strategy }

// Predict returns the velocity for latent at timestep t. The output has
// the latent's shape.
func (d *Denoiser) Predict(ctx context.Context, latent *ml.Tensor, t float64, text []*ml.Tensor, seqLen int) (*ml.Tensor, error) {
	out, err := d.strategy.Forward(ctx, d.model, []*ml.Tensor{latent}, t, text, seqLen)
	if err != nil {
		return nil, classify("denoiser", err)
	}
	if len(out) != 1 {
		return nil, &ComputationError{Stage: "denoiser", Err: fmt.Errorf("returned %d outputs for 1 latent", len(out))}
	}
	if !out[0].SameShape(latent) {
		return nil, &ComputationError{Stage: "denoiser", Err: fmt.Errorf("%w: output %v for latent %v", ml.ErrShapeMismatch, out[0].Shape(), latent.Shape())}
	}
	return out[0], nil
}

// MaybeNoSync suppresses gradient synchronization when m supports it and
// otherwise does nothing. Call the returned func when done.
func MaybeNoSync(m any) (release func()) {
	if ns, ok := m.(NoSyncer); ok {
		return ns.NoSync()
	}
	return func() {}
}
