package wan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

// Batch is one training batch keyed by field name. Video fields hold
// []*ml.Tensor of shape [3, F, H, W]; text fields hold []string.
type Batch map[string]any

// TrainOptions configure a single training step.
type TrainOptions struct {
	FirstStageKey string
	CondStageKey  string
	// Offload moves the VAE and text encoder back to the host after use.
	Offload bool
	DType   ml.DType
	Device  ml.Residency
	// RNG draws the timestep and noise. Nil seeds from the clock.
	RNG *ml.Generator
}

func (b Batch) videos(key string) ([]*ml.Tensor, error) {
	v, ok := b[key].([]*ml.Tensor)
	if !ok || len(v) == 0 {
		return nil, &ConfigurationError{Field: key, Err: fmt.Errorf("%w: want non-empty []*ml.Tensor, got %T", ErrMissingBatchField, b[key])}
	}
	return v, nil
}

func (b Batch) texts(key string) ([]string, error) {
	v, ok := b[key].([]string)
	if !ok || len(v) == 0 {
		return nil, &ConfigurationError{Field: key, Err: fmt.Errorf("%w: want non-empty []string, got %T", ErrMissingBatchField, b[key])}
	}
	return v, nil
}

// TrainingStep computes the weighted flow-matching loss for one batch:
// latents are noised at a uniformly drawn training timestep and the model
// is scored on predicting noise - latents.
func (m *T2V) TrainingStep(ctx context.Context, batch Batch, opts TrainOptions) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	videos, err := batch.videos(opts.FirstStageKey)
	if err != nil {
		return 0, err
	}
	texts, err := batch.texts(opts.CondStageKey)
	if err != nil {
		return 0, err
	}

	rng := opts.RNG
	if rng == nil {
		rng = ml.NewGenerator(uint64(ml.RandomSeed()))
	}

	if opts.Offload {
		if err := m.relocate(ctx, ModuleVAE, m.models.VAE, ml.Device); err != nil {
			return 0, err
		}
	}
	latents, err := m.decoder.Encode(ctx, videos)
	if err != nil {
		return 0, err
	}
	latents = latents.Cast(opts.DType)
	if opts.Offload {
		if err := m.relocate(ctx, ModuleVAE, m.models.VAE, ml.Host); err != nil {
			return 0, err
		}
	}

	offloadText := opts.Offload && !m.encoder.CPU()
	if offloadText {
		if err := m.relocate(ctx, ModuleTextEncoder, m.models.TextEncoder, ml.Device); err != nil {
			return 0, err
		}
	}
	text, err := m.encoder.EncodeBatch(ctx, texts, opts.Device)
	if err != nil {
		return 0, err
	}
	if offloadText {
		if err := m.relocate(ctx, ModuleTextEncoder, m.models.TextEncoder, ml.Host); err != nil {
			return 0, err
		}
	}

	if m.training == nil {
		m.training = scheduler.NewTrainingFlowMatch()
	}
	fm := m.training

	noise := rng.NormalLike(latents)
	id := rng.Intn(len(fm.Timesteps))
	t := opts.DType.Round(fm.Timesteps[id])

	noisy, err := fm.AddNoise(latents, noise, t)
	if err != nil {
		return 0, &ComputationError{Stage: "add noise", Err: err}
	}
	noisy = noisy.Cast(opts.DType)

	target, err := fm.TrainingTarget(latents, noise)
	if err != nil {
		return 0, &ComputationError{Stage: "training target", Err: err}
	}

	if err := m.relocate(ctx, ModuleDenoiser, m.models.Denoiser, ml.Device); err != nil {
		return 0, err
	}
	preds, err := m.denoiser.strategy.Forward(ctx, m.models.Denoiser, ml.Unstack(noisy), t, text, 0)
	if err != nil {
		return 0, classify("denoiser", err)
	}
	pred, err := ml.Stack(preds)
	if err != nil {
		return 0, &ComputationError{Stage: "denoiser", Err: err}
	}

	mse, err := ml.MSE(pred, target)
	if err != nil {
		return 0, &ComputationError{Stage: "loss", Err: err}
	}

	loss := mse * float32(fm.TrainingWeight(t))
	slog.Debug("training step", "timestep_id", id, "timestep", t, "mse", mse, "loss", loss)
	return loss, nil
}
