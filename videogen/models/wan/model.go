package wan

import (
	"context"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/dist"
)

// TextEncoder turns prompts into embedding sequences of shape
// [tokens, dim]. Outputs are produced for residency dev.
type TextEncoder interface {
	ml.Relocatable
	LoadWeight(ctx context.Context) error
	Encode(ctx context.Context, texts []string, dev ml.Residency) ([]*ml.Tensor, error)
}

// VAE maps videos [3, F, H, W] in [-1, 1] to latents
// [z_dim, (F-1)/4+1, H/8, W/8] and back.
type VAE interface {
	ml.Relocatable
	LoadWeight(ctx context.Context) error
	ZDim() int
	Encode(ctx context.Context, videos []*ml.Tensor) ([]*ml.Tensor, error)
	Decode(ctx context.Context, latents []*ml.Tensor) ([]*ml.Tensor, error)
}

// DenoiserModel predicts the flow velocity for a batch of latents at
// timestep t. seqLen is the padded token count; zero lets the model derive
// it from the latent shape.
type DenoiserModel interface {
	ml.Relocatable
	Forward(ctx context.Context, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int) ([]*ml.Tensor, error)
}

// ShardedDenoiser is implemented by models that can compute their slice of
// a sequence-parallel forward pass and gather the full result.
type ShardedDenoiser interface {
	DenoiserModel
	ForwardShard(ctx context.Context, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int, shard dist.Shard) ([]*ml.Tensor, error)
}

// NoSyncer is implemented by sharded models that can suppress gradient
// synchronization. The returned func restores it.
type NoSyncer interface {
	NoSync() (release func())
}

// Components are the collaborators of a text-to-video pipeline.
type Components struct {
	TextEncoder TextEncoder
	VAE         VAE
	Denoiser    DenoiserModel
}

// Module names used for residency tracking.
const (
	ModuleTextEncoder = "text_encoder"
	ModuleVAE         = "vae"
	ModuleDenoiser    = "dit"
)
