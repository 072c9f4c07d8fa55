package wan

import (
	"context"
	"fmt"

	"github.com/videotuna/wanvideo/ml"
)

// LatentDecoder adapts a VAE.
type LatentDecoder struct {
	vae VAE
}

func NewLatentDecoder(vae VAE) *LatentDecoder {
	return &LatentDecoder{vae: vae}
}

// Decode maps one latent to a video [3, F, H, W].
func (d *LatentDecoder) Decode(ctx context.Context, latent *ml.Tensor) (*ml.Tensor, error) {
	videos, err := d.vae.Decode(ctx, []*ml.Tensor{latent})
	if err != nil {
		return nil, classify("vae decode", err)
	}
	if err := checkCount("vae decode", videos, 1); err != nil {
		return nil, err
	}
	if videos[0].Rank() != 4 || videos[0].Dim(0) != 3 {
		return nil, &ComputationError{Stage: "vae decode", Err: fmt.Errorf("unexpected video shape %v", videos[0].Shape())}
	}
	return videos[0], nil
}

// Encode maps videos to a stacked latent batch [B, z_dim, T, h, w].
func (d *LatentDecoder) Encode(ctx context.Context, videos []*ml.Tensor) (*ml.Tensor, error) {
	latents, err := d.vae.Encode(ctx, videos)
	if err != nil {
		return nil, classify("vae encode", err)
	}
	if err := checkCount("vae encode", latents, len(videos)); err != nil {
		return nil, err
	}

	batch, err := ml.Stack(latents)
	if err != nil {
		return nil, classify("vae encode", err)
	}
	return batch, nil
}
