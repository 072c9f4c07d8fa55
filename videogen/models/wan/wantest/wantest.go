// Package wantest provides deterministic stand-ins for the networks of a
// Wan pipeline. They implement the documented tensor shapes with cheap
// arithmetic and record every call and relocation.
package wantest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/dist"
	"github.com/videotuna/wanvideo/videogen/models/wan"
)

var ErrNotOnDevice = errors.New("module used while on host")

// Recorder collects events from every stub sharing it.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) Add(format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Count returns how many events start with prefix.
func (r *Recorder) Count(prefix string) int {
	n := 0
	for _, e := range r.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type residency struct {
	mu  sync.Mutex
	at  ml.Residency
	rec *Recorder
}

func (r *residency) move(name string, to ml.Residency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Add("%s: %s -> %s", name, r.at, to)
	r.at = to
}

func (r *residency) Residency() ml.Residency {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.at
}

// TextEncoder embeds each whitespace-separated word as a vector derived
// from its hash.
type TextEncoder struct {
	residency
	Dim int
	Err error
}

func NewTextEncoder(rec *Recorder) *TextEncoder {
	return &TextEncoder{residency: residency{rec: rec}, Dim: 8}
}

func (e *TextEncoder) MoveTo(_ context.Context, r ml.Residency) error {
	e.move("text_encoder", r)
	return nil
}

func (e *TextEncoder) LoadWeight(context.Context) error {
	e.rec.Add("text_encoder: load")
	return nil
}

func (e *TextEncoder) Encode(_ context.Context, texts []string, dev ml.Residency) ([]*ml.Tensor, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	e.rec.Add("text_encoder: encode %d for %s", len(texts), dev)

	out := make([]*ml.Tensor, len(texts))
	for i, text := range texts {
		words := strings.Fields(text)
		if len(words) == 0 {
			words = []string{""}
		}
		t := ml.Zeros(len(words), e.Dim)
		data := t.Data()
		for w, word := range words {
			h := fnv.New64a()
			h.Write([]byte(word))
			gen := ml.NewGenerator(h.Sum64())
			copy(data[w*e.Dim:], gen.Normal(e.Dim).Data())
		}
		out[i] = t
	}
	return out, nil
}

// VAE downsamples by (4, 8, 8) by picking samples and upsamples latents
// spatially by repetition. Decoding keeps the latent frame count.
type VAE struct {
	residency
	Z   int
	Err error
}

func NewVAE(rec *Recorder) *VAE {
	return &VAE{residency: residency{rec: rec}, Z: 16}
}

func (v *VAE) MoveTo(_ context.Context, r ml.Residency) error {
	v.move("vae", r)
	return nil
}

func (v *VAE) LoadWeight(context.Context) error {
	v.rec.Add("vae: load")
	return nil
}

func (v *VAE) ZDim() int { return v.Z }

func (v *VAE) Encode(_ context.Context, videos []*ml.Tensor) ([]*ml.Tensor, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	v.rec.Add("vae: encode %d", len(videos))

	out := make([]*ml.Tensor, len(videos))
	for i, video := range videos {
		c, f, h, w := video.Dim(0), video.Dim(1), video.Dim(2), video.Dim(3)
		lt, lh, lw := (f-1)/4+1, h/8, w/8
		latent := ml.Zeros(v.Z, lt, lh, lw)

		src, dst := video.Data(), latent.Data()
		for z := 0; z < v.Z; z++ {
			for t := 0; t < lt; t++ {
				for y := 0; y < lh; y++ {
					for x := 0; x < lw; x++ {
						s := src[(((z%c)*f+t*4)*h+y*8)*w+x*8]
						dst[((z*lt+t)*lh+y)*lw+x] = s
					}
				}
			}
		}
		out[i] = latent
	}
	return out, nil
}

func (v *VAE) Decode(_ context.Context, latents []*ml.Tensor) ([]*ml.Tensor, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	if v.Residency() != ml.Device {
		return nil, fmt.Errorf("vae decode: %w", ErrNotOnDevice)
	}
	v.rec.Add("vae: decode %d", len(latents))

	out := make([]*ml.Tensor, len(latents))
	for i, latent := range latents {
		lt, lh, lw := latent.Dim(1), latent.Dim(2), latent.Dim(3)
		h, w := lh*8, lw*8
		video := ml.Zeros(3, lt, h, w)

		src, dst := latent.Data(), video.Data()
		for c := 0; c < 3; c++ {
			for t := 0; t < lt; t++ {
				for y := 0; y < h; y++ {
					row := src[((c*lt+t)*lh+y/8)*lw:]
					line := dst[((c*lt+t)*h+y)*w:]
					for x := 0; x < w; x++ {
						line[x] = float32(math.Tanh(float64(row[x/8])))
					}
				}
			}
		}
		out[i] = video
	}
	return out, nil
}

// Denoiser predicts a velocity that pulls the latent towards a value set
// by the text embedding. It refuses to run from the host.
type Denoiser struct {
	residency
	Err error

	mu     sync.Mutex
	calls  int
	noSync int
}

func NewDenoiser(rec *Recorder) *Denoiser {
	return &Denoiser{residency: residency{rec: rec}}
}

func (d *Denoiser) MoveTo(_ context.Context, r ml.Residency) error {
	d.move("dit", r)
	return nil
}

func (d *Denoiser) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *Denoiser) Forward(_ context.Context, latents []*ml.Tensor, t float64, text []*ml.Tensor, _ int) ([]*ml.Tensor, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Residency() != ml.Device {
		return nil, fmt.Errorf("dit forward: %w", ErrNotOnDevice)
	}

	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	var bias float32
	for _, e := range text {
		bias += e.Mean()
	}

	out := make([]*ml.Tensor, len(latents))
	for i, latent := range latents {
		v := latent.Clone()
		data := v.Data()
		for j, x := range data {
			data[j] = x - bias*float32(t/1000)
		}
		out[i] = v
	}
	return out, nil
}

// NoSync counts suppressions so tests can check the capability path.
func (d *Denoiser) NoSync() func() {
	d.mu.Lock()
	d.noSync++
	d.mu.Unlock()
	d.rec.Add("dit: no_sync")

	return func() { d.rec.Add("dit: sync") }
}

func (d *Denoiser) NoSyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noSync
}

// ShardedDenoiser adds a sequence-parallel forward pass. Every shard
// computes the full result, which is what the gather would produce.
type ShardedDenoiser struct {
	*Denoiser
}

func (s ShardedDenoiser) ForwardShard(ctx context.Context, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int, shard dist.Shard) ([]*ml.Tensor, error) {
	s.rec.Add("dit: shard %d/%d", shard.Rank, shard.WorldSize)
	return s.Forward(ctx, latents, t, text, seqLen)
}

// Components returns a fresh set of stubs sharing rec.
func Components(rec *Recorder) (wan.Components, *TextEncoder, *VAE, *Denoiser) {
	te, vae, dit := NewTextEncoder(rec), NewVAE(rec), NewDenoiser(rec)
	return wan.Components{TextEncoder: te, VAE: vae, Denoiser: dit}, te, vae, dit
}

// Accelerator is an ml.Accelerator that counts cache flushes.
type Accelerator struct {
	ml.CPU
	rec *Recorder
}

func NewAccelerator(rec *Recorder) *Accelerator {
	return &Accelerator{rec: rec}
}

func (a *Accelerator) EmptyCache() { a.rec.Add("accel: empty_cache") }

func (a *Accelerator) Synchronize() error {
	a.rec.Add("accel: synchronize")
	return nil
}
