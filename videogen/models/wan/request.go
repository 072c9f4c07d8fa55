package wan

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

// Size is a frame size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// ParseSize parses "WxH" or "W*H".
func ParseSize(s string) (Size, error) {
	sep := "x"
	if strings.Contains(s, "*") {
		sep = "*"
	}

	w, h, ok := strings.Cut(strings.ToLower(s), sep)
	if !ok {
		return Size{}, fmt.Errorf("invalid size %q, expected WIDTHxHEIGHT", s)
	}

	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return Size{}, fmt.Errorf("invalid width in %q: %w", s, err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return Size{}, fmt.Errorf("invalid height in %q: %w", s, err)
	}
	return Size{Width: width, Height: height}, nil
}

// ProgressFunc is called after every denoising step.
type ProgressFunc func(step, total int)

// LatentFunc observes the latent after every denoising step. The tensor
// must not be modified.
type LatentFunc func(step int, latent *ml.Tensor)

// GenerateRequest holds the parameters of one text-to-video generation.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string // empty selects the configured default
	Size           Size
	FrameNum       int
	Shift          float64
	Solver         string
	Steps          int
	GuideScale     float32
	Seed           int64 // negative selects a random seed
	OffloadModel   bool
	// DynamicShift derives the schedule shift from the sequence length
	// instead of using Shift.
	DynamicShift bool

	Progress ProgressFunc
	OnLatent LatentFunc
}

// NewRequest returns a request for prompt with the model's sampling
// defaults.
func (c *Config) NewRequest(prompt string) GenerateRequest {
	return GenerateRequest{
		Prompt:       prompt,
		Size:         Size{Width: c.Width, Height: c.Height},
		FrameNum:     c.FrameNum,
		Shift:        c.SampleShift,
		Solver:       c.SampleSolver,
		Steps:        c.SampleSteps,
		GuideScale:   c.SampleGuideScale,
		Seed:         -1,
		OffloadModel: true,
	}
}

// Validate checks the request against the model configuration.
func (r GenerateRequest) Validate(cfg *Config) error {
	if r.FrameNum < 1 || (r.FrameNum-1)%cfg.VAEStride[0] != 0 {
		return &ConfigurationError{
			Field:  "frame_num",
			Reason: fmt.Sprintf("%d is not of the form %dn+1", r.FrameNum, cfg.VAEStride[0]),
		}
	}

	if r.Size.Width <= 0 || r.Size.Height <= 0 {
		return &ConfigurationError{Field: "size", Reason: fmt.Sprintf("%s must be positive", r.Size)}
	}

	hs, ws := cfg.VAEStride[1], cfg.VAEStride[2]
	if r.Size.Height%hs != 0 || r.Size.Width%ws != 0 {
		return &ConfigurationError{
			Field:  "size",
			Reason: fmt.Sprintf("%s must be a multiple of %dx%d", r.Size, ws, hs),
		}
	}

	if r.Steps <= 0 {
		return &ConfigurationError{Field: "sampling_steps", Reason: fmt.Sprintf("%d must be positive", r.Steps)}
	}

	if r.Shift <= 0 {
		return &ConfigurationError{Field: "shift", Reason: fmt.Sprintf("%g must be positive", r.Shift)}
	}

	if !slices.Contains(scheduler.Solvers(), r.Solver) {
		return &ConfigurationError{Field: "sample_solver", Err: &scheduler.UnsupportedSolverError{Solver: r.Solver}}
	}

	return nil
}

// TargetShape is the latent shape for a request:
// (z_dim, (F-1)/stride_t+1, H/stride_h, W/stride_w).
func (c *Config) TargetShape(frames int, size Size) []int {
	return []int{
		c.ZDim,
		(frames-1)/c.VAEStride[0] + 1,
		size.Height / c.VAEStride[1],
		size.Width / c.VAEStride[2],
	}
}

// SeqLen is the number of transformer tokens for a latent shape, rounded
// up to a multiple of the sequence-parallel size.
func (c *Config) SeqLen(shape []int, spSize int) int {
	if spSize < 1 {
		spSize = 1
	}

	tokens := float64(shape[2]*shape[3]) / float64(c.PatchSize[1]*c.PatchSize[2]) * float64(shape[1])
	return int(math.Ceil(tokens/float64(spSize))) * spSize
}
