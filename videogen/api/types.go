// Package api serves text-to-video generation over HTTP.
package api

import (
	"github.com/mitchellh/mapstructure"

	"github.com/videotuna/wanvideo/videogen/models/wan"
)

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Size is "WIDTHxHEIGHT" or "WIDTH*HEIGHT".
	Size string `json:"size,omitempty"`

	// Options overrides sampling parameters, keyed as in Options.
	Options map[string]any `json:"options,omitempty"`

	Stream *bool `json:"stream,omitempty"`
}

// Options are the per-request sampling parameters.
type Options struct {
	FrameNum     int     `mapstructure:"frame_num" json:"frame_num"`
	Shift        float64 `mapstructure:"shift" json:"shift"`
	Solver       string  `mapstructure:"sample_solver" json:"sample_solver"`
	Steps        int     `mapstructure:"sampling_steps" json:"sampling_steps"`
	GuideScale   float32 `mapstructure:"guide_scale" json:"guide_scale"`
	Seed         int64   `mapstructure:"seed" json:"seed"`
	OffloadModel bool    `mapstructure:"offload_model" json:"offload_model"`
	DynamicShift bool    `mapstructure:"dynamic_shift" json:"dynamic_shift"`
}

// DefaultOptions returns the sampling defaults of cfg.
func DefaultOptions(cfg *wan.Config, offload bool) Options {
	return Options{
		FrameNum:     cfg.FrameNum,
		Shift:        cfg.SampleShift,
		Solver:       cfg.SampleSolver,
		Steps:        cfg.SampleSteps,
		GuideScale:   cfg.SampleGuideScale,
		Seed:         -1,
		OffloadModel: offload,
	}
}

// FromMap overlays m onto opts. Unknown keys are an error.
func (opts *Options) FromMap(m map[string]any) error {
	if len(m) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           opts,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// toRequest builds the pipeline request for r.
func (r GenerateRequest) toRequest(cfg *wan.Config, offload bool) (wan.GenerateRequest, error) {
	opts := DefaultOptions(cfg, offload)
	if err := opts.FromMap(r.Options); err != nil {
		return wan.GenerateRequest{}, &wan.ConfigurationError{Field: "options", Err: err}
	}

	req := cfg.NewRequest(r.Prompt)
	req.NegativePrompt = r.NegativePrompt
	if r.Size != "" {
		size, err := wan.ParseSize(r.Size)
		if err != nil {
			return wan.GenerateRequest{}, &wan.ConfigurationError{Field: "size", Err: err}
		}
		req.Size = size
	}

	req.FrameNum = opts.FrameNum
	req.Shift = opts.Shift
	req.Solver = opts.Solver
	req.Steps = opts.Steps
	req.GuideScale = opts.GuideScale
	req.Seed = opts.Seed
	req.OffloadModel = opts.OffloadModel
	req.DynamicShift = opts.DynamicShift
	return req, nil
}

// ProgressResponse is streamed as a "progress" event while sampling.
type ProgressResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Completed int    `json:"completed,omitempty"`
	Total     int    `json:"total,omitempty"`
}

// ConfigResponse describes the loaded model.
type ConfigResponse struct {
	Model    string   `json:"model"`
	Size     string   `json:"size"`
	FPS      int      `json:"fps"`
	Solvers  []string `json:"solvers"`
	Defaults Options  `json:"defaults"`
}
