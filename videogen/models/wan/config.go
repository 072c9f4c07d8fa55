package wan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

// DefaultNegativePrompt is the negative prompt the Wan text-to-video models
// were tuned with.
const DefaultNegativePrompt = "色调艳丽，过曝，静态，细节模糊不清，字幕，风格，作品，画作，画面，静止，整体发灰，最差质量，低质量，JPEG压缩残留，丑陋的，残缺的，多余的手指，画得不好的手部，画得不好的脸部，畸形的，毁容的，形态畸形的肢体，手指融合，静止不动的画面，杂乱的背景，三条腿，背景人很多，倒着走"

// Config describes a text-to-video model and its sampling defaults.
type Config struct {
	Name string `json:"name"`

	NumTrainTimesteps int    `json:"num_train_timesteps"`
	ParamDType        string `json:"param_dtype"`

	// Text encoder
	TextLen      int    `json:"text_len"`
	T5DType      string `json:"t5_dtype"`
	T5Checkpoint string `json:"t5_checkpoint"`
	T5Tokenizer  string `json:"t5_tokenizer"`

	// VAE
	VAECheckpoint string `json:"vae_checkpoint"`
	VAEStride     [3]int `json:"vae_stride"`
	ZDim          int    `json:"z_dim"`

	// Transformer
	DiTCheckpoint string `json:"dit_checkpoint"`
	PatchSize     [3]int `json:"patch_size"`
	Dim           int    `json:"dim"`
	NumHeads      int    `json:"num_heads"`
	NumLayers     int    `json:"num_layers"`

	// Sampling defaults
	SampleNegPrompt  string  `json:"sample_neg_prompt"`
	SampleFPS        int     `json:"sample_fps"`
	SampleShift      float64 `json:"sample_shift"`
	SampleSteps      int     `json:"sample_steps"`
	SampleGuideScale float32 `json:"sample_guide_scale"`
	SampleSolver     string  `json:"sample_solver"`
	FrameNum         int     `json:"frame_num"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`

	// Dynamic shifting interpolates log(shift) linearly in the sequence
	// length between these two points.
	BaseSeqLen int     `json:"base_seq_len"`
	MaxSeqLen  int     `json:"max_seq_len"`
	BaseShift  float64 `json:"base_shift"`
	MaxShift   float64 `json:"max_shift"`
}

// DefaultConfig returns the 1.3B text-to-video configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:              "t2v-1.3B",
		NumTrainTimesteps: 1000,
		ParamDType:        "bfloat16",

		TextLen:      512,
		T5DType:      "bfloat16",
		T5Checkpoint: "models_t5_umt5-xxl-enc-bf16.onnx",
		T5Tokenizer:  "tokenizer.json",

		VAECheckpoint: "Wan2.1_VAE.onnx",
		VAEStride:     [3]int{4, 8, 8},
		ZDim:          16,

		DiTCheckpoint: "dit.onnx",
		PatchSize:     [3]int{1, 2, 2},
		Dim:           1536,
		NumHeads:      12,
		NumLayers:     30,

		SampleNegPrompt:  DefaultNegativePrompt,
		SampleFPS:        16,
		SampleShift:      5.0,
		SampleSteps:      50,
		SampleGuideScale: 5.0,
		SampleSolver:     scheduler.SolverUniPC,
		FrameNum:         81,
		Width:            832,
		Height:           480,

		// 832x480x81 maps to log(5), the static default.
		BaseSeqLen: 256,
		MaxSeqLen:  32760,
		BaseShift:  0.5,
		MaxShift:   math.Log(5),
	}
}

// Mu is the dynamic shift exponent for a sequence of seqLen tokens.
func (c *Config) Mu(seqLen int) float64 {
	return scheduler.CalculateShift(seqLen, c.BaseSeqLen, c.MaxSeqLen, c.BaseShift, c.MaxShift)
}

// LoadConfig reads config.json from a model directory on top of the
// defaults. A missing file yields the defaults.
func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	for i, s := range c.VAEStride {
		if s <= 0 {
			return &ConfigurationError{Field: "vae_stride", Reason: fmt.Sprintf("stride[%d] must be positive", i)}
		}
	}
	for i, p := range c.PatchSize {
		if p <= 0 {
			return &ConfigurationError{Field: "patch_size", Reason: fmt.Sprintf("patch[%d] must be positive", i)}
		}
	}
	if c.ZDim <= 0 {
		return &ConfigurationError{Field: "z_dim", Reason: "must be positive"}
	}
	if c.NumTrainTimesteps <= 0 {
		return &ConfigurationError{Field: "num_train_timesteps", Reason: "must be positive"}
	}
	if c.MaxSeqLen <= c.BaseSeqLen {
		return &ConfigurationError{Field: "max_seq_len", Reason: fmt.Sprintf("%d must exceed base_seq_len %d", c.MaxSeqLen, c.BaseSeqLen)}
	}
	if _, err := ml.ParseDType(c.ParamDType); err != nil {
		return &ConfigurationError{Field: "param_dtype", Err: err}
	}
	if _, err := ml.ParseDType(c.T5DType); err != nil {
		return &ConfigurationError{Field: "t5_dtype", Err: err}
	}
	return nil
}
