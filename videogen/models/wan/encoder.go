package wan

import (
	"context"
	"fmt"

	"github.com/videotuna/wanvideo/ml"
)

// Conditioning is the encoded positive and negative prompt pair.
type Conditioning struct {
	Positive []*ml.Tensor
	Negative []*ml.Tensor
}

// ConditioningEncoder adapts a TextEncoder. In CPU mode the encoder runs
// from host memory and its outputs are uploaded to the accelerator.
type ConditioningEncoder struct {
	model           TextEncoder
	accel           ml.Accelerator
	cpu             bool
	defaultNegative string
}

func NewConditioningEncoder(model TextEncoder, accel ml.Accelerator, cpu bool, defaultNegative string) *ConditioningEncoder {
	return &ConditioningEncoder{model: model, accel: accel, cpu: cpu, defaultNegative: defaultNegative}
}

// CPU reports whether the encoder stays resident on the host.
func (e *ConditioningEncoder) CPU() bool { return e.cpu }

// Negative returns prompt, or the default negative prompt when it is empty.
func (e *ConditioningEncoder) Negative(prompt string) string {
	if prompt == "" {
		return e.defaultNegative
	}
	return prompt
}

// Encode embeds a single prompt for use on dev.
func (e *ConditioningEncoder) Encode(ctx context.Context, prompt string, dev ml.Residency) ([]*ml.Tensor, error) {
	return e.EncodeBatch(ctx, []string{prompt}, dev)
}

// EncodeBatch embeds texts, one sequence per text.
func (e *ConditioningEncoder) EncodeBatch(ctx context.Context, texts []string, dev ml.Residency) ([]*ml.Tensor, error) {
	if !e.cpu {
		out, err := e.model.Encode(ctx, texts, dev)
		if err != nil {
			return nil, classify("text encoder", err)
		}
		return out, checkCount("text encoder", out, len(texts))
	}

	out, err := e.model.Encode(ctx, texts, ml.Host)
	if err != nil {
		return nil, classify("text encoder", err)
	}
	if err := checkCount("text encoder", out, len(texts)); err != nil {
		return nil, err
	}
	if dev == ml.Host {
		return out, nil
	}

	uploaded := make([]*ml.Tensor, len(out))
	for i, t := range out {
		if uploaded[i], err = e.accel.Upload(t); err != nil {
			return nil, classify("text encoder", err)
		}
	}
	return uploaded, nil
}

func checkCount(stage string, out []*ml.Tensor, want int) error {
	if len(out) != want {
		return &ComputationError{Stage: stage, Err: fmt.Errorf("returned %d outputs for %d inputs", len(out), want)}
	}
	return nil
}
