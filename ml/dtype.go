package ml

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the numeric precision a tensor is computed in. Storage is
// always float32; casting rounds values to the target precision.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "float32"
	case DTypeF16:
		return "float16"
	case DTypeBF16:
		return "bfloat16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "f32", "fp32", "float32":
		return DTypeF32, nil
	case "f16", "fp16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeF32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Cast returns a copy of t rounded to d.
func (t *Tensor) Cast(d DType) *Tensor {
	out := t.Clone()
	roundSlice(d, out.data)
	return out
}

// Round rounds a single scalar to d.
func (d DType) Round(v float64) float64 {
	s := []float32{float32(v)}
	roundSlice(d, s)
	return float64(s[0])
}

func roundSlice(d DType, s []float32) {
	switch d {
	case DTypeF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		copy(s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s)))
	}
}
