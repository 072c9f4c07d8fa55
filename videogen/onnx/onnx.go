// Package onnx runs the Wan networks through ONNX Runtime.
//
// Each network is an exported graph in the model directory. A module's
// session is created on first use and placed by its residency: Device
// sessions use the CUDA execution provider when enabled, Host sessions
// always run on the CPU. Moving a module to the host releases its device
// session.
//
// The runtime binding needs cgo and the onnxruntime shared library, so it
// is only compiled with the "ort" build tag. Without it Load returns
// ErrUnavailable.
package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/models/wan"
)

var ErrUnavailable = errors.New("onnx: built without onnxruntime support (rebuild with -tags ort)")

// Graph input and output names.
const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	hiddenState   = "last_hidden_state"

	ditLatent  = "x"
	ditStep    = "t"
	ditContext = "context"
	ditSeqLen  = "seq_len"

	vaeLatent = "z"
	vaeVideo  = "video"
)

type Options struct {
	// Library is the onnxruntime shared library. Empty searches the usual
	// install locations.
	Library string
	// CUDA places Device sessions on the CUDA execution provider.
	CUDA bool
	// Threads sets intra-op parallelism for CPU sessions. Zero uses
	// GOMAXPROCS.
	Threads int
}

// Backend is a loaded set of networks.
type Backend struct {
	Components  wan.Components
	Accelerator ml.Accelerator

	close func() error
}

// Load prepares the networks named by cfg under dir. Weights are read by
// the pipeline's LoadWeight and sessions are opened lazily.
func Load(dir string, cfg *wan.Config, opts Options) (*Backend, error) {
	if opts.Threads <= 0 {
		opts.Threads = runtime.GOMAXPROCS(0)
	}
	return load(dir, cfg, opts)
}

// Close releases every session and the runtime environment.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

var libraryPaths = []string{
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"/usr/local/lib/libonnxruntime.dylib",
}

// findLibrary returns the first existing path from candidates.
func findLibrary(candidates []string) string {
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// encoderPath is the VAE encoder graph stored next to the decoder.
func encoderPath(decoder string) string {
	ext := filepath.Ext(decoder)
	return decoder[:len(decoder)-len(ext)] + "_encoder" + ext
}

// validTokens counts the unmasked positions of a padded sequence.
func validTokens(mask []int32) int {
	var n int
	for _, m := range mask {
		if m != 0 {
			n++
		}
	}
	return n
}

// stepID truncates a schedule timestep to the integer the transformer's
// time embedding was trained on.
func stepID(t float64) int64 { return int64(t) }

func widen(ids []int32) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// halfBytes packs s as little-endian IEEE half floats.
func halfBytes(s []float32) []byte {
	b := make([]byte, 2*len(s))
	for i, v := range s {
		bits := float16.Fromfloat32(v).Bits()
		b[2*i] = byte(bits)
		b[2*i+1] = byte(bits >> 8)
	}
	return b
}

func fromHalfBytes(b []byte) []float32 {
	s := make([]float32, len(b)/2)
	for i := range s {
		s[i] = float16.Frombits(uint16(b[2*i]) | uint16(b[2*i+1])<<8).Float32()
	}
	return s
}

func bf16Bytes(s []float32) []byte { return bfloat16.EncodeFloat32(s) }

func fromBF16Bytes(b []byte) []float32 { return bfloat16.DecodeFloat32(b) }

// trimTokens keeps the first n rows of a [L, D] embedding.
func trimTokens(data []float32, n, dim int) (*ml.Tensor, error) {
	return ml.FromData(append([]float32(nil), data[:n*dim]...), n, dim)
}

// padTokens zero-pads a [n, D] embedding to [length, D].
func padTokens(t *ml.Tensor, length int) []float32 {
	out := make([]float32, length*t.Dim(1))
	copy(out, t.Data())
	return out
}
