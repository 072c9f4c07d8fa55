package onnx

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/videotuna/wanvideo/ml"
)

func TestHalfBytes(t *testing.T) {
	in := []float32{0, 1, -2, 0.5, 65504}
	b := halfBytes(in)
	require.Len(t, b, 2*len(in))
	assert.Equal(t, []byte{0x00, 0x3c}, b[2:4], "1.0 is 0x3c00 little-endian")
	assert.Equal(t, in, fromHalfBytes(b))

	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float32Range(-1000, 1000).Draw(t, "v")
		got := fromHalfBytes(halfBytes([]float32{v}))[0]
		if math.Abs(float64(got-v)) > math.Abs(float64(v))/1024+1e-3 {
			t.Fatalf("half round trip of %v gave %v", v, got)
		}
	})
}

func TestBF16Bytes(t *testing.T) {
	in := []float32{0, 1, -2, 0.5}
	assert.Equal(t, in, fromBF16Bytes(bf16Bytes(in)))
	assert.Len(t, bf16Bytes(in), 8)
}

func TestValidTokens(t *testing.T) {
	assert.Equal(t, 3, validTokens([]int32{1, 1, 1, 0, 0}))
	assert.Zero(t, validTokens(nil))
	assert.Equal(t, []int64{5, -1}, widen([]int32{5, -1}))
}

func TestTrimAndPadTokens(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6, 0, 0}
	emb, err := trimTokens(data, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, emb.Shape())
	assert.Equal(t, data[:6], emb.Data())

	emb.Data()[0] = 9
	assert.Equal(t, float32(1), data[0], "trimmed embedding owns its data")

	padded := padTokens(emb, 5)
	assert.Equal(t, []float32{9, 2, 3, 4, 5, 6, 0, 0, 0, 0}, padded)

	long, err := ml.FromData([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, padTokens(long, 1))
}

func TestStepID(t *testing.T) {
	assert.Equal(t, int64(999), stepID(999.8))
	assert.Equal(t, int64(624), stepID(624.7))
	assert.Equal(t, int64(0), stepID(0.4))
}

func TestEncoderPath(t *testing.T) {
	assert.Equal(t, filepath.Join("m", "Wan2.1_VAE_encoder.onnx"), encoderPath(filepath.Join("m", "Wan2.1_VAE.onnx")))
}

func TestFindLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o644))

	assert.Equal(t, lib, findLibrary([]string{filepath.Join(dir, "missing.so"), lib}))
	assert.Empty(t, findLibrary([]string{filepath.Join(dir, "missing.so")}))
}

func TestBackendCloseNil(t *testing.T) {
	var b *Backend
	assert.NoError(t, b.Close())
	assert.NoError(t, (&Backend{}).Close())
}
