package videogen

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/videotuna/wanvideo/ml"
)

// gradient returns a [3, frames, h, w] video whose red channel ramps
// across frames.
func gradient(frames, h, w int) *ml.Tensor {
	v := ml.Zeros(3, frames, h, w)
	data := v.Data()
	plane := h * w
	for f := 0; f < frames; f++ {
		level := -1 + 2*float32(f)/float32(max(1, frames-1))
		for p := 0; p < plane; p++ {
			data[f*plane+p] = level
			data[(frames+f)*plane+p] = 1
			data[(2*frames+f)*plane+p] = -1
		}
	}
	return v
}

func TestFrame(t *testing.T) {
	video := gradient(3, 4, 6)

	first, err := Frame(video, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, first.Bounds().Dx())
	assert.Equal(t, 4, first.Bounds().Dy())
	assert.Equal(t, []uint8{0, 255, 0, 255}, first.Pix[:4])

	last, err := Frame(video, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 255, 0, 255}, last.Pix[:4])

	_, err = Frame(video, 3)
	assert.Error(t, err)
	_, err = Frame(ml.Zeros(4, 1, 2, 2), 0)
	assert.Error(t, err)
}

func TestToByte(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float32Range(-10, 10).Draw(t, "v")
		b := toByte(v)
		switch {
		case v <= -1 && b != 0:
			t.Fatalf("toByte(%v) = %d, want 0", v, b)
		case v >= 1 && b != 255:
			t.Fatalf("toByte(%v) = %d, want 255", v, b)
		}
	})
	assert.Equal(t, uint8(128), toByte(0))
}

func TestThumbnail(t *testing.T) {
	img, err := Frame(gradient(1, 480, 832), 0)
	require.NoError(t, err)

	thumb := Thumbnail(img, 256)
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 147, thumb.Bounds().Dy())

	assert.Same(t, img, Thumbnail(img, 1024))
}

func TestEncodeImageBase64(t *testing.T) {
	img, err := Frame(gradient(1, 8, 8), 0)
	require.NoError(t, err)

	s, err := EncodeImageBase64(img)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestSaveFrames(t *testing.T) {
	dir := t.TempDir()

	var seen []int
	paths, err := SaveFrames(dir, "clip", gradient(5, 8, 16), func(i int) { seen = append(seen, i) })
	require.NoError(t, err)
	require.Len(t, paths, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, filepath.Join(dir, "clip_0004.png"), paths[4])

	f, err := os.Open(paths[2])
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestWriteRaw(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRaw(&buf, gradient(2, 2, 3), nil))
	assert.Equal(t, 2*2*3*3, buf.Len())
	assert.Equal(t, []byte{0, 255, 0}, buf.Bytes()[:3])
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("out.mp4", 832, 480, 16)
	assert.Contains(t, args, "832x480")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestWriteMP4Validates(t *testing.T) {
	err := WriteMP4(context.Background(), filepath.Join(t.TempDir(), "x.mp4"), gradient(1, 2, 2), 0, nil)
	assert.Error(t, err)
}
