// Package videogen turns decoded video tensors into files: PNG frames,
// MP4 through ffmpeg, and preview thumbnails.
package videogen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/videotuna/wanvideo/ml"
)

var ErrNoFFmpeg = errors.New("ffmpeg not found in PATH")

// checkVideo validates a [3, F, H, W] tensor.
func checkVideo(video *ml.Tensor) error {
	if video == nil {
		return errors.New("no video")
	}
	if video.Rank() != 4 || video.Dim(0) != 3 {
		return fmt.Errorf("expected video [3, F, H, W], got %v", video.Shape())
	}
	return nil
}

// Frame converts frame i of a [3, F, H, W] video with values in [-1, 1]
// to an image.
func Frame(video *ml.Tensor, i int) (*image.RGBA, error) {
	if err := checkVideo(video); err != nil {
		return nil, err
	}
	f, h, w := video.Dim(1), video.Dim(2), video.Dim(3)
	if i < 0 || i >= f {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, f)
	}

	data := video.Data()
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	pix := img.Pix
	for c := 0; c < 3; c++ {
		src := data[(c*f+i)*plane : (c*f+i+1)*plane]
		for p, v := range src {
			pix[p*4+c] = toByte(v)
		}
	}
	for p := 0; p < plane; p++ {
		pix[p*4+3] = 255
	}
	return img, nil
}

// toByte maps [-1, 1] to [0, 255].
func toByte(v float32) uint8 {
	v = (v+1)/2*255 + 0.5
	switch {
	case v < 0 || v != v:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// Frames converts every frame of video.
func Frames(video *ml.Tensor) ([]*image.RGBA, error) {
	if err := checkVideo(video); err != nil {
		return nil, err
	}

	frames := make([]*image.RGBA, video.Dim(1))
	for i := range frames {
		var err error
		if frames[i], err = Frame(video, i); err != nil {
			return nil, err
		}
	}
	return frames, nil
}

// Thumbnail scales img so its longer side is at most maxSide.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}

	if w >= h {
		w, h = maxSide, max(1, h*maxSide/w)
	} else {
		w, h = max(1, w*maxSide/h), maxSide
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Rect, img, b, draw.Over, nil)
	return dst
}

// EncodeImageBase64 encodes img as a base64 PNG.
func EncodeImageBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SaveFrames writes each frame to dir as <prefix>_NNNN.png. onFrame, when
// set, is called after every frame.
func SaveFrames(dir, prefix string, video *ml.Tensor, onFrame func(i int)) ([]string, error) {
	frames, err := Frames(video)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, len(frames))
	for i, img := range frames {
		paths[i] = filepath.Join(dir, fmt.Sprintf("%s_%04d.png", prefix, i))
		if err := writePNG(paths[i], img); err != nil {
			return nil, err
		}
		if onFrame != nil {
			onFrame(i)
		}
	}
	return paths, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeRaw streams the frames of video as packed rgb24.
func writeRaw(w io.Writer, video *ml.Tensor, onFrame func(i int)) error {
	frames, err := Frames(video)
	if err != nil {
		return err
	}

	for i, img := range frames {
		rgb := make([]byte, 0, len(img.Pix)/4*3)
		for p := 0; p < len(img.Pix); p += 4 {
			rgb = append(rgb, img.Pix[p], img.Pix[p+1], img.Pix[p+2])
		}
		if _, err := w.Write(rgb); err != nil {
			return err
		}
		if onFrame != nil {
			onFrame(i)
		}
	}
	return nil
}

// ffmpegArgs encodes rawvideo rgb24 from stdin as H.264 at fps.
func ffmpegArgs(path string, width, height, fps int) []string {
	return []string{
		"-y", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", "18",
		path,
	}
}

// WriteMP4 encodes video at fps with ffmpeg. onFrame, when set, is called
// after each frame is handed to the encoder.
func WriteMP4(ctx context.Context, path string, video *ml.Tensor, fps int, onFrame func(i int)) error {
	if err := checkVideo(video); err != nil {
		return err
	}
	if fps <= 0 {
		return fmt.Errorf("invalid fps %d", fps)
	}

	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return ErrNoFFmpeg
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, ffmpegArgs(path, video.Dim(3), video.Dim(2), fps)...)
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	slog.Debug("running ffmpeg", "cmd", cmd.String())
	if err := cmd.Start(); err != nil {
		return err
	}

	werr := writeRaw(stdin, video, onFrame)
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return werr
}

// Save writes video under dir as name.mp4, falling back to PNG frames in
// dir/name when ffmpeg is unavailable. It returns the written paths.
func Save(ctx context.Context, dir, name string, video *ml.Tensor, fps int, onFrame func(i int)) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, name+".mp4")
	err := WriteMP4(ctx, path, video, fps, onFrame)
	switch {
	case err == nil:
		return []string{path}, nil
	case errors.Is(err, ErrNoFFmpeg):
		slog.Warn("ffmpeg not found, saving frames as PNG", "dir", filepath.Join(dir, name))
		return SaveFrames(filepath.Join(dir, name), name, video, onFrame)
	default:
		return nil, err
	}
}
