//go:build !ort

package onnx

import "github.com/videotuna/wanvideo/videogen/models/wan"

func load(string, *wan.Config, Options) (*Backend, error) {
	return nil, ErrUnavailable
}
