package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/videotuna/wanvideo/envconfig"
	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen/dist"
	"github.com/videotuna/wanvideo/videogen/models/wan"
	"github.com/videotuna/wanvideo/videogen/onnx"
)

// backend is the set of networks behind one pipeline.
type backend struct {
	components  wan.Components
	accelerator ml.Accelerator
	close       func() error
}

// newBackend loads the networks in dir. Tests replace it with stubs.
var newBackend = func(dir string, cfg *wan.Config) (*backend, error) {
	b, err := onnx.Load(dir, cfg, onnx.Options{
		Library: envconfig.ORTLibrary(),
		CUDA:    envconfig.ORTCUDA(),
	})
	if err != nil {
		return nil, err
	}
	return &backend{components: b.Components, accelerator: b.Accelerator, close: b.Close}, nil
}

type pipelineOptions struct {
	dir   string
	cfg   *wan.Config
	group dist.ProcessGroup
	t5CPU bool
}

// loadPipeline builds a pipeline for one rank and loads its weights. The
// returned func releases the backend.
func loadPipeline(ctx context.Context, opts pipelineOptions) (*wan.T2V, func() error, error) {
	b, err := newBackend(opts.dir, opts.cfg)
	if err != nil {
		return nil, nil, err
	}

	var strategy wan.ExecutionStrategy = wan.Standalone{}
	if _, ok := b.components.Denoiser.(wan.ShardedDenoiser); ok && opts.group.WorldSize() > 1 {
		strategy = wan.SequenceParallel{Group: opts.group}
	}

	m, err := wan.New(opts.cfg, b.components, wan.Options{
		Group:       opts.group,
		Strategy:    strategy,
		T5CPU:       opts.t5CPU,
		Accelerator: b.accelerator,
	})
	if err == nil {
		err = m.LoadWeight(ctx)
	}
	if err != nil {
		return nil, nil, errors.Join(err, b.close())
	}

	slog.Debug("pipeline ready", "model", opts.cfg.Name, "rank", m.Group().Rank(), "strategy", strategy.Name(), "accelerator", b.accelerator.Name())
	return m, b.close, nil
}
