//go:build ort

package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/tokenizer"
	"github.com/videotuna/wanvideo/videogen/models/wan"
)

func load(dir string, cfg *wan.Config, opts Options) (*Backend, error) {
	lib := opts.Library
	if lib == "" {
		lib = findLibrary(libraryPaths)
	}
	if lib == "" {
		return nil, errors.New("onnx: onnxruntime library not found, set WAN_ORT_LIBRARY")
	}

	if err := acquireEnvironment(lib); err != nil {
		return nil, err
	}
	slog.Info("onnx backend loaded", "dir", dir, "cuda", opts.CUDA)

	te := &textEncoder{
		module:    newModule(wan.ModuleTextEncoder, filepath.Join(dir, cfg.T5Checkpoint), opts),
		tokenizer: filepath.Join(dir, cfg.T5Tokenizer),
		textLen:   cfg.TextLen,
	}
	ae := &autoencoder{
		decoder: newModule(wan.ModuleVAE, filepath.Join(dir, cfg.VAECheckpoint), opts),
		encoder: newModule(wan.ModuleVAE+"_encoder", encoderPath(filepath.Join(dir, cfg.VAECheckpoint)), opts),
		zDim:    cfg.ZDim,
	}
	dit := &denoiser{
		module:  newModule(wan.ModuleDenoiser, filepath.Join(dir, cfg.DiTCheckpoint), opts),
		textLen: cfg.TextLen,
	}

	name := "cpu"
	if opts.CUDA {
		name = "cuda"
	}

	return &Backend{
		Components:  wan.Components{TextEncoder: te, VAE: ae, Denoiser: dit},
		Accelerator: accelerator{name: name},
		close: func() error {
			errs := []error{te.release(), ae.decoder.release(), ae.encoder.release(), dit.release()}
			errs = append(errs, releaseEnvironment())
			return errors.Join(errs...)
		},
	}, nil
}

// The runtime environment is process wide. Every backend, one per rank in
// an in-process group, holds a reference.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(lib string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: init %s: %w", lib, err)
		}
		slog.Info("onnxruntime initialized", "library", lib, "version", ort.GetVersion())
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	envRefs--
	if envRefs > 0 {
		return nil
	}
	envRefs = 0
	return ort.DestroyEnvironment()
}

// accelerator reports host memory; onnxruntime owns device allocations and
// frees them when sessions are destroyed.
type accelerator struct {
	ml.CPU
	name string
}

func (a accelerator) Name() string { return a.name }

// module is one ONNX graph and its session.
type module struct {
	name string
	path string
	opts Options

	mu        sync.Mutex
	inputs    []ort.InputOutputInfo
	outputs   []ort.InputOutputInfo
	session   *ort.DynamicAdvancedSession
	residency ml.Residency
}

func newModule(name, path string, opts Options) *module {
	return &module{name: name, path: path, opts: opts}
}

// inspect reads the graph signature without creating a session.
func (m *module) inspect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputs != nil {
		return nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(m.path)
	if err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}
	m.inputs, m.outputs = inputs, outputs

	for _, in := range inputs {
		slog.Debug("onnx input", "module", m.name, "name", in.Name, "type", in.DataType, "shape", in.Dimensions)
	}
	for _, out := range outputs {
		slog.Debug("onnx output", "module", m.name, "name", out.Name, "type", out.DataType, "shape", out.Dimensions)
	}
	return nil
}

func (m *module) input(name string) (ort.InputOutputInfo, error) {
	i := slices.IndexFunc(m.inputs, func(info ort.InputOutputInfo) bool { return info.Name == name })
	if i < 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("%s: graph has no input %q", m.name, name)
	}
	return m.inputs[i], nil
}

func (m *module) sessionOptions() (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err := so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		so.Destroy()
		return nil, err
	}

	if m.residency == ml.Device && m.opts.CUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err == nil {
			err = so.AppendExecutionProviderCUDA(cuda)
			cuda.Destroy()
		}
		if err == nil {
			return so, nil
		}
		slog.Warn("cuda unavailable, running on cpu", "module", m.name, "error", err)
	}

	if err := so.SetIntraOpNumThreads(m.opts.Threads); err != nil {
		so.Destroy()
		return nil, err
	}
	return so, nil
}

// open creates the session for the current residency. m.mu must be held.
func (m *module) open() error {
	if m.session != nil {
		return nil
	}

	so, err := m.sessionOptions()
	if err != nil {
		return fmt.Errorf("%s: session options: %w", m.name, err)
	}
	defer so.Destroy()

	names := func(infos []ort.InputOutputInfo) []string {
		s := make([]string, len(infos))
		for i, info := range infos {
			s[i] = info.Name
		}
		return s
	}

	start := time.Now()
	session, err := ort.NewDynamicAdvancedSession(m.path, names(m.inputs), names(m.outputs), so)
	if err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}
	m.session = session
	slog.Debug("onnx session created", "module", m.name, "residency", m.residency, "elapsed", time.Since(start))
	return nil
}

// release destroys the session. The signature is kept.
func (m *module) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *module) closeLocked() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

func (m *module) MoveTo(_ context.Context, r ml.Residency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r == m.residency {
		return nil
	}
	m.residency = r
	return m.closeLocked()
}

// run feeds inputs, in graph order, and returns the outputs allocated by
// onnxruntime. The caller destroys them.
func (m *module) run(ctx context.Context, inputs map[string]ort.Value) ([]ort.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.open(); err != nil {
		return nil, err
	}

	ordered := make([]ort.Value, len(m.inputs))
	for i, info := range m.inputs {
		v, ok := inputs[info.Name]
		if !ok {
			return nil, fmt.Errorf("%s: missing input %q", m.name, info.Name)
		}
		ordered[i] = v
	}

	outputs := make([]ort.Value, len(m.outputs))
	if err := m.session.Run(ordered, outputs); err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	return outputs, nil
}

func destroy(values ...ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

// floatValue builds a tensor of the element type the graph expects.
func floatValue(data []float32, shape ort.Shape, dtype ort.TensorElementDataType) (ort.Value, error) {
	switch dtype {
	case ort.TensorElementDataTypeFloat16:
		return ort.NewCustomDataTensor(shape, halfBytes(data), dtype)
	case ort.TensorElementDataTypeBFloat16:
		return ort.NewCustomDataTensor(shape, bf16Bytes(data), dtype)
	default:
		return ort.NewTensor(shape, data)
	}
}

// floats copies an output tensor of the declared element type to float32.
func floats(v ort.Value, dtype ort.TensorElementDataType) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return slices.Clone(t.GetData()), nil
	case *ort.CustomDataTensor:
		switch dtype {
		case ort.TensorElementDataTypeFloat16:
			return fromHalfBytes(t.GetData()), nil
		case ort.TensorElementDataTypeBFloat16:
			return fromBF16Bytes(t.GetData()), nil
		}
	}
	return nil, fmt.Errorf("unsupported output tensor %T of type %v", v, dtype)
}

func toShape(dims []int) ort.Shape {
	s := make(ort.Shape, len(dims))
	for i, d := range dims {
		s[i] = int64(d)
	}
	return s
}

func fromShape(s ort.Shape) []int {
	dims := make([]int, len(s))
	for i, d := range s {
		dims[i] = int(d)
	}
	return dims
}

// textEncoder runs the umT5 encoder on padded token ids.
type textEncoder struct {
	*module
	tokenizer string
	textLen   int

	tok *tokenizer.Unigram
}

func (e *textEncoder) LoadWeight(context.Context) error {
	tok, err := tokenizer.Load(e.tokenizer)
	if err != nil {
		return err
	}
	e.tok = tok
	return e.inspect()
}

func (e *textEncoder) Encode(ctx context.Context, texts []string, dev ml.Residency) ([]*ml.Tensor, error) {
	if e.tok == nil {
		return nil, errors.New("text encoder: weights not loaded")
	}

	out := make([]*ml.Tensor, len(texts))
	for i, text := range texts {
		ids, mask, err := e.tok.EncodePadded(tokenizer.Clean(text), e.textLen)
		if err != nil {
			return nil, err
		}

		emb, err := e.encodeOne(ctx, ids, mask)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}

	slog.Debug("encoded prompts", "count", len(texts), "residency", dev)
	return out, nil
}

func (e *textEncoder) encodeOne(ctx context.Context, ids, mask []int32) (*ml.Tensor, error) {
	shape := ort.NewShape(1, int64(len(ids)))
	idsValue, err := ort.NewTensor(shape, widen(ids))
	if err != nil {
		return nil, err
	}
	defer idsValue.Destroy()

	maskValue, err := ort.NewTensor(shape, widen(mask))
	if err != nil {
		return nil, err
	}
	defer maskValue.Destroy()

	outputs, err := e.run(ctx, map[string]ort.Value{inputIDs: idsValue, attentionMask: maskValue})
	if err != nil {
		return nil, err
	}
	defer destroy(outputs...)

	hidden, info := outputs[0], e.outputs[0]
	for i := range e.outputs {
		if e.outputs[i].Name == hiddenState {
			hidden, info = outputs[i], e.outputs[i]
		}
	}

	data, err := floats(hidden, info.DataType)
	if err != nil {
		return nil, err
	}
	dims := hidden.GetShape()
	return trimTokens(data, validTokens(mask), int(dims[len(dims)-1]))
}

// autoencoder decodes latents with the VAE decoder graph and encodes
// videos with the optional encoder graph next to it.
type autoencoder struct {
	decoder *module
	encoder *module
	zDim    int
}

func (v *autoencoder) ZDim() int { return v.zDim }

func (v *autoencoder) LoadWeight(context.Context) error {
	return v.decoder.inspect()
}

func (v *autoencoder) MoveTo(ctx context.Context, r ml.Residency) error {
	return errors.Join(v.decoder.MoveTo(ctx, r), v.encoder.MoveTo(ctx, r))
}

func (v *autoencoder) Decode(ctx context.Context, latents []*ml.Tensor) ([]*ml.Tensor, error) {
	return v.apply(ctx, v.decoder, vaeLatent, latents)
}

func (v *autoencoder) Encode(ctx context.Context, videos []*ml.Tensor) ([]*ml.Tensor, error) {
	if err := v.encoder.inspect(); err != nil {
		return nil, fmt.Errorf("vae encoder: %w", err)
	}
	return v.apply(ctx, v.encoder, vaeVideo, videos)
}

// apply runs m on each input, adding and removing the batch dimension.
func (v *autoencoder) apply(ctx context.Context, m *module, name string, in []*ml.Tensor) ([]*ml.Tensor, error) {
	info, err := m.input(name)
	if err != nil {
		return nil, err
	}

	out := make([]*ml.Tensor, len(in))
	for i, t := range in {
		value, err := floatValue(t.Data(), toShape(append([]int{1}, t.Shape()...)), info.DataType)
		if err != nil {
			return nil, err
		}

		outputs, err := m.run(ctx, map[string]ort.Value{name: value})
		value.Destroy()
		if err != nil {
			return nil, err
		}

		data, err := floats(outputs[0], m.outputs[0].DataType)
		shape := fromShape(outputs[0].GetShape())
		destroy(outputs...)
		if err != nil {
			return nil, err
		}

		if out[i], err = ml.FromData(data, shape[1:]...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// denoiser runs the diffusion transformer one latent at a time. Text
// embeddings are zero-padded back to text_len.
type denoiser struct {
	*module
	textLen int
}

func (d *denoiser) Forward(ctx context.Context, latents []*ml.Tensor, t float64, text []*ml.Tensor, seqLen int) ([]*ml.Tensor, error) {
	if len(text) != len(latents) {
		return nil, fmt.Errorf("dit: %d latents for %d text embeddings", len(latents), len(text))
	}
	if err := d.inspect(); err != nil {
		return nil, err
	}

	xInfo, err := d.input(ditLatent)
	if err != nil {
		return nil, err
	}
	ctxInfo, err := d.input(ditContext)
	if err != nil {
		return nil, err
	}
	stepInfo, err := d.input(ditStep)
	if err != nil {
		return nil, err
	}
	_, err = d.input(ditSeqLen)
	withSeqLen := err == nil

	out := make([]*ml.Tensor, len(latents))
	for i, latent := range latents {
		inputs := make(map[string]ort.Value, 4)

		x, err := floatValue(latent.Data(), toShape(append([]int{1}, latent.Shape()...)), xInfo.DataType)
		if err != nil {
			return nil, err
		}
		inputs[ditLatent] = x

		var step ort.Value
		if stepInfo.DataType == ort.TensorElementDataTypeInt64 {
			step, err = ort.NewTensor(ort.NewShape(1), []int64{stepID(t)})
		} else {
			step, err = ort.NewTensor(ort.NewShape(1), []float32{float32(stepID(t))})
		}
		if err != nil {
			destroy(x)
			return nil, err
		}
		inputs[ditStep] = step

		dim := text[i].Dim(1)
		c, err := floatValue(padTokens(text[i], d.textLen), ort.NewShape(1, int64(d.textLen), int64(dim)), ctxInfo.DataType)
		if err != nil {
			destroy(x, step)
			return nil, err
		}
		inputs[ditContext] = c

		if withSeqLen {
			sl, err := ort.NewTensor(ort.NewShape(1), []int64{int64(seqLen)})
			if err != nil {
				destroy(x, step, c)
				return nil, err
			}
			inputs[ditSeqLen] = sl
		}

		outputs, err := d.run(ctx, inputs)
		for _, v := range inputs {
			v.Destroy()
		}
		if err != nil {
			return nil, err
		}

		data, err := floats(outputs[0], d.outputs[0].DataType)
		destroy(outputs...)
		if err != nil {
			return nil, err
		}
		if out[i], err = ml.FromData(data, latent.Shape()...); err != nil {
			return nil, err
		}
	}
	return out, nil
}
