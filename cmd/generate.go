package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/videotuna/wanvideo/envconfig"
	"github.com/videotuna/wanvideo/format"
	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/progress"
	"github.com/videotuna/wanvideo/videogen"
	"github.com/videotuna/wanvideo/videogen/dist"
	"github.com/videotuna/wanvideo/videogen/models/wan"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

func newGenerateCmd() *cobra.Command {
	defaults := wan.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "generate PROMPT",
		Short: "Generate a video from a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE:  GenerateHandler,
	}

	cmd.Flags().String("model-dir", "", "Model directory (default $WAN_MODELS)")
	cmd.Flags().String("size", wan.Size{Width: defaults.Width, Height: defaults.Height}.String(), "Frame size as WIDTHxHEIGHT")
	cmd.Flags().Int("frame-num", defaults.FrameNum, "Number of frames, 4n+1")
	cmd.Flags().Float64("shift", defaults.SampleShift, "Noise schedule shift")
	cmd.Flags().Bool("dynamic-shift", false, "Derive the shift from the sequence length")
	cmd.Flags().String("solver", defaults.SampleSolver, "Sampling solver: "+strings.Join(scheduler.Solvers(), ", "))
	cmd.Flags().Int("steps", defaults.SampleSteps, "Sampling steps")
	cmd.Flags().Float32("guide-scale", defaults.SampleGuideScale, "Classifier-free guidance scale")
	cmd.Flags().String("negative-prompt", "", "Negative prompt (default: the model's)")
	cmd.Flags().Int64("seed", -1, "Random seed, negative for a random one")
	cmd.Flags().Bool("offload", envconfig.OffloadModel(), "Move each network to host memory after use")
	cmd.Flags().Bool("t5-cpu", envconfig.T5CPU(), "Run the text encoder on the CPU")
	cmd.Flags().Int("world-size", 1, "Number of in-process ranks")
	cmd.Flags().StringP("output", "o", ".", "Output directory")
	cmd.Flags().String("name", "", "Output name (default: derived from the prompt)")
	cmd.Flags().Int("fps", 0, "Frames per second of the written video (default: the model's)")
	cmd.Flags().String("dump-latents", "", "Write the latent after every step to this CBOR file")

	appendEnvDocs(cmd, "WAN_MODELS", "WAN_DEBUG", "WAN_OFFLOAD_MODEL", "WAN_T5_CPU", "WAN_ORT_LIBRARY", "WAN_ORT_CUDA")
	return cmd
}

// requestFromFlags builds a request, taking unset flags from cfg.
func requestFromFlags(cmd *cobra.Command, cfg *wan.Config, prompt string) (wan.GenerateRequest, error) {
	req := cfg.NewRequest(prompt)
	flags := cmd.Flags()

	var errs []error
	if flags.Changed("size") {
		s, _ := flags.GetString("size")
		size, err := wan.ParseSize(s)
		errs = append(errs, err)
		req.Size = size
	}
	if flags.Changed("frame-num") {
		req.FrameNum, _ = flags.GetInt("frame-num")
	}
	if flags.Changed("shift") {
		req.Shift, _ = flags.GetFloat64("shift")
	}
	if flags.Changed("solver") {
		req.Solver, _ = flags.GetString("solver")
	}
	if flags.Changed("steps") {
		req.Steps, _ = flags.GetInt("steps")
	}
	if flags.Changed("guide-scale") {
		req.GuideScale, _ = flags.GetFloat32("guide-scale")
	}

	req.NegativePrompt, _ = flags.GetString("negative-prompt")
	req.Seed, _ = flags.GetInt64("seed")
	req.OffloadModel, _ = flags.GetBool("offload")
	req.DynamicShift, _ = flags.GetBool("dynamic-shift")

	if err := errors.Join(errs...); err != nil {
		return req, err
	}
	return req, req.Validate(cfg)
}

// outputName turns a prompt into a file name.
func outputName(prompt string, seed int64, now time.Time) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(prompt) {
		switch {
		case sb.Len() >= 40:
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			if s := sb.String(); s != "" && !strings.HasSuffix(s, "_") {
				sb.WriteByte('_')
			}
		}
	}

	name := strings.Trim(sb.String(), "_")
	if name == "" {
		name = "video"
	}
	if seed >= 0 {
		name = fmt.Sprintf("%s_%d", name, seed)
	}
	return name + "_" + now.Format("20060102_150405")
}

func GenerateHandler(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	prompt := strings.Join(args, " ")

	dir, _ := cmd.Flags().GetString("model-dir")
	if dir == "" {
		dir = envconfig.Models()
	}

	cfg, err := wan.LoadConfig(dir)
	if err != nil {
		return err
	}

	req, err := requestFromFlags(cmd, cfg, prompt)
	if err != nil {
		return err
	}

	worldSize, _ := cmd.Flags().GetInt("world-size")
	if worldSize < 1 {
		return fmt.Errorf("invalid world size %d", worldSize)
	}
	t5CPU, _ := cmd.Flags().GetBool("t5-cpu")

	p := progress.NewProgress(cmd.ErrOrStderr())
	defer p.StopAndClear()

	spinner := progress.NewSpinner("loading model")
	p.Add(spinner)

	var (
		bar     *progress.StepBar
		mu      sync.Mutex
		latents = make(map[string]*ml.Tensor)
		video   *ml.Tensor
		seqLen  int
	)

	dump, _ := cmd.Flags().GetString("dump-latents")

	// Every rank has to start from the same noise.
	if req.Seed < 0 {
		req.Seed = ml.RandomSeed()
	}

	start := time.Now()
	err = dist.Run(ctx, dist.NewLocalGroup(worldSize), func(ctx context.Context, g dist.ProcessGroup) error {
		m, closeFn, err := loadPipeline(ctx, pipelineOptions{dir: dir, cfg: cfg, group: g, t5CPU: t5CPU})
		if err != nil {
			return err
		}
		defer func() {
			if err := closeFn(); err != nil {
				slog.Warn("failed to release model", "rank", g.Rank(), "error", err)
			}
		}()

		rankReq := req
		if g.Rank() == 0 {
			spinner.Stop()
			bar = progress.NewStepBar("sampling", req.Steps)
			p.Add(bar)
			seqLen = m.SeqLen(req.FrameNum, req.Size)

			rankReq.Progress = func(step, total int) { bar.Set(step) }
			if dump != "" {
				rankReq.OnLatent = func(step int, latent *ml.Tensor) {
					mu.Lock()
					defer mu.Unlock()
					latents[fmt.Sprintf("step_%03d", step)] = latent.Clone()
				}
			}
		}

		v, err := m.Generate(ctx, rankReq)
		if err != nil {
			return fmt.Errorf("rank %d: %w", g.Rank(), err)
		}
		if g.Rank() == 0 {
			video = v
		}
		return nil
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if video == nil {
		return errors.New("no video was returned")
	}

	if dump != "" {
		if err := writeLatents(dump, latents); err != nil {
			return err
		}
	}

	outDir, _ := cmd.Flags().GetString("output")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = outputName(prompt, req.Seed, time.Now())
	}
	fps, _ := cmd.Flags().GetInt("fps")
	if fps <= 0 {
		fps = cfg.SampleFPS
	}

	writing := progress.NewBar("writing video", "frames", int64(video.Dim(1)))
	p.Add(writing)

	paths, err := videogen.Save(ctx, outDir, name, video, fps, func(i int) { writing.Set(int64(i + 1)) })
	if err != nil {
		return err
	}
	p.StopAndClear()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generated %d frames at %s (%s tokens) in %s\n",
		video.Dim(1), req.Size, format.HumanNumber(uint64(seqLen)), format.ExactDuration(elapsed))
	if len(paths) == 1 {
		fmt.Fprintln(out, paths[0])
	} else if len(paths) > 1 {
		fmt.Fprintf(out, "%d frames written to %s\n", len(paths), filepath.Dir(paths[0]))
	}
	return nil
}

func writeLatents(path string, latents map[string]*ml.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ml.WriteTensors(f, latents); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
