package cmd

import (
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/videotuna/wanvideo/envconfig"
	"github.com/videotuna/wanvideo/videogen/api"
	"github.com/videotuna/wanvideo/videogen/dist"
	"github.com/videotuna/wanvideo/videogen/models/wan"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the generation server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	cmd.Flags().String("model-dir", "", "Model directory (default $WAN_MODELS)")
	cmd.Flags().String("outputs", "", "Directory for generated videos (default ~/.wanvideo/outputs)")

	appendEnvDocs(cmd, "WAN_HOST", "WAN_MODELS", "WAN_DEBUG", "WAN_ORIGINS", "WAN_OFFLOAD_MODEL",
		"WAN_T5_CPU", "WAN_ORT_LIBRARY", "WAN_ORT_CUDA", "WAN_MAX_QUEUE", "WAN_KEEP_OUTPUTS")
	return cmd
}

func RunServer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := envconfig.Host()
	if err != nil {
		return err
	}

	dir, _ := cmd.Flags().GetString("model-dir")
	if dir == "" {
		dir = envconfig.Models()
	}

	outputs, _ := cmd.Flags().GetString("outputs")
	if outputs == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		outputs = filepath.Join(home, ".wanvideo", "outputs")
	}

	cfg, err := wan.LoadConfig(dir)
	if err != nil {
		return err
	}

	m, closeFn, err := loadPipeline(ctx, pipelineOptions{
		dir:   dir,
		cfg:   cfg,
		group: dist.Single(),
		t5CPU: envconfig.T5CPU(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			slog.Warn("failed to release model", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", host.Host)
	if err != nil {
		return err
	}

	slog.Info("server config", "env", envconfig.Values())
	return api.Serve(ctx, ln, m, api.Config{
		Dir:          outputs,
		MaxQueue:     int(envconfig.MaxQueue()),
		KeepOutputs:  int(envconfig.KeepOutputs()),
		OffloadModel: envconfig.OffloadModel(),
		Origins:      envconfig.Origins(),
	})
}
