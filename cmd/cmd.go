package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/videotuna/wanvideo/envconfig"
	"github.com/videotuna/wanvideo/logutil"
	"github.com/videotuna/wanvideo/version"
)

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:   "wanvideo",
		Short: "Text-to-video generation with Wan",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logutil.Setup(cmd.ErrOrStderr(), envconfig.LogLevel())
		},
		Version: version.Version,
	}

	rootCmd.AddCommand(
		newGenerateCmd(),
		newServeCmd(),
		newScheduleCmd(),
		newEnvCmd(),
	)

	return rootCmd
}

// appendEnvDocs lists the environment variables cmd reads in its help.
func appendEnvDocs(cmd *cobra.Command, keys ...string) {
	if len(keys) == 0 {
		return
	}

	vars := envconfig.AsMap()
	slices.Sort(keys)

	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, k := range keys {
		if v, ok := vars[k]; ok {
			fmt.Fprintf(&sb, "      %-20s %s\n", v.Name, v.Description)
		}
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + sb.String())
}
