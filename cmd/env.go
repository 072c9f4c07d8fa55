package cmd

import (
	"fmt"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/videotuna/wanvideo/envconfig"
)

func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Show the effective configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  EnvHandler,
	}
	cmd.Flags().Bool("example", false, "Print an example config file instead")
	return cmd
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(out, envconfig.ExampleConfig())
		return nil
	}

	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	data := make([][]string, 0, len(vars))
	for _, k := range keys {
		v := vars[k]
		data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	paths := envconfig.ConfigPaths()
	fmt.Fprintf(out, "\nConfig files searched: %v\n", paths)
	return nil
}
