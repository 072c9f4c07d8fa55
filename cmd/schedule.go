package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/videotuna/wanvideo/videogen/models/wan"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

func newScheduleCmd() *cobra.Command {
	defaults := wan.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the sampling timesteps and sigmas",
		Args:  cobra.ExactArgs(0),
		RunE:  ScheduleHandler,
	}

	cmd.Flags().String("solver", defaults.SampleSolver, "Sampling solver: "+strings.Join(scheduler.Solvers(), ", "))
	cmd.Flags().Int("steps", defaults.SampleSteps, "Sampling steps")
	cmd.Flags().Float64("shift", defaults.SampleShift, "Noise schedule shift")
	cmd.Flags().Float64("mu", 0, "Use dynamic shifting with this exponent instead of --shift")
	cmd.Flags().Int("num-train-timesteps", defaults.NumTrainTimesteps, "Training timesteps")
	return cmd
}

func ScheduleHandler(cmd *cobra.Command, _ []string) error {
	solver, _ := cmd.Flags().GetString("solver")
	steps, _ := cmd.Flags().GetInt("steps")
	shift, _ := cmd.Flags().GetFloat64("shift")
	train, _ := cmd.Flags().GetInt("num-train-timesteps")
	mu, _ := cmd.Flags().GetFloat64("mu")
	dynamic := cmd.Flags().Changed("mu")

	sched, err := scheduler.Build(solver, scheduler.Config{
		NumTrainTimesteps: train,
		Steps:             steps,
		Shift:             shift,
		DynamicShifting:   dynamic,
		Mu:                mu,
	})
	if err != nil {
		return err
	}

	s := sched.Schedule()
	data := make([][]string, 0, len(s.Sigmas))
	for i, sigma := range s.Sigmas {
		t := "-"
		if i < len(s.Timesteps) {
			t = strconv.FormatFloat(s.Timesteps[i], 'f', 3, 64)
		}
		data = append(data, []string{strconv.Itoa(i), t, strconv.FormatFloat(sigma, 'f', 6, 64)})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"STEP", "TIMESTEP", "SIGMA"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	if dynamic {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s, %d steps, mu %g\n", solver, s.Len(), mu)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s, %d steps, shift %g\n", solver, s.Len(), shift)
	}
	return nil
}
