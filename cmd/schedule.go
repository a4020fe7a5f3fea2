package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/diffusion"
	"github.com/voxelnn/voxelnn/envconfig"
)

func NewScheduleCmd() *cobra.Command {
	cfg := envconfig.File().Diffusion

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the noise schedule of a reverse diffusion run",
		Args:  cobra.NoArgs,
		RunE:  scheduleHandler,
	}

	cmd.Flags().Int("steps", cfg.Steps, "Number of diffusion steps")
	cmd.Flags().Float64("min", cfg.MinSignalRate, "Signal rate at diffusion time 1")
	cmd.Flags().Float64("max", cfg.MaxSignalRate, "Signal rate at diffusion time 0")
	cmd.Flags().String("conditioning", cfg.Conditioning, "Noise conditioning shown in the last column (power or rate)")
	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	steps, _ := cmd.Flags().GetInt("steps")
	minRate, _ := cmd.Flags().GetFloat64("min")
	maxRate, _ := cmd.Flags().GetFloat64("max")
	cond, _ := cmd.Flags().GetString("conditioning")

	if steps < 1 {
		return diffusion.ErrInvalidSteps
	}

	schedule, err := diffusion.NewSchedule(minRate, maxRate)
	if err != nil {
		return err
	}

	conditioning, err := diffusion.ParseConditioning(cond)
	if err != nil {
		return err
	}

	format := func(f float64) string {
		return strconv.FormatFloat(f, 'f', 4, 64)
	}

	table := newTable(cmd, "STEP", "TIME", "NOISE RATE", "SIGNAL RATE", "CONDITIONING")
	for step := range steps + 1 {
		t := 1 - float64(step)/float64(steps)
		noiseRate, signalRate := schedule.Rates(t)
		table.Append([]string{
			strconv.Itoa(step),
			format(t),
			format(noiseRate),
			format(signalRate),
			format(conditioning.Encode(noiseRate)),
		})
	}
	table.Render()
	return nil
}
