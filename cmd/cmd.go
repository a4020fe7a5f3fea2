package cmd

import (
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/logutil"
	"github.com/voxelnn/voxelnn/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "voxelnn",
		Short:   "Train and sample voxel diffusion models",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewTrainCmd(),
		NewGenerateCmd(),
		NewListCmd(),
		NewDatasetCmd(),
		NewScheduleCmd(),
		NewKernelCmd(),
		NewCodingCmd(),
		NewConfigCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

// newTable returns a borderless, left aligned table in the style of every
// listing command.
func newTable(cmd *cobra.Command, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	if len(header) > 0 {
		table.SetHeader(header)
	}
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
