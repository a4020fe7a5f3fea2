package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/voxelnn/voxelnn/envconfig"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the configuration file in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			example, _ := cmd.Flags().GetBool("example")
			if example {
				fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
				return nil
			}

			if err := envconfig.FileError(); err != nil {
				return err
			}

			if path := envconfig.FilePath(); path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "# defaults, no configuration file found")
			}
			return envconfig.File().Encode(cmd.OutOrStdout())
		},
	}

	cmd.Flags().Bool("example", false, "Print a commented example configuration instead")
	return cmd
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables and their current values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			keys := maps.Keys(vars)
			slices.Sort(keys)

			table := newTable(cmd, "NAME", "VALUE", "DESCRIPTION")
			for _, k := range keys {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
