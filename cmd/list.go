package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/format"
	"github.com/voxelnn/voxelnn/store"
)

func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls", "models"},
		Short:   "List trained models",
		Args:    cobra.MaximumNArgs(1),
		RunE:    listHandler,
	}
}

func listHandler(cmd *cobra.Command, args []string) error {
	storeConfig, err := store.DefaultConfig()
	if err != nil {
		return err
	}

	models, err := storeConfig.List()
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range models {
		if len(args) == 0 || strings.HasPrefix(strings.ToLower(m.Name), strings.ToLower(args[0])) {
			id := m.ID
			if len(id) > 8 {
				id = id[:8]
			}
			data = append(data, []string{m.Name, id, string(m.DType), format.HumanBytes(m.Size), format.HumanTime(m.Created, "Never")})
		}
	}

	table := newTable(cmd, "NAME", "ID", "DTYPE", "SIZE", "CREATED")
	table.AppendBulk(data)
	table.Render()

	return nil
}
