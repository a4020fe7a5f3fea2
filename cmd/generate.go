package cmd

import (
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/dataset"
	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/progress"
	"github.com/voxelnn/voxelnn/store"
)

func NewGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate NAME",
		Short: "Sample new voxel structures from a trained model",
		Args:  cobra.ExactArgs(1),
		RunE:  generateHandler,
	}

	cmd.Flags().Int("n", 1, "Number of structures to generate")
	cmd.Flags().Int("steps", envconfig.File().Diffusion.Steps, "Reverse diffusion steps")
	cmd.Flags().String("rule", "", "Update rule, defaults to the rule the model was trained with")
	cmd.Flags().Int64("seed", envconfig.Seed, "Random seed, negative for a time based seed")
	cmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	return cmd
}

func generateHandler(cmd *cobra.Command, args []string) error {
	name := args[0]
	n, _ := cmd.Flags().GetInt("n")
	steps, _ := cmd.Flags().GetInt("steps")
	rule, _ := cmd.Flags().GetString("rule")
	seed, _ := cmd.Flags().GetInt64("seed")
	output, _ := cmd.Flags().GetString("output")

	storeConfig, err := store.DefaultConfig()
	if err != nil {
		return err
	}

	ckpt, err := storeConfig.Load(name)
	if err != nil {
		return err
	}

	model, err := modelFromCheckpoint(ckpt, rule, seed)
	if err != nil {
		return err
	}

	p := progress.NewProgress(cmd.ErrOrStderr())
	bar := progress.NewStepBar("Denoising", steps)
	p.Add(bar)

	generated, err := model.Generate(cmd.Context(), n, steps, func(step, _ int) {
		bar.Set(step)
	})
	p.StopAndClear()
	if err != nil {
		return err
	}

	entries, err := toEntries(name, generated, ckpt.Config.BlockNames)
	if err != nil {
		return err
	}

	return writeEntries(cmd, output, entries, dataset.FormatOf(output))
}

// toEntries rounds generated [n, dimensions..., 1] values to the nearest
// block index.
func toEntries(name string, generated *ml.Tensor, blockNames []string) ([]dataset.Entry, error) {
	if len(blockNames) == 0 {
		return nil, fmt.Errorf("model has no block names")
	}

	shape := generated.Shape()
	if len(shape) < 2 || shape[len(shape)-1] != 1 {
		return nil, fmt.Errorf("%w: generated shape %v is not a voxel batch", ml.ErrShapeMismatch, shape)
	}
	dims := slices.Clone(shape[1 : len(shape)-1])

	entries := make([]dataset.Entry, generated.Batch())
	for i := range entries {
		values := generated.Sample(i)
		blocks := make([]int, len(values))
		for j, v := range values {
			if math.IsNaN(v) {
				v = 0
			}
			blocks[j] = int(min(max(math.Round(v), 0), float64(len(blockNames)-1)))
		}

		grid := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(blocks))
		e, err := dataset.ConstructEntry(fmt.Sprintf("%s-%d", name, i+1), nil, nil, blockNames, grid)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}
