package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/coding"
	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/store"
)

func NewCodingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coding",
		Short: "Evaluate autoencoder losses on voxel datasets",
	}

	cfg := envconfig.File()
	evalCmd := &cobra.Command{
		Use:   "eval FILE...",
		Short: "Score the lossless one-hot coder with the VAE or SAE loss terms",
		Args:  cobra.MinimumNArgs(1),
		RunE:  codingEvalHandler,
	}
	evalCmd.Flags().Float64("kld-weight", cfg.Coding.KLDWeight, "Weight of the KL divergence term")
	evalCmd.Flags().Float64("str-weight", cfg.Coding.StrWeight, "Weight of the structurization term")
	evalCmd.Flags().Float64("reconstruction-weight", cfg.Coding.ReconstructionWeight, "Weight of the reconstruction term")
	evalCmd.Flags().Float64("stddev", cfg.Coding.SamplingStdDev, "Standard deviation of latent sampling, 0 to decode the mean")
	evalCmd.Flags().Int("size", cfg.Coding.KernelSize, "Structurization kernel size")
	evalCmd.Flags().String("kernel", "", "Use a kernel stored by kernel --save")
	evalCmd.Flags().Bool("vae", false, "Skip the structurization term")
	evalCmd.Flags().Int("batch-size", cfg.Train.BatchSize, "Entries per evaluation step")
	evalCmd.Flags().Int64("seed", envconfig.Seed, "Random seed, negative for a time based seed")

	cmd.AddCommand(evalCmd)
	return cmd
}

func codingEvalHandler(cmd *cobra.Command, args []string) error {
	kldWeight, _ := cmd.Flags().GetFloat64("kld-weight")
	strWeight, _ := cmd.Flags().GetFloat64("str-weight")
	rcWeight, _ := cmd.Flags().GetFloat64("reconstruction-weight")
	stddev, _ := cmd.Flags().GetFloat64("stddev")
	size, _ := cmd.Flags().GetInt("size")
	kernelName, _ := cmd.Flags().GetString("kernel")
	vae, _ := cmd.Flags().GetBool("vae")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	seed, _ := cmd.Flags().GetInt64("seed")

	if batchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	if vae && kernelName != "" {
		return errors.New("--vae and --kernel are mutually exclusive")
	}

	ds, err := loadDataset(cmd, args)
	if err != nil {
		return err
	}

	voxels, err := ds.VoxelBatch()
	if err != nil {
		return err
	}

	// drop the channel axis; labels are one index per voxel
	shape := voxels.Shape()
	labels, err := voxels.Reshape(shape[:len(shape)-1]...)
	if err != nil {
		return err
	}

	depth := len(ds.BlockNames)
	var kernel *ml.Tensor
	switch {
	case vae:
	case kernelName != "":
		if kernel, err = loadKernel(kernelName, len(ds.Dimensions), depth); err != nil {
			return err
		}
	default:
		if kernel, err = buildKernel(store.KernelConfig{Size: size, RealDims: len(ds.Dimensions), LatentDims: depth}); err != nil {
			return err
		}
	}

	composer := coding.NewComposer(kldWeight, strWeight, kernel)
	composer.ReconstructionWeight = rcWeight

	coder := coding.OneHotCoder{Depth: depth}
	if stddev > 0 {
		coder.Sampling = coding.NewSampling(stddev, ml.NewSource(seed))
	}

	trainer := &coding.Trainer{Encoder: coder, Decoder: coder, Composer: composer}

	var results map[string]float64
	for start := 0; start < labels.Batch(); start += batchSize {
		batch, err := labels.Slice(start, min(start+batchSize, labels.Batch()))
		if err != nil {
			return err
		}

		if results, err = trainer.TestStep(cmd.Context(), batch); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "batches     %d\n\n", composer.Metrics()[0].Count())

	table := newTable(cmd, "METRIC", "VALUE")
	for _, m := range composer.Metrics() {
		table.Append([]string{m.Name, strconv.FormatFloat(results[m.Name], 'f', 6, 64)})
	}
	table.Render()
	return nil
}
