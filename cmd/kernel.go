package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/coding"
	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/store"
)

const kernelTensor = "kernel"

func NewKernelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Print a structurization kernel",
		Args:  cobra.NoArgs,
		RunE:  kernelHandler,
	}

	cmd.Flags().Int("size", envconfig.File().Coding.KernelSize, "Kernel size along every spatial axis")
	cmd.Flags().Int("dims", 3, "Number of spatial dimensions (2 or 3)")
	cmd.Flags().Int("latent", 2, "Number of latent channels")
	cmd.Flags().Bool("one-on-zero", false, "Weight the center tap with 1 instead of omitting it")
	cmd.Flags().Int("precision", 4, "Decimal places to print")
	cmd.Flags().String("save", "", "Also store the kernel as a checkpoint under this name")
	return cmd
}

// buildKernel creates the kernel cfg describes.
func buildKernel(cfg store.KernelConfig) (*ml.Tensor, error) {
	weight := coding.InverseOmitZero
	if cfg.OneOnZero {
		weight = coding.InverseOneOnZero
	}

	kernel, err := coding.CreateKernel(cfg.Size, cfg.RealDims, cfg.LatentDims, weight)
	if err != nil {
		return nil, err
	}

	if !kernel.IsFinite() {
		return nil, fmt.Errorf("kernel of size %d has no weight outside the center; use --one-on-zero", cfg.Size)
	}
	return kernel, nil
}

// loadKernel reads a kernel stored by kernel --save and checks it fits
// latents of the given rank and channel count.
func loadKernel(name string, realDims, latentDims int) (*ml.Tensor, error) {
	storeConfig, err := store.DefaultConfig()
	if err != nil {
		return nil, err
	}

	ckpt, err := storeConfig.Load(name)
	if err != nil {
		return nil, err
	}

	cfg := ckpt.Config.Kernel
	if cfg == nil {
		return nil, fmt.Errorf("%s is not a kernel checkpoint", name)
	}

	if cfg.RealDims != realDims || cfg.LatentDims != latentDims {
		return nil, fmt.Errorf("%w: kernel %s is %dD with %d latent channels, want %dD with %d",
			ml.ErrShapeMismatch, name, cfg.RealDims, cfg.LatentDims, realDims, latentDims)
	}

	kernel, ok := ckpt.Tensors[kernelTensor]
	if !ok {
		return nil, fmt.Errorf("%s: missing tensor %q", name, kernelTensor)
	}
	return kernel, nil
}

func kernelHandler(cmd *cobra.Command, args []string) error {
	var cfg store.KernelConfig
	cfg.Size, _ = cmd.Flags().GetInt("size")
	cfg.RealDims, _ = cmd.Flags().GetInt("dims")
	cfg.LatentDims, _ = cmd.Flags().GetInt("latent")
	cfg.OneOnZero, _ = cmd.Flags().GetBool("one-on-zero")
	precision, _ := cmd.Flags().GetInt("precision")
	name, _ := cmd.Flags().GetString("save")

	kernel, err := buildKernel(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "shape %v\n", kernel.Shape())
	fmt.Fprintln(cmd.OutOrStdout(), ml.Dump(kernel, ml.DumpOptions{Items: cfg.Size, Precision: precision}))

	if name == "" {
		return nil
	}

	storeConfig, err := store.DefaultConfig()
	if err != nil {
		return err
	}

	id, err := storeConfig.Save(name, &store.Checkpoint{
		Config:  store.ModelConfig{Kernel: &cfg},
		Tensors: map[string]*ml.Tensor{kernelTensor: kernel},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", name, id)
	return nil
}
