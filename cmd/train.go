package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/diffusion"
	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/format"
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
	"github.com/voxelnn/voxelnn/progress"
	"github.com/voxelnn/voxelnn/store"
	"github.com/voxelnn/voxelnn/train"
)

type trainOptions struct {
	Schedule     diffusion.Schedule
	EMA          float64
	Rule         diffusion.UpdateRule
	Conditioning diffusion.Conditioning
	Loss         diffusion.LossFunc
	Embedding    *nn.TimeEmbedding

	LearningRate float64
	Momentum     float64
	Epochs       int
	BatchSize    int
	TestFraction float64
	Seed         int64
}

func NewTrainCmd() *cobra.Command {
	cfg := envconfig.File()

	cmd := &cobra.Command{
		Use:   "train NAME FILE...",
		Short: "Train a diffusion model on voxel dataset files",
		Args:  cobra.MinimumNArgs(2),
		RunE:  trainHandler,
	}

	cmd.Flags().Int("epochs", cfg.Train.Epochs, "Passes over the training entries")
	cmd.Flags().Int("batch-size", cfg.Train.BatchSize, "Entries per optimizer step")
	cmd.Flags().Float64("learning-rate", cfg.Train.LearningRate, "SGD learning rate")
	cmd.Flags().Float64("momentum", cfg.Train.Momentum, "SGD momentum")
	cmd.Flags().Float64("ema", cfg.Diffusion.EMA, "Decay of the EMA shadow weights")
	cmd.Flags().Float64("min", cfg.Diffusion.MinSignalRate, "Minimum signal rate")
	cmd.Flags().Float64("max", cfg.Diffusion.MaxSignalRate, "Maximum signal rate")
	cmd.Flags().String("rule", cfg.Diffusion.Rule, "Default reverse diffusion update rule stored with the model")
	cmd.Flags().String("conditioning", cfg.Diffusion.Conditioning, "Noise conditioning (power or rate)")
	cmd.Flags().Int("embedding-dims", cfg.Diffusion.EmbeddingDims, "Sinusoidal embedding size of the noise conditioning, 0 to use it directly")
	cmd.Flags().String("loss", cfg.Diffusion.Loss, "Training loss (mae, mse or euclidean)")
	cmd.Flags().Float64("test-fraction", 0, "Fraction of entries held out and scored after every epoch")
	cmd.Flags().Int64("seed", envconfig.Seed, "Random seed, negative for a time based seed")
	cmd.Flags().String("dtype", envconfig.DType(), "Weight type of the saved checkpoint (f32, f16 or bf16)")
	return cmd
}

func parseTrainOptions(cmd *cobra.Command) (trainOptions, error) {
	var opts trainOptions
	var err error

	minRate, _ := cmd.Flags().GetFloat64("min")
	maxRate, _ := cmd.Flags().GetFloat64("max")
	if opts.Schedule, err = diffusion.NewSchedule(minRate, maxRate); err != nil {
		return opts, err
	}

	rule, _ := cmd.Flags().GetString("rule")
	if opts.Rule, err = diffusion.ParseUpdateRule(rule); err != nil {
		return opts, err
	}

	conditioning, _ := cmd.Flags().GetString("conditioning")
	if opts.Conditioning, err = diffusion.ParseConditioning(conditioning); err != nil {
		return opts, err
	}

	loss, _ := cmd.Flags().GetString("loss")
	if opts.Loss, err = diffusion.ParseLoss(loss); err != nil {
		return opts, err
	}

	if dims, _ := cmd.Flags().GetInt("embedding-dims"); dims > 0 {
		opts.Embedding = &nn.TimeEmbedding{
			Dims:         dims,
			MinFrequency: nn.DefaultEmbeddingMinFrequency,
			MaxFrequency: nn.DefaultEmbeddingMaxFrequency,
		}
		if err := opts.Embedding.Validate(); err != nil {
			return opts, err
		}
	}

	opts.EMA, _ = cmd.Flags().GetFloat64("ema")
	opts.LearningRate, _ = cmd.Flags().GetFloat64("learning-rate")
	opts.Momentum, _ = cmd.Flags().GetFloat64("momentum")
	opts.Epochs, _ = cmd.Flags().GetInt("epochs")
	opts.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	opts.TestFraction, _ = cmd.Flags().GetFloat64("test-fraction")
	opts.Seed, _ = cmd.Flags().GetInt64("seed")

	switch {
	case opts.Epochs < 1:
		return opts, fmt.Errorf("epochs must be at least 1, got %d", opts.Epochs)
	case opts.BatchSize < 1:
		return opts, fmt.Errorf("batch size must be at least 1, got %d", opts.BatchSize)
	case opts.TestFraction < 0 || opts.TestFraction >= 1:
		return opts, fmt.Errorf("test fraction must be within [0, 1), got %v", opts.TestFraction)
	}

	return opts, nil
}

func trainHandler(cmd *cobra.Command, args []string) error {
	name, files := args[0], args[1:]

	opts, err := parseTrainOptions(cmd)
	if err != nil {
		return err
	}

	dtype, _ := cmd.Flags().GetString("dtype")
	storeConfig, err := store.DefaultConfig()
	if err != nil {
		return err
	}
	if storeConfig.DType, err = store.ParseDType(dtype); err != nil {
		return err
	}

	ds, err := loadDataset(cmd, files)
	if err != nil {
		return err
	}

	data, err := ds.VoxelBatch()
	if err != nil {
		return err
	}

	trainData, testData, err := splitBatch(data, opts.TestFraction)
	if err != nil {
		return err
	}

	model, denoiser, err := newTrainingModel(opts, data.Shape()[1:])
	if err != nil {
		return err
	}

	if err := model.Adapt(trainData); err != nil {
		return err
	}

	slog.Info("training", "name", name, "entries", trainData.Batch(), "test_entries", testData.Batch(),
		"dimensions", ds.Dimensions, "parameters", format.HumanNumber(uint64(parameterCount(denoiser))))

	started := time.Now()
	for epoch := range opts.Epochs {
		label := fmt.Sprintf("epoch %d/%d", epoch+1, opts.Epochs)
		results, err := trainEpoch(cmd.Context(), cmd.ErrOrStderr(), label, model, trainData, opts.BatchSize)
		if err != nil {
			return err
		}
		slog.Info(label, "n_loss", results["n_loss"], "i_loss", results["i_loss"])

		if testData.Batch() > 0 {
			train.ResetAll(model.Metrics()...)
			results, err := model.TestStep(testData)
			if err != nil {
				return err
			}
			slog.Info(label+" test", "n_loss", results["n_loss"], "i_loss", results["i_loss"])
		}
	}

	id, err := storeConfig.Save(name, newCheckpoint(model, denoiser, ds.BlockNames))
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "trained %s in %s, saved as %s\n", name, format.HumanDuration(time.Since(started)), id)
	return nil
}

func parameterCount(m *nn.PixelDenoiser) int {
	var n int
	for _, p := range m.Parameters() {
		n += p.Len()
	}
	return n
}

// splitBatch holds out the trailing fraction, rounded down, of samples. The
// held out batch may be empty.
func splitBatch(data *ml.Tensor, fraction float64) (trainData, testData *ml.Tensor, err error) {
	n := data.Batch()
	held := int(float64(n) * fraction)

	if trainData, err = data.Slice(0, n-held); err != nil {
		return nil, nil, err
	}

	if testData, err = data.Slice(n-held, n); err != nil {
		return nil, nil, err
	}

	return trainData, testData, nil
}

// trainEpoch runs one shuffled pass of training steps over data and returns
// the epoch's running losses.
func trainEpoch(ctx context.Context, w io.Writer, label string, m *diffusion.Model, data *ml.Tensor, batchSize int) (map[string]float64, error) {
	train.ResetAll(m.Metrics()...)

	n := data.Batch()
	batches := (n + batchSize - 1) / batchSize

	p := progress.NewProgress(w)
	defer p.Stop()

	bar := progress.NewBar(label, int64(batches))
	p.Add(bar)

	perm := m.Source.Perm(n)

	var results map[string]float64
	for b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := data.Take(perm[b*batchSize : min((b+1)*batchSize, n)])
		if err != nil {
			return nil, err
		}

		if results, err = m.TrainStep(batch); err != nil {
			return nil, err
		}

		bar.Set(int64(b + 1))
		bar.SetStatus(fmt.Sprintf("n_loss %.4f i_loss %.4f", results["n_loss"], results["i_loss"]))
	}

	return results, nil
}
