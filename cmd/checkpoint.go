package cmd

import (
	"errors"
	"fmt"

	"github.com/voxelnn/voxelnn/diffusion"
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
	"github.com/voxelnn/voxelnn/store"
	"github.com/voxelnn/voxelnn/train"
)

// denoiserParameters names the pixel denoiser parameters in checkpoint order.
var denoiserParameters = []string{"weight", "cond", "bias"}

func checkpointTensors(prefix string, params []*ml.Tensor, into map[string]*ml.Tensor) {
	for i, p := range params {
		into[prefix+"."+denoiserParameters[i]] = p
	}
}

func loadParameters(prefix string, tensors map[string]*ml.Tensor) ([]*ml.Tensor, error) {
	params := make([]*ml.Tensor, len(denoiserParameters))
	for i, name := range denoiserParameters {
		t, ok := tensors[prefix+"."+name]
		if !ok {
			return nil, fmt.Errorf("checkpoint has no tensor %s.%s", prefix, name)
		}
		params[i] = t
	}
	return params, nil
}

// pixelNetwork builds pixel denoisers over EMA weights.
func pixelNetwork(emb *nn.TimeEmbedding) func([]*ml.Tensor) (diffusion.Network, error) {
	return func(weights []*ml.Tensor) (diffusion.Network, error) {
		d, err := nn.PixelDenoiserFromWeights(weights)
		if err != nil {
			return nil, err
		}
		d.Embedding = emb
		return d, nil
	}
}

func embeddingConfig(emb *nn.TimeEmbedding) *store.EmbeddingConfig {
	if emb == nil {
		return nil
	}
	return &store.EmbeddingConfig{Dims: emb.Dims, MinFrequency: emb.MinFrequency, MaxFrequency: emb.MaxFrequency}
}

func timeEmbedding(cfg *store.EmbeddingConfig) *nn.TimeEmbedding {
	if cfg == nil {
		return nil
	}
	return &nn.TimeEmbedding{Dims: cfg.Dims, MinFrequency: cfg.MinFrequency, MaxFrequency: cfg.MaxFrequency}
}

// newCheckpoint captures a trained model with its live and EMA weights.
func newCheckpoint(m *diffusion.Model, live *nn.PixelDenoiser, blockNames []string) *store.Checkpoint {
	tensors := make(map[string]*ml.Tensor)
	checkpointTensors("live", live.Parameters(), tensors)
	checkpointTensors("ema", m.EMA.Weights(), tensors)

	return &store.Checkpoint{
		Config: store.ModelConfig{
			MinSignalRate:      m.Schedule.MinSignalRate,
			MaxSignalRate:      m.Schedule.MaxSignalRate,
			EMA:                m.EMA.Decay,
			Rule:               m.Rule.String(),
			Conditioning:       m.Adapter.Conditioning.String(),
			DataShape:          m.DataShape,
			NormalizerMean:     m.Normalizer.Mean,
			NormalizerVariance: m.Normalizer.Variance,
			BlockNames:         blockNames,
			Embedding:          embeddingConfig(live.Embedding),
		},
		Tensors: tensors,
	}
}

// modelFromCheckpoint rebuilds a model for sampling. An empty rule keeps the
// rule the checkpoint was trained with.
func modelFromCheckpoint(ckpt *store.Checkpoint, rule string, seed int64) (*diffusion.Model, error) {
	cfg := ckpt.Config
	if cfg.Kernel != nil {
		return nil, errors.New("checkpoint holds a structurization kernel, not a diffusion model")
	}

	if rule == "" {
		rule = cfg.Rule
	}

	r, err := diffusion.ParseUpdateRule(rule)
	if err != nil {
		return nil, err
	}

	conditioning, err := diffusion.ParseConditioning(cfg.Conditioning)
	if err != nil {
		return nil, err
	}

	liveWeights, err := loadParameters("live", ckpt.Tensors)
	if err != nil {
		return nil, err
	}

	emaWeights, err := loadParameters("ema", ckpt.Tensors)
	if err != nil {
		return nil, err
	}

	live, err := nn.PixelDenoiserFromWeights(liveWeights)
	if err != nil {
		return nil, err
	}
	live.Embedding = timeEmbedding(cfg.Embedding)

	m, err := diffusion.NewModel(diffusion.Options{
		Network:      live,
		EMANetwork:   pixelNetwork(live.Embedding),
		DataShape:    cfg.DataShape,
		Schedule:     diffusion.Schedule{MinSignalRate: cfg.MinSignalRate, MaxSignalRate: cfg.MaxSignalRate},
		EMADecay:     cfg.EMA,
		Conditioning: conditioning,
		Rule:         r,
		Seed:         seed,
	})
	if err != nil {
		return nil, err
	}

	if err := m.EMA.Restore(emaWeights); err != nil {
		return nil, err
	}

	if len(cfg.NormalizerMean) == 0 || len(cfg.NormalizerMean) != len(cfg.NormalizerVariance) {
		return nil, fmt.Errorf("checkpoint has no normalizer statistics: %w", nn.ErrNotAdapted)
	}
	m.Normalizer.Mean = cfg.NormalizerMean
	m.Normalizer.Variance = cfg.NormalizerVariance
	return m, nil
}

// newTrainingModel builds a fresh model for voxel grids, conditioned on a
// time embedding when opts asks for one.
func newTrainingModel(opts trainOptions, dataShape []int) (*diffusion.Model, *nn.PixelDenoiser, error) {
	channels := dataShape[len(dataShape)-1]
	optimizer := train.NewSGD(opts.LearningRate, opts.Momentum)

	denoiser := nn.NewPixelDenoiser(channels, optimizer)
	if opts.Embedding != nil {
		var err error
		if denoiser, err = nn.NewEmbeddedPixelDenoiser(channels, opts.Embedding, optimizer); err != nil {
			return nil, nil, err
		}
	}

	m, err := diffusion.NewModel(diffusion.Options{
		Network:      denoiser,
		EMANetwork:   pixelNetwork(denoiser.Embedding),
		DataShape:    dataShape,
		Schedule:     opts.Schedule,
		EMADecay:     opts.EMA,
		Conditioning: opts.Conditioning,
		Rule:         opts.Rule,
		Loss:         opts.Loss,
		Seed:         opts.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, denoiser, nil
}
