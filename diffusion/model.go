package diffusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
	"github.com/voxelnn/voxelnn/train"
)

// Options configure a Model. Network and EMANetwork are required.
type Options struct {
	// Network is the live, trainable noise predictor.
	Network Learner

	// EMANetwork builds the inference network over the EMA shadow weights.
	// The weights are updated in place after every training step.
	EMANetwork func(weights []*ml.Tensor) (Network, error)

	// DataShape is the shape of one sample, without the batch axis.
	DataShape []int

	Schedule     Schedule
	EMADecay     float64
	Conditioning Conditioning
	Rule         UpdateRule
	Loss         LossFunc

	// Seed seeds noise and diffusion times. Negative seeds are time based.
	Seed int64
}

// Model trains a noise predictor on normalized data and generates new data
// by reverse diffusion through its EMA shadow.
//
// TrainStep mutates the EMA weights that Generate reads; the two must not be
// called concurrently.
type Model struct {
	Normalizer *nn.Normalizer
	Adapter    *Adapter
	Schedule   Schedule
	Rule       UpdateRule
	EMA        *train.EMA
	Loss       LossFunc
	Source     *ml.Source
	DataShape  []int

	network Learner

	noiseLoss *train.Mean
	imageLoss *train.Mean
}

func NewModel(opts Options) (*Model, error) {
	if opts.Network == nil || opts.EMANetwork == nil {
		return nil, errors.New("diffusion: a network and an EMA network constructor are required")
	}

	if err := opts.Schedule.Validate(); err != nil {
		return nil, err
	}

	if _, err := lookupRule(opts.Rule); err != nil {
		return nil, err
	}

	ema, err := train.NewEMA(opts.EMADecay, opts.Network.Parameters())
	if err != nil {
		return nil, err
	}

	emaNetwork, err := opts.EMANetwork(ema.Weights())
	if err != nil {
		return nil, fmt.Errorf("diffusion: building EMA network: %w", err)
	}

	loss := opts.Loss
	if loss == nil {
		loss = MeanAbsoluteError
	}

	return &Model{
		Normalizer: &nn.Normalizer{},
		Adapter: &Adapter{
			Live:         opts.Network,
			EMA:          emaNetwork,
			Conditioning: opts.Conditioning,
		},
		Schedule:  opts.Schedule,
		Rule:      opts.Rule,
		EMA:       ema,
		Loss:      loss,
		Source:    ml.NewSource(opts.Seed),
		DataShape: slices.Clone(opts.DataShape),
		network:   opts.Network,
		noiseLoss: train.NewMean("n_loss"),
		imageLoss: train.NewMean("i_loss"),
	}, nil
}

// Metrics returns the running noise and image losses.
func (m *Model) Metrics() []*train.Mean {
	return []*train.Mean{m.noiseLoss, m.imageLoss}
}

// Adapt learns the normalizer statistics from the full dataset.
func (m *Model) Adapt(data *ml.Tensor) error {
	return m.Normalizer.Adapt(data)
}

// noisyBatch mixes normalized data with fresh noise at random diffusion times.
func (m *Model) noisyBatch(data *ml.Tensor) (x, noise, noisy *ml.Tensor, noiseRates, signalRates []float64, err error) {
	x, err = m.Normalizer.Forward(data)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	noise = m.Source.Normal(1, x.Shape()...)
	times := m.Source.Uniform(0, 1, x.Batch())
	noiseRates, signalRates = m.Schedule.RatesBatch(times)

	signal, err := x.ScaleBatch(signalRates)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	scaledNoise, err := noise.ScaleBatch(noiseRates)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	noisy, err = signal.Add(scaledNoise)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	return x, noise, noisy, noiseRates, signalRates, nil
}

// TrainStep runs one optimization step on a batch and then updates the EMA
// shadow weights.
func (m *Model) TrainStep(data *ml.Tensor) (map[string]float64, error) {
	x, noise, noisy, noiseRates, signalRates, err := m.noisyBatch(data)
	if err != nil {
		return nil, err
	}

	predNoise, predData, err := m.Adapter.Denoise(noisy, noiseRates, signalRates, true)
	if err != nil {
		return nil, err
	}

	noiseLoss, grad, err := m.Loss(noise, predNoise)
	if err != nil {
		return nil, err
	}

	imageLoss, _, err := m.Loss(x, predData)
	if err != nil {
		return nil, err
	}

	if err := m.network.Backward(grad); err != nil {
		return nil, fmt.Errorf("diffusion: backward: %w", err)
	}

	if err := m.EMA.Update(m.network.Parameters()); err != nil {
		return nil, err
	}

	m.noiseLoss.Update(noiseLoss)
	m.imageLoss.Update(imageLoss)
	return train.Results(m.Metrics()...), nil
}

// TestStep scores a batch through the EMA network without updating anything
// but the loss trackers.
func (m *Model) TestStep(data *ml.Tensor) (map[string]float64, error) {
	x, noise, noisy, noiseRates, signalRates, err := m.noisyBatch(data)
	if err != nil {
		return nil, err
	}

	predNoise, predData, err := m.Adapter.Denoise(noisy, noiseRates, signalRates, false)
	if err != nil {
		return nil, err
	}

	noiseLoss, _, err := m.Loss(noise, predNoise)
	if err != nil {
		return nil, err
	}

	imageLoss, _, err := m.Loss(x, predData)
	if err != nil {
		return nil, err
	}

	m.noiseLoss.Update(noiseLoss)
	m.imageLoss.Update(imageLoss)
	return train.Results(m.Metrics()...), nil
}

// Integrator returns an integrator over the model's EMA network.
func (m *Model) Integrator(progress ProgressFunc) *Integrator {
	return &Integrator{
		Adapter:  m.Adapter,
		Schedule: m.Schedule,
		Rule:     m.Rule,
		Source:   m.Source,
		Progress: progress,
	}
}

// Generate draws n samples from pure noise and maps them back to data space.
func (m *Model) Generate(ctx context.Context, n, steps int, progress ProgressFunc) (*ml.Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: cannot generate %d samples", ml.ErrInvalidShape, n)
	}

	noise := m.Source.Normal(1, append([]int{n}, m.DataShape...)...)
	generated, err := m.Integrator(progress).ReverseDiffusion(ctx, noise, steps)
	if err != nil {
		return nil, err
	}

	slog.Debug("generated samples", "n", n, "steps", steps, "rule", m.Rule)
	return m.Normalizer.Denormalize(generated)
}
