package diffusion

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
)

// Network predicts the noise contained in noisy data. The conditioning tensor
// has one entry per sample; the result must have the shape of noisy.
type Network interface {
	PredictNoise(noisy, conditioning *ml.Tensor) (*ml.Tensor, error)
}

// Learner is a trainable Network.
type Learner interface {
	Network

	// Backward takes the gradient of the loss with respect to the output of
	// the most recent PredictNoise call and applies one optimizer update.
	Backward(grad *ml.Tensor) error

	// Parameters returns the live trainable tensors in a stable order.
	Parameters() []*ml.Tensor
}

// Adapter routes noise prediction to the live network while training and to
// the EMA shadow network otherwise.
type Adapter struct {
	Live Network

	// EMA is used when training is false. A nil EMA uses Live.
	EMA Network

	Conditioning Conditioning
}

func (a *Adapter) network(training bool) Network {
	if training || a.EMA == nil {
		return a.Live
	}
	return a.EMA
}

// PredictNoise encodes the per-sample noise rates and runs the selected network.
func (a *Adapter) PredictNoise(noisy *ml.Tensor, noiseRates []float64, training bool) (*ml.Tensor, error) {
	if len(noiseRates) != noisy.Batch() {
		return nil, fmt.Errorf("%w: %d noise rates for batch of %d", ml.ErrShapeMismatch, len(noiseRates), noisy.Batch())
	}

	cond := ml.Zeros(len(noiseRates))
	for i, r := range noiseRates {
		cond.Floats()[i] = a.Conditioning.Encode(r)
	}

	pred, err := a.network(training).PredictNoise(noisy, cond)
	if err != nil {
		return nil, err
	}

	if !ml.SameShape(pred, noisy) {
		return nil, fmt.Errorf("%w: network returned %v for input %v", ml.ErrShapeMismatch, pred.Shape(), noisy.Shape())
	}

	return pred, nil
}

// Denoise predicts the noise and reconstructs the data as (x - β·ε) / α.
func (a *Adapter) Denoise(noisy *ml.Tensor, noiseRates, signalRates []float64, training bool) (predNoise, predData *ml.Tensor, err error) {
	predNoise, err = a.PredictNoise(noisy, noiseRates, training)
	if err != nil {
		return nil, nil, err
	}

	predData = ml.Zeros(noisy.Shape()...)
	for i := range noisy.Batch() {
		reconstruct(predData.Sample(i), noisy.Sample(i), predNoise.Sample(i), noiseRates[i], signalRates[i])
	}

	return predNoise, predData, nil
}

func reconstruct(dst, x, eps []float64, noiseRate, signalRate float64) {
	floats.AddScaledTo(dst, x, -noiseRate, eps)
	floats.Scale(1/signalRate, dst)
}
