package train

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
)

var ErrInvalidDecay = errors.New("train: ema decay must be within [0, 1]")

const DefaultEMADecay = 0.999

// EMA keeps an exponential moving average of a set of parameters.
//
// Update mutates the shadow weights in place and must run after the
// optimizer step of the same training step. Readers of Weights must not run
// concurrently with Update.
type EMA struct {
	Decay   float64
	weights []*ml.Tensor
}

// NewEMA starts the shadow as a copy of params.
func NewEMA(decay float64, params []*ml.Tensor) (*EMA, error) {
	if decay < 0 || decay > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecay, decay)
	}

	weights := make([]*ml.Tensor, len(params))
	for i, p := range params {
		weights[i] = p.Clone()
	}
	return &EMA{Decay: decay, weights: weights}, nil
}

// Update applies w_ema = decay*w_ema + (1-decay)*w to every parameter.
func (e *EMA) Update(params []*ml.Tensor) error {
	if len(params) != len(e.weights) {
		return fmt.Errorf("%w: %d parameters for %d shadow weights", ml.ErrShapeMismatch, len(params), len(e.weights))
	}

	for i, p := range params {
		if !ml.SameShape(p, e.weights[i]) {
			return fmt.Errorf("%w: parameter %d is %v, shadow is %v", ml.ErrShapeMismatch, i, p.Shape(), e.weights[i].Shape())
		}
	}

	for i, p := range params {
		w := e.weights[i].Floats()
		floats.Scale(e.Decay, w)
		floats.AddScaled(w, 1-e.Decay, p.Floats())
	}
	return nil
}

// Weights returns the shadow tensors. Callers must treat them as read-only.
func (e *EMA) Weights() []*ml.Tensor {
	return e.weights
}

// Restore replaces the shadow weights, e.g. from a checkpoint.
func (e *EMA) Restore(weights []*ml.Tensor) error {
	if len(weights) != len(e.weights) {
		return fmt.Errorf("%w: %d weights for %d shadow weights", ml.ErrShapeMismatch, len(weights), len(e.weights))
	}

	for i, w := range weights {
		if !ml.SameShape(w, e.weights[i]) {
			return fmt.Errorf("%w: weight %d is %v, shadow is %v", ml.ErrShapeMismatch, i, w.Shape(), e.weights[i].Shape())
		}
		copy(e.weights[i].Floats(), w.Floats())
	}
	return nil
}
