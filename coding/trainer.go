package coding

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxelnn/voxelnn/ml"
)

// Encoder maps a batch of voxel labels to a latent distribution.
type Encoder interface {
	Encode(ctx context.Context, data *ml.Tensor) (EncoderOutput, error)
}

// Decoder maps latent samples to per-voxel class probabilities.
type Decoder interface {
	Decode(ctx context.Context, z *ml.Tensor) (*ml.Tensor, error)
}

// Optimizer minimizes the total loss of the most recent Encode/Decode pass.
// Gradients are the business of the engine behind the Encoder and Decoder.
type Optimizer interface {
	Minimize(ctx context.Context, losses Losses) error
}

// Trainer runs training and evaluation steps of an encoder/decoder pair.
type Trainer struct {
	Encoder   Encoder
	Decoder   Decoder
	Optimizer Optimizer
	Composer  *Composer
}

func (t *Trainer) eval(ctx context.Context, data *ml.Tensor) (Losses, error) {
	enc, err := t.Encoder.Encode(ctx, data)
	if err != nil {
		return Losses{}, fmt.Errorf("coding: encode: %w", err)
	}

	probs, err := t.Decoder.Decode(ctx, enc.Z)
	if err != nil {
		return Losses{}, fmt.Errorf("coding: decode: %w", err)
	}

	return t.Composer.Evaluate(data, enc, probs)
}

// TrainStep evaluates a batch, minimizes its total loss and returns the
// running metrics.
func (t *Trainer) TrainStep(ctx context.Context, data *ml.Tensor) (map[string]float64, error) {
	if t.Optimizer == nil {
		return nil, errors.New("coding: trainer has no optimizer")
	}

	l, err := t.eval(ctx, data)
	if err != nil {
		return nil, err
	}

	if err := t.Optimizer.Minimize(ctx, l); err != nil {
		return nil, fmt.Errorf("coding: minimize: %w", err)
	}

	t.Composer.track(l)
	return t.Composer.Results(), nil
}

// TestStep evaluates a batch and returns the running metrics.
func (t *Trainer) TestStep(ctx context.Context, data *ml.Tensor) (map[string]float64, error) {
	l, err := t.eval(ctx, data)
	if err != nil {
		return nil, err
	}

	t.Composer.track(l)
	return t.Composer.Results(), nil
}
