package coding

import (
	"context"

	"github.com/voxelnn/voxelnn/ml"
)

// OneHotCoder is the identity autoencoder over a vocabulary of Depth blocks.
// Each voxel encodes to the one-hot vector of its label with zero log
// variance, and decoding reads the latent back as class probabilities. It
// gives the loss terms of a lossless coder, the floor a trained model is
// compared against.
type OneHotCoder struct {
	Depth int

	// Sampling perturbs the latent; nil decodes the mean.
	Sampling *Sampling
}

func (c OneHotCoder) Encode(_ context.Context, data *ml.Tensor) (EncoderOutput, error) {
	idx, err := Labels(data)
	if err != nil {
		return EncoderOutput{}, err
	}

	mean, err := OneHot(idx, data.Shape(), c.Depth)
	if err != nil {
		return EncoderOutput{}, err
	}

	logVar := ml.Zeros(mean.Shape()...)
	z := mean.Clone()
	if c.Sampling != nil {
		if z, err = c.Sampling.Sample(mean, logVar); err != nil {
			return EncoderOutput{}, err
		}
	}
	return EncoderOutput{Mean: mean, LogVar: logVar, Z: z}, nil
}

func (c OneHotCoder) Decode(_ context.Context, z *ml.Tensor) (*ml.Tensor, error) {
	return z.Clone(), nil
}
