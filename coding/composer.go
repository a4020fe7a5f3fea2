package coding

import (
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/train"
)

// EncoderOutput is the latent distribution and the sample drawn from it.
type EncoderOutput struct {
	Mean   *ml.Tensor
	LogVar *ml.Tensor
	Z      *ml.Tensor
}

// Losses are the weighted loss terms of one evaluation. Total is their sum.
type Losses struct {
	Total           float64
	Reconstruction  float64
	KLD             float64
	Structurization float64
}

// Composer combines the reconstruction, KL divergence and structurization
// terms of a variational or structural autoencoder. The three weights are
// independent. Without a Kernel the structurization term is skipped, which
// is the plain VAE objective.
//
// Compose updates the running trackers; resetting them between epochs is
// left to the training loop. Create one with NewComposer.
type Composer struct {
	ReconstructionWeight  float64
	KLDWeight             float64
	StructurizationWeight float64

	Kernel *ml.Tensor

	total           *train.Mean
	reconstruction  *train.Mean
	kld             *train.Mean
	structurization *train.Mean
}

func NewComposer(kldWeight, strWeight float64, kernel *ml.Tensor) *Composer {
	return &Composer{
		ReconstructionWeight:  1,
		KLDWeight:             kldWeight,
		StructurizationWeight: strWeight,
		Kernel:                kernel,

		total:           train.NewMean("loss"),
		reconstruction:  train.NewMean("rcstr_loss"),
		kld:             train.NewMean("kld_loss"),
		structurization: train.NewMean("str_loss"),
	}
}

// Evaluate computes the losses without touching the trackers. labels holds
// one class index per voxel; probs adds a vocabulary axis to it.
func (c *Composer) Evaluate(labels *ml.Tensor, enc EncoderOutput, probs *ml.Tensor) (Losses, error) {
	idx, err := Labels(labels)
	if err != nil {
		return Losses{}, err
	}

	rc, err := SparseCategoricalCrossentropy(idx, probs)
	if err != nil {
		return Losses{}, err
	}

	kld, err := KLDivergence(enc.Mean, enc.LogVar)
	if err != nil {
		return Losses{}, err
	}

	var str float64
	if c.Kernel != nil {
		if str, err = StructurizationLoss(enc.Z, c.Kernel); err != nil {
			return Losses{}, err
		}
	}

	l := Losses{
		Reconstruction:  rc * c.ReconstructionWeight,
		KLD:             kld * c.KLDWeight,
		Structurization: str * c.StructurizationWeight,
	}
	l.Total = l.Reconstruction + l.KLD + l.Structurization
	return l, nil
}

// Compose evaluates the losses and records them in the trackers.
func (c *Composer) Compose(labels *ml.Tensor, enc EncoderOutput, probs *ml.Tensor) (Losses, error) {
	l, err := c.Evaluate(labels, enc, probs)
	if err != nil {
		return Losses{}, err
	}

	c.track(l)
	return l, nil
}

func (c *Composer) track(l Losses) {
	c.total.Update(l.Total)
	c.reconstruction.Update(l.Reconstruction)
	c.kld.Update(l.KLD)
	c.structurization.Update(l.Structurization)
}

func (c *Composer) Metrics() []*train.Mean {
	return []*train.Mean{c.total, c.reconstruction, c.kld, c.structurization}
}

// Results returns the running means keyed by tracker name.
func (c *Composer) Results() map[string]float64 {
	return train.Results(c.Metrics()...)
}

func (c *Composer) Reset() {
	train.ResetAll(c.Metrics()...)
}
