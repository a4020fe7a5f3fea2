package coding

import (
	"fmt"
	"math"

	"github.com/voxelnn/voxelnn/ml"
)

const DefaultSamplingStdDev = 0.1

// Sampling draws latent vectors with the reparameterization
// z = mean + exp(0.5*logVar)*ε, where ε ~ N(0, StdDev²).
type Sampling struct {
	StdDev float64
	Source *ml.Source
}

func NewSampling(stddev float64, src *ml.Source) *Sampling {
	if stddev <= 0 {
		stddev = DefaultSamplingStdDev
	}
	return &Sampling{StdDev: stddev, Source: src}
}

func (s *Sampling) Sample(mean, logVar *ml.Tensor) (*ml.Tensor, error) {
	if !ml.SameShape(mean, logVar) {
		return nil, fmt.Errorf("%w: mean %v, log variance %v", ml.ErrShapeMismatch, mean.Shape(), logVar.Shape())
	}

	z := s.Source.Normal(s.StdDev, mean.Shape()...)
	data, mu, lv := z.Floats(), mean.Floats(), logVar.Floats()
	for i := range data {
		data[i] = mu[i] + math.Exp(0.5*lv[i])*data[i]
	}
	return z, nil
}

// OneHot expands class indices laid out in shape into one-hot vectors on a
// new last axis of length depth.
func OneHot(indices []int, shape []int, depth int) (*ml.Tensor, error) {
	out := ml.Zeros(append(shape[:len(shape):len(shape)], depth)...)
	if out.Len() != len(indices)*depth {
		return nil, fmt.Errorf("%w: %d indices for shape %v", ml.ErrShapeMismatch, len(indices), shape)
	}

	data := out.Floats()
	for i, v := range indices {
		if v < 0 || v >= depth {
			return nil, fmt.Errorf("%w: %d outside a vocabulary of %d", ErrInvalidLabel, v, depth)
		}
		data[i*depth+v] = 1
	}
	return out, nil
}
