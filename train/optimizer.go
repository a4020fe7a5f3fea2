package train

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
)

// SGD is stochastic gradient descent with optional classical momentum.
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity [][]float64
}

func NewSGD(learningRate, momentum float64) *SGD {
	return &SGD{LearningRate: learningRate, Momentum: momentum}
}

// Step updates params in place from grads, which must pair up by index and shape.
func (o *SGD) Step(params, grads []*ml.Tensor) error {
	if len(params) != len(grads) {
		return fmt.Errorf("%w: %d parameters, %d gradients", ml.ErrShapeMismatch, len(params), len(grads))
	}

	if o.Momentum == 0 {
		for i, p := range params {
			if !ml.SameShape(p, grads[i]) {
				return fmt.Errorf("%w: gradient %d", ml.ErrShapeMismatch, i)
			}
			floats.AddScaled(p.Floats(), -o.LearningRate, grads[i].Floats())
		}
		return nil
	}

	if o.velocity == nil {
		o.velocity = make([][]float64, len(params))
		for i, p := range params {
			o.velocity[i] = make([]float64, p.Len())
		}
	}

	for i, p := range params {
		if !ml.SameShape(p, grads[i]) || len(o.velocity[i]) != p.Len() {
			return fmt.Errorf("%w: gradient %d", ml.ErrShapeMismatch, i)
		}

		// v = momentum*v + g; p -= lr*v
		v := o.velocity[i]
		floats.Scale(o.Momentum, v)
		floats.Add(v, grads[i].Floats())
		floats.AddScaled(p.Floats(), -o.LearningRate, v)
	}
	return nil
}
