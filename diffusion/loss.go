package diffusion

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
)

// LossFunc scores a prediction against its target and returns the gradient
// of the loss with respect to the prediction.
type LossFunc func(want, got *ml.Tensor) (loss float64, grad *ml.Tensor, err error)

func MeanAbsoluteError(want, got *ml.Tensor) (float64, *ml.Tensor, error) {
	diff, err := got.Sub(want)
	if err != nil {
		return 0, nil, err
	}

	n := float64(diff.Len())
	grad := ml.Zeros(diff.Shape()...)
	for i, d := range diff.Floats() {
		switch {
		case d > 0:
			grad.Floats()[i] = 1 / n
		case d < 0:
			grad.Floats()[i] = -1 / n
		}
	}
	return floats.Norm(diff.Floats(), 1) / n, grad, nil
}

func MeanSquaredError(want, got *ml.Tensor) (float64, *ml.Tensor, error) {
	diff, err := got.Sub(want)
	if err != nil {
		return 0, nil, err
	}

	n := float64(diff.Len())
	d := floats.Norm(diff.Floats(), 2)
	return d * d / n, diff.Scale(2 / n), nil
}

// EuclideanDistance is the mean, over every position, of the Euclidean
// distance between the vectors on the last axis.
func EuclideanDistance(want, got *ml.Tensor) (float64, *ml.Tensor, error) {
	diff, err := got.Sub(want)
	if err != nil {
		return 0, nil, err
	}

	if diff.Rank() == 0 || diff.Len() == 0 {
		return 0, ml.Zeros(diff.Shape()...), nil
	}

	k := diff.Dim(diff.Rank() - 1)
	n := diff.Len() / k

	var loss float64
	grad := ml.Zeros(diff.Shape()...)
	data := diff.Floats()
	for v := range n {
		d := data[v*k : (v+1)*k]
		norm := floats.Norm(d, 2)
		loss += norm
		// the gradient at a zero distance is taken as zero
		if norm > 0 {
			floats.ScaleTo(grad.Floats()[v*k:(v+1)*k], 1/(norm*float64(n)), d)
		}
	}
	return loss / float64(n), grad, nil
}

func ParseLoss(s string) (LossFunc, error) {
	switch s {
	case "", "mae":
		return MeanAbsoluteError, nil
	case "mse":
		return MeanSquaredError, nil
	case "euclidean":
		return EuclideanDistance, nil
	default:
		return nil, &ConfigurationError{Field: "loss", Value: s, Err: fmt.Errorf("want mae, mse or euclidean")}
	}
}
