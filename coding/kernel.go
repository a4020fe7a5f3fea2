package coding

import (
	"fmt"
	"math"

	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
)

// ErrUnsupportedDimension is returned for kernels and convolutions that are
// neither 2D nor 3D.
var ErrUnsupportedDimension = nn.ErrUnsupportedDimension

// WeightFunc maps the distance of a kernel cell from the kernel center to its
// unnormalized weight.
type WeightFunc func(distance float64) float64

// InverseOmitZero is 1/d, and 0 for the center cell.
func InverseOmitZero(d float64) float64 {
	if d == 0 {
		return 0
	}
	return 1 / d
}

// InverseOneOnZero is 1/d, and 1 for the center cell.
func InverseOneOnZero(d float64) float64 {
	if d == 0 {
		return 1
	}
	return 1 / d
}

// CreateKernel builds a smoothing kernel of shape
// [size]*realDims + [latentDims, latentDims]. Only the channel diagonal is
// set, so channels never mix, and every channel's slice sums to 1.
//
// A nil weight uses InverseOmitZero. A kernel whose weights sum to zero, such
// as size 1 with InverseOmitZero, normalizes to NaN.
func CreateKernel(size, realDims, latentDims int, weight WeightFunc) (*ml.Tensor, error) {
	if realDims != 2 && realDims != 3 {
		return nil, fmt.Errorf("%w: got %d real dimensions", ErrUnsupportedDimension, realDims)
	}

	if size < 1 || latentDims < 1 {
		return nil, fmt.Errorf("%w: kernel size %d with %d latent dimensions", ml.ErrInvalidShape, size, latentDims)
	}

	if weight == nil {
		weight = InverseOmitZero
	}

	shape := make([]int, 0, realDims+2)
	for range realDims {
		shape = append(shape, size)
	}
	shape = append(shape, latentDims, latentDims)

	kernel := ml.Zeros(shape...)
	data := kernel.Floats()

	center := float64(size-1) / 2
	cells := kernel.Len() / (latentDims * latentDims)
	pos := make([]int, realDims)

	var sum float64
	for c := range cells {
		unravel(c, shape[:realDims], pos)

		var sq float64
		for _, p := range pos {
			sq += (float64(p) - center) * (float64(p) - center)
		}

		w := weight(math.Sqrt(sq))
		sum += w
		for i := range latentDims {
			data[(c*latentDims+i)*latentDims+i] = w
		}
	}

	// every channel carries the same weights, so one sum normalizes them all
	for c := range cells {
		for i := range latentDims {
			data[(c*latentDims+i)*latentDims+i] /= sum
		}
	}

	return kernel, nil
}

func unravel(i int, shape, dst []int) {
	for j := len(shape) - 1; j >= 0; j-- {
		dst[j] = i % shape[j]
		i /= shape[j]
	}
}
