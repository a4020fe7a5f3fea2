package coding

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
)

var ErrInvalidLabel = errors.New("coding: invalid label")

// epsilon clips probabilities away from 0 and 1 before taking logarithms.
const epsilon = 1e-7

// Labels reads a tensor of integral class indices.
func Labels(t *ml.Tensor) ([]int, error) {
	labels := make([]int, t.Len())
	for i, v := range t.Floats() {
		if v != math.Trunc(v) || v < 0 {
			return nil, fmt.Errorf("%w: %v at %d", ErrInvalidLabel, v, i)
		}
		labels[i] = int(v)
	}
	return labels, nil
}

// SparseCategoricalCrossentropy is the mean of -log p[label] over every
// voxel. probs holds one distribution per voxel on its last axis; each
// distribution is clipped and renormalized first.
func SparseCategoricalCrossentropy(labels []int, probs *ml.Tensor) (float64, error) {
	if probs.Rank() < 2 {
		return 0, fmt.Errorf("%w: probabilities of shape %v", ml.ErrShapeMismatch, probs.Shape())
	}

	depth := probs.Dim(probs.Rank() - 1)
	if len(labels)*depth != probs.Len() {
		return 0, fmt.Errorf("%w: %d labels for probabilities of shape %v", ml.ErrShapeMismatch, len(labels), probs.Shape())
	}

	if len(labels) == 0 {
		return 0, nil
	}

	data := probs.Floats()
	clipped := make([]float64, depth)

	var loss float64
	for i, label := range labels {
		if label < 0 || label >= depth {
			return 0, fmt.Errorf("%w: %d outside a vocabulary of %d", ErrInvalidLabel, label, depth)
		}

		for j, p := range data[i*depth : (i+1)*depth] {
			clipped[j] = min(max(p, epsilon), 1-epsilon)
		}
		loss -= math.Log(clipped[label] / floats.Sum(clipped))
	}

	return loss / float64(len(labels)), nil
}

// KLDivergence is the closed form KL divergence of N(mean, exp(logVar)) to a
// standard normal, averaged over every element.
func KLDivergence(mean, logVar *ml.Tensor) (float64, error) {
	if !ml.SameShape(mean, logVar) {
		return 0, fmt.Errorf("%w: mean %v, log variance %v", ml.ErrShapeMismatch, mean.Shape(), logVar.Shape())
	}

	if mean.Len() == 0 {
		return 0, nil
	}

	var sum float64
	lv := logVar.Floats()
	for i, mu := range mean.Floats() {
		sum += 1 + lv[i] - mu*mu - math.Exp(lv[i])
	}
	return -0.5 * sum / float64(mean.Len()), nil
}

// StructurizationLoss is the mean Euclidean distance, across channels, between
// every latent voxel and its kernel-weighted neighborhood average.
func StructurizationLoss(z, kernel *ml.Tensor) (float64, error) {
	averages, err := (&nn.Conv{Weight: kernel}).Forward(z)
	if err != nil {
		return 0, err
	}

	diff, err := z.Sub(averages)
	if err != nil {
		return 0, err
	}

	channels := z.Dim(z.Rank() - 1)
	voxels := diff.Len() / channels
	if voxels == 0 {
		return 0, nil
	}

	data := diff.Floats()
	var sum float64
	for v := range voxels {
		sum += floats.Norm(data[v*channels:(v+1)*channels], 2)
	}
	return sum / float64(voxels), nil
}
