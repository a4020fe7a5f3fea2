package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/voxelnn/voxelnn/ml"
)

var ErrNotAdapted = errors.New("nn: normalizer used before Adapt")

// Normalizer standardizes data per feature, where a feature is an entry of the
// last axis. Statistics are learned once by Adapt.
type Normalizer struct {
	Mean     []float64
	Variance []float64
	Eps      float64
}

// Adapt learns per-feature mean and (population) variance from t.
func (m *Normalizer) Adapt(t *ml.Tensor) error {
	if t.Rank() == 0 || t.Len() == 0 {
		return fmt.Errorf("%w: cannot adapt to shape %v", ml.ErrInvalidShape, t.Shape())
	}

	features := t.Dim(t.Rank() - 1)
	rows := t.Len() / features
	data := t.Floats()

	m.Mean = make([]float64, features)
	m.Variance = make([]float64, features)
	column := make([]float64, rows)
	for f := range features {
		for r := range rows {
			column[r] = data[r*features+f]
		}
		m.Mean[f], m.Variance[f] = stat.PopMeanVariance(column, nil)
	}
	return nil
}

func (m *Normalizer) check(t *ml.Tensor) error {
	if m.Mean == nil {
		return ErrNotAdapted
	}

	if t.Rank() == 0 || t.Dim(t.Rank()-1) != len(m.Mean) {
		return fmt.Errorf("%w: normalizer has %d features, tensor shape is %v", ml.ErrShapeMismatch, len(m.Mean), t.Shape())
	}
	return nil
}

// Forward returns (t - mean) / sqrt(variance + eps).
func (m *Normalizer) Forward(t *ml.Tensor) (*ml.Tensor, error) {
	if err := m.check(t); err != nil {
		return nil, err
	}

	eps := m.Eps
	if eps == 0 {
		eps = 1e-7
	}

	out := t.Clone()
	data := out.Floats()
	features := len(m.Mean)
	for i := range data {
		f := i % features
		data[i] = (data[i] - m.Mean[f]) / math.Sqrt(m.Variance[f]+eps)
	}
	return out, nil
}

// Denormalize maps normalized data back with mean + t*sqrt(variance).
func (m *Normalizer) Denormalize(t *ml.Tensor) (*ml.Tensor, error) {
	if err := m.check(t); err != nil {
		return nil, err
	}

	out := t.Clone()
	data := out.Floats()
	features := len(m.Mean)
	for i := range data {
		f := i % features
		data[i] = m.Mean[f] + data[i]*math.Sqrt(m.Variance[f])
	}
	return out, nil
}
