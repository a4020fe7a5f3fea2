package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
)

var ErrInvalidEmbedding = errors.New("nn: invalid time embedding")

const (
	DefaultEmbeddingMinFrequency = 1.0
	DefaultEmbeddingMaxFrequency = 1000.0
)

// TimeEmbedding expands a scalar noise conditioning c into sinusoidal
// features: sin(2π·f·c) for Dims/2 frequencies f spaced logarithmically from
// MinFrequency to MaxFrequency, followed by the matching cosines.
type TimeEmbedding struct {
	Dims         int
	MinFrequency float64
	MaxFrequency float64
}

// Size is the number of features per sample. An odd Dims drops its last
// feature.
func (m *TimeEmbedding) Size() int {
	return 2 * (m.Dims / 2)
}

func (m *TimeEmbedding) Validate() error {
	if m.Dims < 2 || m.MinFrequency <= 0 || m.MaxFrequency < m.MinFrequency {
		return fmt.Errorf("%w: %d dims, frequencies %v to %v", ErrInvalidEmbedding, m.Dims, m.MinFrequency, m.MaxFrequency)
	}
	return nil
}

func (m *TimeEmbedding) angularSpeeds() []float64 {
	speeds := make([]float64, m.Dims/2)
	if len(speeds) == 1 {
		speeds[0] = m.MinFrequency
	} else {
		floats.LogSpan(speeds, m.MinFrequency, m.MaxFrequency)
	}
	floats.Scale(2*math.Pi, speeds)
	return speeds
}

// Forward embeds one conditioning value per sample into [batch, Size()].
func (m *TimeEmbedding) Forward(t *ml.Tensor) (*ml.Tensor, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	speeds := m.angularSpeeds()
	half := len(speeds)

	out := ml.Zeros(t.Len(), 2*half)
	for i, c := range t.Floats() {
		row := out.Sample(i)
		for k, w := range speeds {
			row[k] = math.Sin(w * c)
			row[half+k] = math.Cos(w * c)
		}
	}
	return out, nil
}
