package train

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelnn/voxelnn/ml"
)

func mustTensor(t *testing.T, s []float64, shape ...int) *ml.Tensor {
	t.Helper()
	tt, err := ml.FromFloats(s, shape...)
	require.NoError(t, err)
	return tt
}

func TestEMADecayOne(t *testing.T) {
	live := []*ml.Tensor{mustTensor(t, []float64{1, 2, 3}, 3), mustTensor(t, []float64{-1}, 1)}
	ema, err := NewEMA(1.0, live)
	require.NoError(t, err)

	for i := range 5 {
		live[0].Floats()[0] += float64(i + 1)
		live[1].Floats()[0] *= 3
		require.NoError(t, ema.Update(live))
	}

	assert.Equal(t, []float64{1, 2, 3}, ema.Weights()[0].Floats())
	assert.Equal(t, []float64{-1}, ema.Weights()[1].Floats())
}

func TestEMADecayZero(t *testing.T) {
	live := []*ml.Tensor{mustTensor(t, []float64{1, 2, 3}, 3)}
	ema, err := NewEMA(0, live)
	require.NoError(t, err)

	copy(live[0].Floats(), []float64{7, 8, 9})
	require.NoError(t, ema.Update(live))
	assert.Equal(t, []float64{7, 8, 9}, ema.Weights()[0].Floats())
}

func TestEMABlend(t *testing.T) {
	live := []*ml.Tensor{mustTensor(t, []float64{0, 10}, 2)}
	ema, err := NewEMA(0.9, live)
	require.NoError(t, err)

	copy(live[0].Floats(), []float64{10, 0})
	require.NoError(t, ema.Update(live))

	if diff := cmp.Diff([]float64{1, 9}, ema.Weights()[0].Floats(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("shadow mismatch (-want +got):\n%s", diff)
	}

	// the shadow is a copy, not an alias of the live weights
	assert.Equal(t, []float64{10, 0}, live[0].Floats())
}

func TestEMAErrors(t *testing.T) {
	_, err := NewEMA(1.5, nil)
	require.ErrorIs(t, err, ErrInvalidDecay)

	ema, err := NewEMA(0.5, []*ml.Tensor{ml.Zeros(2)})
	require.NoError(t, err)
	require.ErrorIs(t, ema.Update([]*ml.Tensor{ml.Zeros(3)}), ml.ErrShapeMismatch)
	require.ErrorIs(t, ema.Update(nil), ml.ErrShapeMismatch)
	require.ErrorIs(t, ema.Restore([]*ml.Tensor{ml.Zeros(1)}), ml.ErrShapeMismatch)
}

func TestMean(t *testing.T) {
	m := NewMean("loss")
	assert.Zero(t, m.Result())

	m.Update(1)
	m.Update(2)
	m.Update(6)
	assert.InDelta(t, 3.0, m.Result(), 1e-12)
	assert.Equal(t, 3, m.Count())

	other := NewMean("other")
	other.Update(4)
	assert.Equal(t, map[string]float64{"loss": 3, "other": 4}, Results(m, other))

	ResetAll(m, other)
	assert.Zero(t, m.Result())
	assert.Zero(t, other.Count())
}

func TestSGD(t *testing.T) {
	p := mustTensor(t, []float64{1, 1}, 2)
	g := mustTensor(t, []float64{1, -2}, 2)

	opt := NewSGD(0.5, 0)
	require.NoError(t, opt.Step([]*ml.Tensor{p}, []*ml.Tensor{g}))
	assert.Equal(t, []float64{0.5, 2}, p.Floats())

	p = mustTensor(t, []float64{0}, 1)
	g = mustTensor(t, []float64{1}, 1)
	opt = NewSGD(1, 0.5)
	require.NoError(t, opt.Step([]*ml.Tensor{p}, []*ml.Tensor{g}))
	require.NoError(t, opt.Step([]*ml.Tensor{p}, []*ml.Tensor{g}))
	// v1 = 1, v2 = 1.5
	assert.InDelta(t, -2.5, p.Floats()[0], 1e-12)

	require.ErrorIs(t, opt.Step([]*ml.Tensor{p}, nil), ml.ErrShapeMismatch)
}
