package coding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
)

func mustTensor(t *testing.T, s []float64, shape ...int) *ml.Tensor {
	t.Helper()
	tt, err := ml.FromFloats(s, shape...)
	require.NoError(t, err)
	return tt
}

func TestCreateKernel2D(t *testing.T) {
	k, err := CreateKernel(3, 2, 1, InverseOmitZero)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 1, 1}, k.Shape())

	assert.Equal(t, 0.0, k.At(1, 1, 0, 0), "center excludes itself")
	assert.InDelta(t, 1.0, k.Sum(), 1e-6)

	edge, corner := k.At(0, 1, 0, 0), k.At(0, 0, 0, 0)
	assert.InDelta(t, math.Sqrt2, edge/corner, 1e-12)
	for _, idx := range [][]int{{1, 0}, {1, 2}, {2, 1}} {
		assert.Equal(t, edge, k.At(idx[0], idx[1], 0, 0))
	}
	for _, idx := range [][]int{{0, 2}, {2, 0}, {2, 2}} {
		assert.Equal(t, corner, k.At(idx[0], idx[1], 0, 0))
	}
}

func TestCreateKernelChannels(t *testing.T) {
	k, err := CreateKernel(3, 3, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 3, 2, 2}, k.Shape())

	var sums [2][2]float64
	for c := range 27 {
		for i := range 2 {
			for j := range 2 {
				sums[i][j] += k.Floats()[c*4+i*2+j]
			}
		}
	}

	assert.InDelta(t, 1.0, sums[0][0], 1e-6)
	assert.InDelta(t, 1.0, sums[1][1], 1e-6)
	assert.Equal(t, 0.0, sums[0][1])
	assert.Equal(t, 0.0, sums[1][0])
}

func TestCreateKernelOneOnZero(t *testing.T) {
	k, err := CreateKernel(3, 2, 1, InverseOneOnZero)
	require.NoError(t, err)

	sum := 1 + 4 + 4/math.Sqrt2
	assert.InDelta(t, 1/sum, k.At(1, 1, 0, 0), 1e-12)
	assert.InDelta(t, 1.0, k.Sum(), 1e-6)
}

func TestCreateKernelErrors(t *testing.T) {
	for _, dims := range []int{0, 1, 4} {
		_, err := CreateKernel(3, dims, 1, nil)
		require.ErrorIs(t, err, ErrUnsupportedDimension)
		require.ErrorIs(t, err, nn.ErrUnsupportedDimension)
	}

	_, err := CreateKernel(0, 2, 1, nil)
	require.ErrorIs(t, err, ml.ErrInvalidShape)
}

func TestKLDivergence(t *testing.T) {
	zero := ml.Zeros(2, 3, 3, 4)
	kld, err := KLDivergence(zero, zero)
	require.NoError(t, err)
	assert.Equal(t, 0.0, kld)

	kld, err = KLDivergence(ml.Full(1, 2, 2), ml.Zeros(2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, kld, 1e-12)

	kld, err = KLDivergence(ml.Zeros(1), ml.Full(math.Log(2), 1))
	require.NoError(t, err)
	assert.InDelta(t, -0.5*(1+math.Log(2)-2), kld, 1e-12)

	_, err = KLDivergence(ml.Zeros(2), ml.Zeros(3))
	require.ErrorIs(t, err, ml.ErrShapeMismatch)
}

func TestSparseCategoricalCrossentropy(t *testing.T) {
	uniform := ml.Full(0.25, 1, 2, 4)
	loss, err := SparseCategoricalCrossentropy([]int{0, 3}, uniform)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-9)

	perfect, err := OneHot([]int{2, 1}, []int{1, 2}, 3)
	require.NoError(t, err)
	loss, err = SparseCategoricalCrossentropy([]int{2, 1}, perfect)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss, 1e-6)

	// unnormalized rows are renormalized
	loss, err = SparseCategoricalCrossentropy([]int{0}, mustTensor(t, []float64{2, 2}, 1, 2))
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss, 1e-9)

	_, err = SparseCategoricalCrossentropy([]int{3}, ml.Full(0.5, 1, 2))
	require.ErrorIs(t, err, ErrInvalidLabel)

	_, err = SparseCategoricalCrossentropy([]int{0, 1, 0}, uniform)
	require.ErrorIs(t, err, ml.ErrShapeMismatch)
}

func TestLabels(t *testing.T) {
	got, err := Labels(mustTensor(t, []float64{0, 2, 1}, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1}, got)

	_, err = Labels(mustTensor(t, []float64{0.5}, 1))
	require.ErrorIs(t, err, ErrInvalidLabel)

	_, err = Labels(mustTensor(t, []float64{-1}, 1))
	require.ErrorIs(t, err, ErrInvalidLabel)
}

func TestStructurizationLoss(t *testing.T) {
	kernel, err := CreateKernel(3, 2, 1, InverseOmitZero)
	require.NoError(t, err)

	loss, err := StructurizationLoss(ml.Zeros(2, 3, 3, 1), kernel)
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)

	// a single spike: the center differs by 1 and its neighbors by their
	// kernel weights, which sum to 1
	z := ml.Zeros(1, 3, 3, 1)
	z.Set(1, 0, 1, 1, 0)
	loss, err = StructurizationLoss(z, kernel)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/9, loss, 1e-12)

	_, err = StructurizationLoss(ml.Zeros(1, 3, 1), ml.Zeros(3, 1, 1))
	require.ErrorIs(t, err, ErrUnsupportedDimension)
}

func TestSampling(t *testing.T) {
	s := NewSampling(0, ml.NewSource(1))
	assert.Equal(t, DefaultSamplingStdDev, s.StdDev)

	z, err := s.Sample(ml.Zeros(10000), ml.Zeros(10000))
	require.NoError(t, err)
	mean, variance := stat.MeanVariance(z.Floats(), nil)
	assert.InDelta(t, 0, mean, 0.005)
	assert.InDelta(t, 0.01, variance, 0.001)

	// a tiny variance pins the sample to the mean
	z, err = s.Sample(ml.Full(3, 4), ml.Full(-200, 4))
	require.NoError(t, err)
	for _, v := range z.Floats() {
		assert.InDelta(t, 3, v, 1e-12)
	}

	a, _ := NewSampling(1, ml.NewSource(5)).Sample(ml.Zeros(6), ml.Zeros(6))
	b, _ := NewSampling(1, ml.NewSource(5)).Sample(ml.Zeros(6), ml.Zeros(6))
	assert.Equal(t, a.Floats(), b.Floats())

	_, err = s.Sample(ml.Zeros(2), ml.Zeros(3))
	require.ErrorIs(t, err, ml.ErrShapeMismatch)
}

func TestOneHot(t *testing.T) {
	got, err := OneHot([]int{2, 0, 1}, []int{1, 3}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, got.Shape())
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0, 0, 1, 0}, got.Floats())

	_, err = OneHot([]int{3}, []int{1}, 3)
	require.ErrorIs(t, err, ErrInvalidLabel)

	_, err = OneHot([]int{0, 1}, []int{3}, 3)
	require.ErrorIs(t, err, ml.ErrShapeMismatch)
}

func TestComposerWeights(t *testing.T) {
	labels := mustTensor(t, []float64{0, 1, 1, 0}, 1, 2, 2)
	probs := ml.Full(0.5, 1, 2, 2, 2)
	enc := EncoderOutput{
		Mean:   ml.Full(1, 1, 2, 2, 1),
		LogVar: ml.Zeros(1, 2, 2, 1),
		Z:      ml.Zeros(1, 2, 2, 1),
	}
	enc.Z.Set(1, 0, 0, 0, 0)

	kernel, err := CreateKernel(3, 2, 1, nil)
	require.NoError(t, err)

	vae := NewComposer(2, 10, nil)
	l, err := vae.Evaluate(labels, enc, probs)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), l.Reconstruction, 1e-9)
	assert.InDelta(t, 2*0.5, l.KLD, 1e-12)
	assert.Equal(t, 0.0, l.Structurization)
	assert.InDelta(t, l.Reconstruction+l.KLD, l.Total, 1e-12)

	sae := NewComposer(2, 10, kernel)
	sae.ReconstructionWeight = 0
	l, err = sae.Evaluate(labels, enc, probs)
	require.NoError(t, err)
	assert.Equal(t, 0.0, l.Reconstruction)
	assert.Greater(t, l.Structurization, 0.0)
	assert.InDelta(t, l.KLD+l.Structurization, l.Total, 1e-12)

	assert.Equal(t, 0, sae.Metrics()[0].Count(), "Evaluate must not track")
}

func TestComposerTrackers(t *testing.T) {
	c := NewComposer(1, 0, nil)
	labels := mustTensor(t, []float64{0}, 1, 1)
	enc := EncoderOutput{Mean: ml.Zeros(1, 1), LogVar: ml.Zeros(1, 1), Z: ml.Zeros(1, 1)}

	_, err := c.Compose(labels, enc, ml.Full(0.5, 1, 1, 2))
	require.NoError(t, err)
	_, err = c.Compose(labels, enc, ml.Full(0.25, 1, 1, 4))
	require.NoError(t, err)

	results := c.Results()
	assert.Len(t, results, 4)
	assert.InDelta(t, (math.Log(2)+math.Log(4))/2, results["rcstr_loss"], 1e-9)
	assert.InDelta(t, results["rcstr_loss"], results["loss"], 1e-12)
	assert.Equal(t, 0.0, results["kld_loss"])
	assert.Equal(t, 0.0, results["str_loss"])

	c.Reset()
	for _, m := range c.Metrics() {
		assert.Equal(t, 0, m.Count())
	}
}

type failingEncoder struct {
	err error
}

func (e failingEncoder) Encode(context.Context, *ml.Tensor) (EncoderOutput, error) {
	return EncoderOutput{}, e.err
}

func TestOneHotCoder(t *testing.T) {
	data := mustTensor(t, []float64{2, 0, 1, 1}, 1, 2, 2)

	enc, err := OneHotCoder{Depth: 3}.Encode(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 3}, enc.Mean.Shape())
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0, 0, 1, 0, 0, 1, 0}, enc.Mean.Floats())
	assert.Equal(t, enc.Mean.Floats(), enc.Z.Floats())
	assert.Equal(t, 0.0, enc.LogVar.Sum())

	probs, err := OneHotCoder{Depth: 3}.Decode(context.Background(), enc.Z)
	require.NoError(t, err)
	idx, err := Labels(data)
	require.NoError(t, err)
	rc, err := SparseCategoricalCrossentropy(idx, probs)
	require.NoError(t, err)
	assert.InDelta(t, 0, rc, 1e-5)

	noisy := OneHotCoder{Depth: 3, Sampling: NewSampling(0.5, ml.NewSource(3))}
	enc, err = noisy.Encode(context.Background(), data)
	require.NoError(t, err)
	assert.NotEqual(t, enc.Mean.Floats(), enc.Z.Floats())

	_, err = OneHotCoder{Depth: 2}.Encode(context.Background(), data)
	require.ErrorIs(t, err, ErrInvalidLabel)
}

type recordingOptimizer struct {
	calls []Losses
}

func (o *recordingOptimizer) Minimize(_ context.Context, l Losses) error {
	o.calls = append(o.calls, l)
	return nil
}

func TestTrainer(t *testing.T) {
	coder := OneHotCoder{Depth: 3}
	opt := &recordingOptimizer{}
	kernel, err := CreateKernel(3, 2, 3, nil)
	require.NoError(t, err)

	tr := &Trainer{Encoder: coder, Decoder: coder, Optimizer: opt, Composer: NewComposer(1, 0.5, kernel)}
	data := mustTensor(t, []float64{0, 1, 2, 1, 0, 2, 2, 2, 1}, 1, 3, 3)

	results, err := tr.TrainStep(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, opt.calls, 1)
	assert.InDelta(t, 0, results["rcstr_loss"], 1e-5)
	assert.InDelta(t, 0.5/3, results["kld_loss"], 1e-12)
	assert.InDelta(t, opt.calls[0].Total, results["loss"], 1e-12)

	_, err = tr.TestStep(context.Background(), data)
	require.NoError(t, err)
	assert.Len(t, opt.calls, 1, "TestStep must not optimize")
	assert.Equal(t, 2, tr.Composer.Metrics()[0].Count())

	boom := errors.New("boom")
	tr.Encoder = failingEncoder{err: boom}
	_, err = tr.TrainStep(context.Background(), data)
	require.ErrorIs(t, err, boom)

	tr.Optimizer = nil
	_, err = tr.TrainStep(context.Background(), data)
	require.Error(t, err)
}
