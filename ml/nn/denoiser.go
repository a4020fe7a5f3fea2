package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/train"
)

// PixelDenoiser predicts noise independently for every voxel with a
// per-channel affine map of the voxel value and the noise conditioning:
//
//	ε̂ = W[c]·x + U[c]·cond + B[c]
//
// It is a small stand-in for a U-Net, enough to train and sample end to end.
type PixelDenoiser struct {
	W, U, B *ml.Tensor

	// Embedding, when set, expands the conditioning into sinusoidal features
	// and U holds one weight per channel and feature.
	Embedding *TimeEmbedding

	Optimizer *train.SGD

	// inputs of the last prediction, kept for Backward
	x, features *ml.Tensor
}

// NewPixelDenoiser starts as the identity noise predictor ε̂ = x, which is
// exact at pure noise.
func NewPixelDenoiser(channels int, opt *train.SGD) *PixelDenoiser {
	return &PixelDenoiser{
		W:         ml.Full(1, channels),
		U:         ml.Zeros(channels),
		B:         ml.Zeros(channels),
		Optimizer: opt,
	}
}

// NewEmbeddedPixelDenoiser is NewPixelDenoiser conditioned on a time
// embedding instead of the raw conditioning value.
func NewEmbeddedPixelDenoiser(channels int, emb *TimeEmbedding, opt *train.SGD) (*PixelDenoiser, error) {
	if err := emb.Validate(); err != nil {
		return nil, err
	}

	m := NewPixelDenoiser(channels, opt)
	m.U = ml.Zeros(channels, emb.Size())
	m.Embedding = emb
	return m, nil
}

// PixelDenoiserFromWeights wraps existing tensors, in Parameters order,
// without copying them. Used to run the EMA shadow weights.
func PixelDenoiserFromWeights(weights []*ml.Tensor) (*PixelDenoiser, error) {
	if len(weights) != 3 {
		return nil, fmt.Errorf("%w: pixel denoiser has 3 parameters, got %d", ml.ErrShapeMismatch, len(weights))
	}

	w, u, b := weights[0], weights[1], weights[2]
	for _, t := range []*ml.Tensor{w, b} {
		if t.Rank() != 1 || t.Len() != w.Len() {
			return nil, fmt.Errorf("%w: parameter shape %v", ml.ErrShapeMismatch, t.Shape())
		}
	}

	if u.Rank() < 1 || u.Rank() > 2 || u.Dim(0) != w.Len() {
		return nil, fmt.Errorf("%w: conditioning weights of shape %v for %d channels", ml.ErrShapeMismatch, u.Shape(), w.Len())
	}

	return &PixelDenoiser{W: w, U: u, B: b}, nil
}

func (m *PixelDenoiser) Channels() int {
	return m.W.Len()
}

func (m *PixelDenoiser) Parameters() []*ml.Tensor {
	return []*ml.Tensor{m.W, m.U, m.B}
}

func (m *PixelDenoiser) PredictNoise(noisy, cond *ml.Tensor) (*ml.Tensor, error) {
	channels := m.Channels()
	if noisy.Rank() < 2 || noisy.Dim(noisy.Rank()-1) != channels {
		return nil, fmt.Errorf("%w: denoiser has %d channels, input is %v", ml.ErrShapeMismatch, channels, noisy.Shape())
	}

	if cond.Len() != noisy.Batch() {
		return nil, fmt.Errorf("%w: %d conditioning values for batch of %d", ml.ErrShapeMismatch, cond.Len(), noisy.Batch())
	}

	features, err := m.conditioning(cond)
	if err != nil {
		return nil, err
	}

	k := features.Dim(1)
	if m.U.Len() != channels*k {
		return nil, fmt.Errorf("%w: conditioning weights %v for %d features", ml.ErrShapeMismatch, m.U.Shape(), k)
	}

	w, u, b := m.W.Floats(), m.U.Floats(), m.B.Floats()
	offsets := make([]float64, channels)
	out := ml.Zeros(noisy.Shape()...)
	for i := range noisy.Batch() {
		f := features.Sample(i)
		for ch := range offsets {
			offsets[ch] = floats.Dot(u[ch*k:(ch+1)*k], f) + b[ch]
		}

		src, dst := noisy.Sample(i), out.Sample(i)
		for j, v := range src {
			ch := j % channels
			dst[j] = w[ch]*v + offsets[ch]
		}
	}

	m.x, m.features = noisy, features
	return out, nil
}

// conditioning returns the per-sample features of cond as [batch, features].
func (m *PixelDenoiser) conditioning(cond *ml.Tensor) (*ml.Tensor, error) {
	if m.Embedding != nil {
		return m.Embedding.Forward(cond)
	}
	return ml.FromFloats(cond.Floats(), cond.Len(), 1)
}

func (m *PixelDenoiser) Backward(grad *ml.Tensor) error {
	if m.x == nil {
		return errors.New("nn: Backward called before PredictNoise")
	}

	if !ml.SameShape(grad, m.x) {
		return fmt.Errorf("%w: gradient %v for output %v", ml.ErrShapeMismatch, grad.Shape(), m.x.Shape())
	}

	if m.Optimizer == nil {
		return errors.New("nn: denoiser has no optimizer")
	}

	channels := m.Channels()
	k := m.features.Dim(1)
	gw, gu, gb := ml.Zeros(channels), ml.Zeros(m.U.Shape()...), ml.Zeros(channels)
	for i := range m.x.Batch() {
		f := m.features.Sample(i)
		src, g := m.x.Sample(i), grad.Sample(i)
		for j, v := range src {
			ch := j % channels
			gw.Floats()[ch] += g[j] * v
			floats.AddScaled(gu.Floats()[ch*k:(ch+1)*k], g[j], f)
			gb.Floats()[ch] += g[j]
		}
	}

	m.x, m.features = nil, nil
	return m.Optimizer.Step(m.Parameters(), []*ml.Tensor{gw, gu, gb})
}

// Identity predicts the noisy input itself as the noise.
type Identity struct{}

func (Identity) PredictNoise(noisy, _ *ml.Tensor) (*ml.Tensor, error) {
	return noisy.Clone(), nil
}

// Zero always predicts no noise.
type Zero struct{}

func (Zero) PredictNoise(noisy, _ *ml.Tensor) (*ml.Tensor, error) {
	return ml.Zeros(noisy.Shape()...), nil
}
