package nn

import (
	"errors"
	"fmt"

	"github.com/voxelnn/voxelnn/ml"
)

var ErrUnsupportedDimension = errors.New("nn: only 2D and 3D convolution is supported")

// Conv is a unit-stride, "same"-padded convolution over channel-last data.
// Weight has shape [k1, ..., kd, in, out]; input has shape [batch, s1, ..., sd, in].
type Conv struct {
	Weight *ml.Tensor
}

// SpatialDims is the number of spatial axes the kernel convolves over.
func (m *Conv) SpatialDims() int {
	return m.Weight.Rank() - 2
}

func (m *Conv) Forward(t *ml.Tensor) (*ml.Tensor, error) {
	d := m.SpatialDims()
	if d != 2 && d != 3 {
		return nil, fmt.Errorf("%w: kernel rank %d", ErrUnsupportedDimension, m.Weight.Rank())
	}

	if t.Rank() != d+2 {
		return nil, fmt.Errorf("%w: %dD kernel applied to input of shape %v", ml.ErrShapeMismatch, d, t.Shape())
	}

	kshape := m.Weight.Shape()
	in, out := kshape[d], kshape[d+1]
	if t.Dim(d+1) != in {
		return nil, fmt.Errorf("%w: kernel expects %d channels, input has %d", ml.ErrShapeMismatch, in, t.Dim(d+1))
	}

	shape := t.Shape()
	spatial := shape[1 : d+1]
	ksize := kshape[:d]

	// TF-style SAME padding: the extra cell of an even kernel goes after.
	before := make([]int, d)
	for i, k := range ksize {
		before[i] = (k - 1) / 2
	}

	dst := ml.Zeros(append(shape[:d+1:d+1], out)...)
	src, w, o := t.Floats(), m.Weight.Floats(), dst.Floats()

	cells := prod(spatial)
	taps := prod(ksize)
	pos := make([]int, d)
	tap := make([]int, d)
	for b := range t.Batch() {
		for c := range cells {
			unravel(c, spatial, pos)
			obase := ((b * cells) + c) * out
			for k := range taps {
				unravel(k, ksize, tap)

				// flat index of the input cell under this tap, -1 when it falls in the padding
				ic := 0
				for i := range d {
					p := pos[i] + tap[i] - before[i]
					if p < 0 || p >= spatial[i] {
						ic = -1
						break
					}
					ic = ic*spatial[i] + p
				}
				if ic < 0 {
					continue
				}

				ibase := ((b * cells) + ic) * in
				kbase := k * in * out
				for ci := range in {
					v := src[ibase+ci]
					if v == 0 {
						continue
					}
					row := w[kbase+ci*out : kbase+(ci+1)*out]
					for co, kv := range row {
						o[obase+co] += v * kv
					}
				}
			}
		}
	}

	return dst, nil
}

func prod(s []int) int {
	p := 1
	for _, v := range s {
		p *= v
	}
	return p
}

// unravel writes the row-major coordinates of flat index i in shape into dst.
func unravel(i int, shape, dst []int) {
	for j := len(shape) - 1; j >= 0; j-- {
		dst[j] = i % shape[j]
		i /= shape[j]
	}
}
