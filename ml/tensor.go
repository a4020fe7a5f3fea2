package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrShapeMismatch = errors.New("ml: shape mismatch")
	ErrInvalidShape  = errors.New("ml: invalid shape")
)

// Tensor is a dense, row-major float64 array. The first axis is the batch axis
// by convention and the last axis holds channels.
type Tensor struct {
	shape []int
	data  []float64
}

// Zeros allocates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float64, mul(shape...))}
}

// Full allocates a tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromFloats wraps s without copying it.
func FromFloats(s []float64, shape ...int) (*Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShape, shape)
		}
	}

	if n := mul(shape...); n != len(s) {
		return nil, fmt.Errorf("%w: %d values cannot fill %v", ErrInvalidShape, len(s), shape)
	}

	return &Tensor{shape: slices.Clone(shape), data: s}, nil
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Len() int {
	return len(t.data)
}

// Floats returns the backing slice. Writes are visible to the tensor.
func (t *Tensor) Floats() []float64 {
	return t.data
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromFloats(t.data, shape...)
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("ml: index %v does not match rank %d", idx, len(t.shape)))
	}

	var off int
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Batch is the size of the leading axis.
func (t *Tensor) Batch() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[0]
}

// SampleLen is the number of values per batch entry.
func (t *Tensor) SampleLen() int {
	if b := t.Batch(); b > 0 {
		return len(t.data) / b
	}
	return 0
}

// Sample returns the values of batch entry i as a view.
func (t *Tensor) Sample(i int) []float64 {
	n := t.SampleLen()
	return t.data[i*n : (i+1)*n]
}

func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape)
}

func checkShape(a, b *Tensor) error {
	if !SameShape(a, b) {
		return fmt.Errorf("%w: %v and %v", ErrShapeMismatch, a.shape, b.shape)
	}
	return nil
}

func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	if err := checkShape(t, o); err != nil {
		return nil, err
	}

	out := Zeros(t.shape...)
	floats.AddTo(out.data, t.data, o.data)
	return out, nil
}

func (t *Tensor) Sub(o *Tensor) (*Tensor, error) {
	if err := checkShape(t, o); err != nil {
		return nil, err
	}

	out := Zeros(t.shape...)
	floats.SubTo(out.data, t.data, o.data)
	return out, nil
}

func (t *Tensor) Mul(o *Tensor) (*Tensor, error) {
	if err := checkShape(t, o); err != nil {
		return nil, err
	}

	out := Zeros(t.shape...)
	floats.MulTo(out.data, t.data, o.data)
	return out, nil
}

func (t *Tensor) Scale(s float64) *Tensor {
	out := Zeros(t.shape...)
	floats.ScaleTo(out.data, s, t.data)
	return out
}

// AddScaled returns t + alpha*o.
func (t *Tensor) AddScaled(alpha float64, o *Tensor) (*Tensor, error) {
	if err := checkShape(t, o); err != nil {
		return nil, err
	}

	out := Zeros(t.shape...)
	floats.AddScaledTo(out.data, t.data, alpha, o.data)
	return out, nil
}

// ScaleBatch multiplies every batch entry i by s[i].
func (t *Tensor) ScaleBatch(s []float64) (*Tensor, error) {
	if len(s) != t.Batch() {
		return nil, fmt.Errorf("%w: %d scales for batch of %d", ErrShapeMismatch, len(s), t.Batch())
	}

	out := Zeros(t.shape...)
	for i, v := range s {
		floats.ScaleTo(out.Sample(i), v, t.Sample(i))
	}
	return out, nil
}

func (t *Tensor) Sum() float64 {
	return floats.Sum(t.data)
}

func (t *Tensor) Mean() float64 {
	if len(t.data) == 0 {
		return 0
	}
	return floats.Sum(t.data) / float64(len(t.data))
}

// IsFinite reports whether no value is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Slice returns samples [start, end) of the batch axis as a view sharing t's
// data.
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if t.Rank() == 0 || start < 0 || end > t.Batch() || start > end {
		return nil, fmt.Errorf("%w: cannot slice [%d:%d] of %v", ErrInvalidShape, start, end, t.shape)
	}

	n := t.SampleLen()
	shape := slices.Clone(t.shape)
	shape[0] = end - start
	return &Tensor{shape: shape, data: t.data[start*n : end*n]}, nil
}

// Take copies the samples at indices, in order, into a new batch.
func (t *Tensor) Take(indices []int) (*Tensor, error) {
	if t.Rank() == 0 {
		return nil, fmt.Errorf("%w: cannot take samples of a scalar", ErrInvalidShape)
	}

	shape := slices.Clone(t.shape)
	shape[0] = len(indices)
	out := Zeros(shape...)
	for i, j := range indices {
		if j < 0 || j >= t.Batch() {
			return nil, fmt.Errorf("%w: sample %d out of range [0, %d)", ErrInvalidShape, j, t.Batch())
		}
		copy(out.Sample(i), t.Sample(j))
	}
	return out, nil
}

// Stack joins tensors of equal shape along a new leading axis.
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrInvalidShape)
	}

	out := Zeros(append([]int{len(ts)}, ts[0].shape...)...)
	for i, t := range ts {
		if err := checkShape(ts[0], t); err != nil {
			return nil, err
		}
		copy(out.Sample(i), t.data)
	}
	return out, nil
}

func (t *Tensor) String() string {
	return Dump(t)
}
