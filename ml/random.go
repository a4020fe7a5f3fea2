package ml

import (
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Source draws reproducible random tensors. A Source is not safe for
// concurrent use.
type Source struct {
	src rand.Source
}

// NewSource returns a Source seeded with seed. A negative seed picks a
// time-based one.
func NewSource(seed int64) *Source {
	if seed < 0 {
		seed = time.Now().UnixNano()
	}

	return &Source{src: rand.NewSource(uint64(seed))}
}

// Normal returns a tensor of independent N(0, stddev²) draws.
func (s *Source) Normal(stddev float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: s.src}
	for i := range t.data {
		t.data[i] = dist.Rand()
	}
	return t
}

// Uniform returns n independent draws from [min, max).
func (s *Source) Uniform(min, max float64, n int) []float64 {
	dist := distuv.Uniform{Min: min, Max: max, Src: s.src}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// Perm returns a random permutation of [0, n).
func (s *Source) Perm(n int) []int {
	return rand.New(s.src).Perm(n)
}
