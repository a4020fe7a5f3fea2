package diffusion

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidSchedule = errors.New("diffusion: signal rates must satisfy 0 < min < max < 1")

const (
	DefaultMinSignalRate = 0.02
	DefaultMaxSignalRate = 0.95
)

// Schedule is the cosine schedule mapping a diffusion time in [0, 1] to a
// (noise rate, signal rate) pair lying on the unit circle.
type Schedule struct {
	MinSignalRate float64
	MaxSignalRate float64
}

func NewSchedule(minSignalRate, maxSignalRate float64) (Schedule, error) {
	s := Schedule{MinSignalRate: minSignalRate, MaxSignalRate: maxSignalRate}
	return s, s.Validate()
}

func DefaultSchedule() Schedule {
	return Schedule{MinSignalRate: DefaultMinSignalRate, MaxSignalRate: DefaultMaxSignalRate}
}

func (s Schedule) Validate() error {
	if !(s.MinSignalRate > 0 && s.MinSignalRate < s.MaxSignalRate && s.MaxSignalRate < 1) {
		return fmt.Errorf("%w: min=%v max=%v", ErrInvalidSchedule, s.MinSignalRate, s.MaxSignalRate)
	}
	return nil
}

// Rates returns the noise and signal rate at diffusion time t. Time 0 is
// (almost) pure signal, time 1 (almost) pure noise.
func (s Schedule) Rates(t float64) (noiseRate, signalRate float64) {
	start := math.Acos(s.MaxSignalRate)
	end := math.Acos(s.MinSignalRate)
	angle := start + t*(end-start)
	return math.Sin(angle), math.Cos(angle)
}

// RatesBatch evaluates Rates for one diffusion time per sample.
func (s Schedule) RatesBatch(times []float64) (noiseRates, signalRates []float64) {
	noiseRates = make([]float64, len(times))
	signalRates = make([]float64, len(times))
	for i, t := range times {
		noiseRates[i], signalRates[i] = s.Rates(t)
	}
	return noiseRates, signalRates
}

// Conditioning selects how the noise level is presented to the network. The
// same encoding must be used for training and sampling.
type Conditioning int

const (
	// ConditionPower feeds the squared noise rate (the noise power).
	ConditionPower Conditioning = iota
	// ConditionRate feeds the noise rate itself.
	ConditionRate
)

func (c Conditioning) Encode(noiseRate float64) float64 {
	if c == ConditionRate {
		return noiseRate
	}
	return noiseRate * noiseRate
}

func (c Conditioning) String() string {
	switch c {
	case ConditionPower:
		return "power"
	case ConditionRate:
		return "rate"
	default:
		return fmt.Sprintf("Conditioning(%d)", int(c))
	}
}

func ParseConditioning(s string) (Conditioning, error) {
	switch s {
	case "", "power":
		return ConditionPower, nil
	case "rate":
		return ConditionRate, nil
	default:
		return 0, &ConfigurationError{Field: "conditioning", Value: s, Err: ErrUnknownConditioning}
	}
}
