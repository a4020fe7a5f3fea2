package diffusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// UpdateRule selects how a reverse diffusion step recombines the predicted
// data and noise. The rules are experimental and produce materially different
// samples; none of them is a drop-in replacement for another.
type UpdateRule int

const (
	// RuleDDIM is the deterministic DDIM recombination α'·x̂ + β'·ε.
	RuleDDIM UpdateRule = iota
	// RuleDDIMNorm blends the DDIM result with its per-sample standardized
	// version, weighted by α'² and β'².
	RuleDDIMNorm
	// RuleDDPM adds fresh Gaussian noise scaled by a schedule derived sigma.
	RuleDDPM
	// RuleSignFlip subtracts the predicted noise when recombining.
	RuleSignFlip
	// RuleSignFlipNoDivide is RuleSignFlip with x̂ = x - β·ε, not divided by α.
	RuleSignFlipNoDivide
)

var ruleNames = map[UpdateRule]string{
	RuleDDIM:             "ddim",
	RuleDDIMNorm:         "ddim-norm",
	RuleDDPM:             "ddpm",
	RuleSignFlip:         "sign-flip",
	RuleSignFlipNoDivide: "sign-flip-no-divide",
}

func (r UpdateRule) String() string {
	if s, ok := ruleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("UpdateRule(%d)", int(r))
}

func ParseUpdateRule(s string) (UpdateRule, error) {
	for r, name := range ruleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, &ConfigurationError{Field: "update rule", Value: s, Err: ErrUnknownUpdateRule}
}

// UpdateRules lists every rule in declaration order.
func UpdateRules() []UpdateRule {
	return []UpdateRule{RuleDDIM, RuleDDIMNorm, RuleDDPM, RuleSignFlip, RuleSignFlipNoDivide}
}

// stepInput holds one sample's state for a single step. Primed quantities in
// the rule documentation are the next* fields.
type stepInput struct {
	x, eps []float64

	// fresh is standard normal noise, only set for stochastic rules
	fresh []float64

	alpha, beta         float64
	nextAlpha, nextBeta float64
}

// stepFunc writes the predicted data and the next noisy data for one sample.
type stepFunc func(in stepInput, predData, next []float64)

type rule struct {
	step       stepFunc
	stochastic bool
}

var rules = map[UpdateRule]rule{
	RuleDDIM:             {step: stepDDIM},
	RuleDDIMNorm:         {step: stepDDIMNorm},
	RuleDDPM:             {step: stepDDPM, stochastic: true},
	RuleSignFlip:         {step: stepSignFlip},
	RuleSignFlipNoDivide: {step: stepSignFlipNoDivide},
}

func lookupRule(r UpdateRule) (rule, error) {
	fn, ok := rules[r]
	if !ok {
		return rule{}, &ConfigurationError{Field: "update rule", Value: r.String(), Err: ErrUnknownUpdateRule}
	}
	return fn, nil
}

func stepDDIM(in stepInput, predData, next []float64) {
	reconstruct(predData, in.x, in.eps, in.beta, in.alpha)
	floats.ScaleTo(next, in.nextAlpha, predData)
	floats.AddScaled(next, in.nextBeta, in.eps)
}

func stepDDIMNorm(in stepInput, predData, next []float64) {
	stepDDIM(in, predData, next)

	// no guard against a constant sample: its variance is zero
	mean, variance := stat.PopMeanVariance(next, nil)
	std := math.Sqrt(variance)

	// a2*y + b2*(y-mean)/std
	a2, b2 := in.nextAlpha*in.nextAlpha, in.nextBeta*in.nextBeta
	floats.Scale(a2+b2/std, next)
	floats.AddConst(-b2*mean/std, next)
}

func stepDDPM(in stepInput, predData, next []float64) {
	reconstruct(predData, in.x, in.eps, in.beta, in.alpha)

	a2 := in.nextAlpha * in.nextAlpha
	b2 := in.beta * in.beta
	nb2 := in.nextBeta * in.nextBeta
	sigma := math.Sqrt(nb2/b2) * math.Sqrt(b2/a2)

	floats.ScaleTo(next, in.nextAlpha, predData)
	floats.AddScaled(next, math.Sqrt(nb2*sigma*sigma), in.eps)
	floats.AddScaled(next, sigma, in.fresh)
}

func stepSignFlip(in stepInput, predData, next []float64) {
	reconstruct(predData, in.x, in.eps, in.beta, in.alpha)
	floats.ScaleTo(next, in.nextAlpha, predData)
	floats.AddScaled(next, -in.nextBeta, in.eps)
}

func stepSignFlipNoDivide(in stepInput, predData, next []float64) {
	floats.AddScaledTo(predData, in.x, -in.beta, in.eps)
	floats.ScaleTo(next, in.nextAlpha, predData)
	floats.AddScaled(next, -in.nextBeta, in.eps)
}
