package diffusion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxelnn/voxelnn/logutil"
	"github.com/voxelnn/voxelnn/ml"
)

// ProgressFunc is called after every completed step.
type ProgressFunc func(step, totalSteps int)

// Integrator runs the reverse diffusion process from pure noise back to data.
//
// Generation reads the EMA weights and must not run concurrently with a
// training step that updates them; callers serialize the two.
type Integrator struct {
	Adapter  *Adapter
	Schedule Schedule
	Rule     UpdateRule

	// Source provides fresh noise for stochastic rules. It may be nil for
	// deterministic ones.
	Source *ml.Source

	Progress ProgressFunc
}

// History records every step of a reverse diffusion run. Entry i holds the
// tensors produced by step i.
type History struct {
	PredictedNoise []*ml.Tensor
	PredictedData  []*ml.Tensor
	NoisyData      []*ml.Tensor
}

// Stack returns the history as three tensors with a leading step axis.
func (h *History) Stack() (predNoise, predData, noisyData *ml.Tensor, err error) {
	if predNoise, err = ml.Stack(h.PredictedNoise...); err != nil {
		return nil, nil, nil, err
	}
	if predData, err = ml.Stack(h.PredictedData...); err != nil {
		return nil, nil, nil, err
	}
	if noisyData, err = ml.Stack(h.NoisyData...); err != nil {
		return nil, nil, nil, err
	}
	return predNoise, predData, noisyData, nil
}

// Final returns the data predicted by the last step.
func (h *History) Final() *ml.Tensor {
	if len(h.PredictedData) == 0 {
		return nil
	}
	return h.PredictedData[len(h.PredictedData)-1]
}

// ReverseDiffusion denoises initialNoise over the given number of steps and
// returns the final predicted data.
func (g *Integrator) ReverseDiffusion(ctx context.Context, initialNoise *ml.Tensor, steps int) (*ml.Tensor, error) {
	return g.run(ctx, initialNoise, steps, nil)
}

// ReverseDiffusionHistory is ReverseDiffusion keeping every intermediate tensor.
func (g *Integrator) ReverseDiffusionHistory(ctx context.Context, initialNoise *ml.Tensor, steps int) (*History, error) {
	var h History
	if _, err := g.run(ctx, initialNoise, steps, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (g *Integrator) run(ctx context.Context, initialNoise *ml.Tensor, steps int, h *History) (*ml.Tensor, error) {
	if steps < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSteps, steps)
	}

	r, err := lookupRule(g.Rule)
	if err != nil {
		return nil, err
	}

	if r.stochastic && g.Source == nil {
		return nil, fmt.Errorf("diffusion: rule %s needs a noise source", g.Rule)
	}

	batch := initialNoise.Batch()
	stepSize := 1.0 / float64(steps)

	times := make([]float64, batch)
	nextTimes := make([]float64, batch)

	var predData *ml.Tensor
	noisy := initialNoise
	for step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := range times {
			times[i] = 1 - float64(step)*stepSize
			nextTimes[i] = times[i] - stepSize
		}

		noiseRates, signalRates := g.Schedule.RatesBatch(times)
		predNoise, err := g.Adapter.PredictNoise(noisy, noiseRates, false)
		if err != nil {
			return nil, fmt.Errorf("diffusion: step %d: %w", step, err)
		}

		nextNoiseRates, nextSignalRates := g.Schedule.RatesBatch(nextTimes)

		var fresh *ml.Tensor
		if r.stochastic {
			fresh = g.Source.Normal(1, noisy.Shape()...)
		}

		predData = ml.Zeros(noisy.Shape()...)
		next := ml.Zeros(noisy.Shape()...)
		for i := range batch {
			in := stepInput{
				x:         noisy.Sample(i),
				eps:       predNoise.Sample(i),
				alpha:     signalRates[i],
				beta:      noiseRates[i],
				nextAlpha: nextSignalRates[i],
				nextBeta:  nextNoiseRates[i],
			}
			if fresh != nil {
				in.fresh = fresh.Sample(i)
			}
			r.step(in, predData.Sample(i), next.Sample(i))
		}

		logutil.Trace("reverse diffusion step", "step", step, "time", times[0], "signal_rate", signalRates[0], "noise_rate", noiseRates[0])

		if h != nil {
			h.PredictedNoise = append(h.PredictedNoise, predNoise)
			h.PredictedData = append(h.PredictedData, predData)
			h.NoisyData = append(h.NoisyData, next)
		}

		noisy = next
		if g.Progress != nil {
			g.Progress(step+1, steps)
		}
	}

	slog.Debug("reverse diffusion finished", "steps", steps, "rule", g.Rule, "batch", batch)
	return predData, nil
}
