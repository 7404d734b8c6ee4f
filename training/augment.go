package training

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-dawn/tensor"
)

// Transform is a randomized whole-batch augmentation. Random choices are
// drawn per sample from rng, then applied to the batch in one kernel call.
type Transform interface {
	Name() string
	Apply(batch *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error)
}

// Crop extracts a Height x Width window at a random offset per sample.
type Crop struct {
	Height, Width int
}

func (c Crop) Name() string { return "crop" }

func (c Crop) Apply(batch *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	n, _, h, w, err := batch.NCHW()
	if err != nil {
		return nil, err
	}
	if c.Height > h || c.Width > w {
		return nil, errors.Errorf("crop %dx%d larger than input %dx%d", c.Height, c.Width, h, w)
	}
	top, left := offsets(n, h-c.Height, w-c.Width, rng)
	return tensor.Crop(batch, top, left, c.Height, c.Width)
}

// FlipLR mirrors each sample horizontally with probability 0.5.
type FlipLR struct{}

func (FlipLR) Name() string { return "flip_lr" }

func (FlipLR) Apply(batch *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	mask := make([]bool, batch.Shape[0])
	for i := range mask {
		mask[i] = rng.IntN(2) == 1
	}
	if err := tensor.FlipLR(batch, mask); err != nil {
		return nil, err
	}
	return batch, nil
}

// Cutout zeroes one Height x Width square per sample at a random position.
type Cutout struct {
	Height, Width int
}

func (c Cutout) Name() string { return "cutout" }

func (c Cutout) Apply(batch *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	n, _, h, w, err := batch.NCHW()
	if err != nil {
		return nil, err
	}
	if c.Height > h || c.Width > w {
		return nil, errors.Errorf("cutout %dx%d larger than input %dx%d", c.Height, c.Width, h, w)
	}
	top, left := offsets(n, h-c.Height, w-c.Width, rng)
	if err := tensor.Cutout(batch, top, left, c.Height, c.Width); err != nil {
		return nil, err
	}
	return batch, nil
}

// offsets draws n (top, left) pairs uniformly from [0, maxTop] x [0, maxLeft].
func offsets(n, maxTop, maxLeft int, rng *rand.Rand) (top, left []int) {
	top = make([]int, n)
	left = make([]int, n)
	for i := 0; i < n; i++ {
		top[i] = rng.IntN(maxTop + 1)
		left[i] = rng.IntN(maxLeft + 1)
	}
	return top, left
}

// WeightSampler draws per-example mixup weights. Returned weights are in
// [0.5, 1] so the unpermuted sample always dominates.
type WeightSampler interface {
	Sample(n int, rng *rand.Rand) []float32
}

// UniformSampler draws from U(Low, High) and reflects values below 0.5.
type UniformSampler struct {
	Low, High float64
}

func (s UniformSampler) Sample(n int, rng *rand.Rand) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = reflect(s.Low + rng.Float64()*(s.High-s.Low))
	}
	return out
}

// BetaSampler draws from the symmetric Beta(Alpha, Alpha) distribution by
// inverse-CDF sampling and reflects values below 0.5.
type BetaSampler struct {
	Alpha float64
}

func (s BetaSampler) Sample(n int, rng *rand.Rand) []float32 {
	dist := distuv.Beta{Alpha: s.Alpha, Beta: s.Alpha}
	out := make([]float32, n)
	for i := range out {
		out[i] = reflect(dist.Quantile(rng.Float64()))
	}
	return out
}

func reflect(w float64) float32 {
	if w < 0.5 {
		w = 1 - w
	}
	return float32(w)
}

// SamplerConfig selects a WeightSampler by name.
type SamplerConfig struct {
	Kind  string  `json:"kind"`
	Low   float64 `json:"low,omitempty"`
	High  float64 `json:"high,omitempty"`
	Alpha float64 `json:"alpha,omitempty"`
}

// Build returns the configured sampler.
func (c SamplerConfig) Build() (WeightSampler, error) {
	switch c.Kind {
	case "uniform", "":
		if c.Low < 0 || c.High > 1 || c.Low >= c.High {
			return nil, errors.Errorf("uniform mixup bounds must satisfy 0 <= low < high <= 1, got [%v, %v]", c.Low, c.High)
		}
		return UniformSampler{Low: c.Low, High: c.High}, nil
	case "beta":
		if c.Alpha <= 0 {
			return nil, errors.Errorf("beta mixup alpha must be positive, got %v", c.Alpha)
		}
		return BetaSampler{Alpha: c.Alpha}, nil
	default:
		return nil, errors.Errorf("unknown mixup sampler %q", c.Kind)
	}
}

// mixup blends every example with a randomly chosen partner and extends the
// target/weight lists so that each example's weights still sum to one.
func mixup(batch *Batch, sampler WeightSampler, rng *rand.Rand) error {
	n := batch.Size()
	perm := rng.Perm(n)
	w := sampler.Sample(n, rng)

	mixed, err := tensor.Mix(batch.Input, perm, w)
	if err != nil {
		return errors.Wrap(err, "mixing inputs")
	}
	batch.Input = mixed

	rounds := len(batch.Targets)
	for k := 0; k < rounds; k++ {
		targets := batch.Targets[k]
		weights := batch.Weights[k]
		permTargets := make([]int, n)
		permWeights := make([]float32, n)
		for i, j := range perm {
			permTargets[i] = targets[j]
			permWeights[i] = (1 - w[i]) * weights[j]
		}
		for i := range weights {
			weights[i] *= w[i]
		}
		batch.Targets = append(batch.Targets, permTargets)
		batch.Weights = append(batch.Weights, permWeights)
	}
	return nil
}

// TTATransform is a deterministic transform applied at evaluation time.
type TTATransform func(*tensor.Tensor) (*tensor.Tensor, error)

// LookupTTA resolves a test-time augmentation by name.
func LookupTTA(name string) (TTATransform, error) {
	switch name {
	case "identity":
		return func(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }, nil
	case "flip_lr":
		return func(x *tensor.Tensor) (*tensor.Tensor, error) {
			out := x.Clone()
			if err := tensor.FlipLR(out, nil); err != nil {
				return nil, err
			}
			return out, nil
		}, nil
	default:
		return nil, errors.Errorf("unknown test-time augmentation %q", name)
	}
}
