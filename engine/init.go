package engine

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/layers"
	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
	"github.com/tsawler/go-dawn/training"
)

// NewStore allocates every buffer the model spec lists and initialises it:
// convolution and dense weights uniformly in +-1/sqrt(fan_in), batch-norm
// scales to one, running variances to one, everything else to zero.
func NewStore(spec *layers.ModelSpec, rng *rand.Rand) (*memory.Store, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("cannot allocate buffers for an uncompiled model")
	}
	store := memory.NewStore()
	for _, p := range spec.Parameters {
		value, err := initialValue(p, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "initialising %q", p.Name)
		}
		if _, err := store.Add(p.Name, p.Role, value); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func initialValue(p layers.ParamSpec, rng *rand.Rand) (*tensor.Tensor, error) {
	switch {
	case strings.HasSuffix(p.Name, ".running_var"):
		return tensor.Full(p.Shape, 1)
	case strings.HasSuffix(p.Name, ".weight") && len(p.Shape) == 1:
		// batch-norm scale
		return tensor.Full(p.Shape, 1)
	case strings.HasSuffix(p.Name, ".weight") && p.Role == memory.Parameter:
		fanIn := 1
		for _, d := range p.Shape[1:] {
			fanIn *= d
		}
		bound := float32(1 / math.Sqrt(float64(fanIn)))
		return tensor.RandomUniform(p.Shape, -bound, bound, rng)
	default:
		return tensor.Zeros(p.Shape)
	}
}

// Builder creates networks for a fixed compiled spec.
type Builder struct {
	Spec *layers.ModelSpec
	Seed uint64
	// Half stores parameters and fixed filters at half precision.
	Half bool
}

// Build allocates a freshly initialised store, installs the whitening
// filters and returns a network over it. Every call with the same seed
// produces the same initial weights.
func (b *Builder) Build(whitening *tensor.Tensor) (training.Model, error) {
	net, err := b.BuildNetwork(whitening)
	if err != nil {
		return nil, err
	}
	return net, nil
}

// BuildNetwork is Build returning the concrete type.
func (b *Builder) BuildNetwork(whitening *tensor.Tensor) (*Network, error) {
	rng := rand.New(rand.NewPCG(b.Seed, b.Seed^0x9e3779b97f4a7c15))
	store, err := NewStore(b.Spec, rng)
	if err != nil {
		return nil, err
	}
	if b.Half {
		for _, buf := range store.Buffers() {
			if buf.Role != memory.Statistic {
				buf.Value.Half()
			}
		}
	}
	net, err := NewNetwork(b.Spec, store)
	if err != nil {
		return nil, err
	}
	if whitening != nil {
		if err := net.InstallWhitening(whitening); err != nil {
			return nil, err
		}
	}
	return net, nil
}

// Bind returns a network over an existing store.
func (b *Builder) Bind(store *memory.Store) (training.Model, error) {
	net, err := NewNetwork(b.Spec, store)
	if err != nil {
		return nil, errors.Wrap(err, "binding store")
	}
	return net, nil
}
