package training

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// linearModel is a bias-carrying linear classifier over flattened images,
// enough to drive the training loop without the convolutional engine.
type linearModel struct {
	store    *memory.Store
	weight   *memory.Buffer
	bias     *memory.Buffer
	training bool
	input    *tensor.Tensor
}

func newLinearStore(features, classes int, rng *rand.Rand) (*memory.Store, error) {
	store := memory.NewStore()
	w, err := tensor.RandomNormal([]int{classes, features}, 0, 0.01, rng)
	if err != nil {
		return nil, err
	}
	if _, err := store.Add("linear.weight", memory.Parameter, w); err != nil {
		return nil, err
	}
	if _, err := store.Add("linear.bias", memory.Parameter, tensor.MustZeros(classes)); err != nil {
		return nil, err
	}
	if _, err := store.Add("whiten.weight", memory.Constant, tensor.MustZeros(1)); err != nil {
		return nil, err
	}
	return store, nil
}

func bindLinear(store *memory.Store) (*linearModel, error) {
	w, ok := store.Get("linear.weight")
	if !ok {
		return nil, errors.New("missing linear.weight")
	}
	b, ok := store.Get("linear.bias")
	if !ok {
		return nil, errors.New("missing linear.bias")
	}
	return &linearModel{store: store, weight: w, bias: b, training: true}, nil
}

func (m *linearModel) Store() *memory.Store { return m.store }

func (m *linearModel) SetTraining(training bool) { m.training = training }

func (m *linearModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	n := input.Shape[0]
	features := input.NumElems / n
	classes := m.weight.Value.Shape[0]
	if features != m.weight.Value.Shape[1] {
		return nil, errors.Errorf("expected %d features, got %d", m.weight.Value.Shape[1], features)
	}
	m.input = input
	out := tensor.MustZeros(n, classes)
	for i := 0; i < n; i++ {
		x := input.Data[i*features : (i+1)*features]
		for k := 0; k < classes; k++ {
			sum := m.bias.Value.Data[k]
			row := m.weight.Value.Data[k*features : (k+1)*features]
			for j, v := range x {
				sum += row[j] * v
			}
			out.Data[i*classes+k] = sum
		}
	}
	return out, nil
}

func (m *linearModel) Backward(grad *tensor.Tensor) error {
	n := m.input.Shape[0]
	features := m.input.NumElems / n
	classes := m.weight.Value.Shape[0]
	for i := 0; i < n; i++ {
		x := m.input.Data[i*features : (i+1)*features]
		for k := 0; k < classes; k++ {
			g := grad.Data[i*classes+k]
			m.bias.Grad.Data[k] += g
			row := m.weight.Grad.Data[k*features : (k+1)*features]
			for j, v := range x {
				row[j] += g * v
			}
		}
	}
	return nil
}

type linearBuilder struct {
	features, classes int
	seed              uint64
	builds            int
}

func (b *linearBuilder) Build(whitening *tensor.Tensor) (Model, error) {
	if whitening == nil {
		return nil, errors.New("whitening filters required")
	}
	b.builds++
	store, err := newLinearStore(b.features, b.classes, newRNG(b.seed))
	if err != nil {
		return nil, err
	}
	return bindLinear(store)
}

func (b *linearBuilder) Bind(store *memory.Store) (Model, error) {
	return bindLinear(store)
}

// separableSplit returns n single-channel images whose mean brightness
// encodes the class (even index = class 0).
func separableSplit(t *testing.T, n, size int, rng *rand.Rand) Split {
	t.Helper()
	data, err := tensor.RandomNormal([]int{n, 1, size, size}, 0, 0.3, rng)
	if err != nil {
		t.Fatalf("Failed to create data: %v", err)
	}
	targets := make([]int, n)
	hw := size * size
	for i := 0; i < n; i++ {
		targets[i] = i % 2
		shift := float32(-1)
		if targets[i] == 1 {
			shift = 1
		}
		for j := i * hw; j < (i+1)*hw; j++ {
			data.Data[j] += shift
		}
	}
	return Split{Data: data, Targets: targets}
}
