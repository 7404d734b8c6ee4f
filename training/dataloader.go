package training

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/tensor"
)

// Split is one device-resident partition of a dataset: an NCHW image
// tensor and its index-aligned labels.
type Split struct {
	Data    *tensor.Tensor
	Targets []int
}

// Len returns the number of samples.
func (s Split) Len() int {
	return len(s.Targets)
}

// Validate checks that data and targets line up.
func (s Split) Validate() error {
	if s.Data == nil {
		return errors.New("split has no data")
	}
	if _, _, _, _, err := s.Data.NCHW(); err != nil {
		return err
	}
	if s.Data.Shape[0] != len(s.Targets) {
		return errors.Errorf("split has %d images but %d targets", s.Data.Shape[0], len(s.Targets))
	}
	return nil
}

// Dataset holds the preprocessed train and validation splits.
type Dataset struct {
	Train Split
	Valid Split
}

// Batch is one step's worth of data. Targets and Weights are parallel lists;
// entry k gives, for every example, a label and the weight of that label in
// the loss. Without mixup there is a single entry with weight 1.
type Batch struct {
	Input   *tensor.Tensor
	Targets [][]int
	Weights [][]float32
}

// Size returns the number of examples.
func (b *Batch) Size() int {
	return b.Input.Shape[0]
}

// BatcherConfig controls ordering, batching and augmentation.
type BatcherConfig struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool
	Transforms []Transform
	MixupCount int
	Sampler    WeightSampler
}

// Batcher yields augmented batches from a split without leaving the device.
type Batcher struct {
	split  Split
	config BatcherConfig
	rng    *rand.Rand
}

// NewBatcher validates the configuration against the split.
func NewBatcher(split Split, config BatcherConfig, rng *rand.Rand) (*Batcher, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.BatchSize > split.Len() {
		return nil, errors.Errorf("batch size %d larger than split size %d", config.BatchSize, split.Len())
	}
	if config.MixupCount < 0 {
		return nil, errors.Errorf("mixup count must be non-negative, got %d", config.MixupCount)
	}
	if config.MixupCount > 0 && config.Sampler == nil {
		return nil, errors.New("mixup enabled without a weight sampler")
	}
	if rng == nil && (config.Shuffle || len(config.Transforms) > 0 || config.MixupCount > 0) {
		return nil, errors.New("random batcher requires a random source")
	}
	return &Batcher{split: split, config: config, rng: rng}, nil
}

// Len returns the number of batches per pass.
func (b *Batcher) Len() int {
	n, bs := b.split.Len(), b.config.BatchSize
	if b.config.DropLast {
		return n / bs
	}
	return (n + bs - 1) / bs
}

// Split returns the underlying split.
func (b *Batcher) Split() Split {
	return b.split
}

// Iterate starts a new pass. Each call draws a fresh permutation when
// shuffling is enabled.
func (b *Batcher) Iterate() *BatchIterator {
	n := b.split.Len()
	var order []int
	if b.config.Shuffle {
		order = b.rng.Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	return &BatchIterator{batcher: b, order: order, remaining: b.Len()}
}

// BatchIterator walks one pass over a split.
type BatchIterator struct {
	batcher   *Batcher
	order     []int
	pos       int
	remaining int
}

// HasNext reports whether another batch is available.
func (it *BatchIterator) HasNext() bool {
	return it.remaining > 0
}

// Next gathers, augments and returns the next batch.
func (it *BatchIterator) Next() (*Batch, error) {
	if !it.HasNext() {
		return nil, errors.New("no more batches")
	}
	b := it.batcher
	end := min(it.pos+b.config.BatchSize, len(it.order))
	indices := it.order[it.pos:end]
	it.pos = end
	it.remaining--

	input, err := tensor.Gather(b.split.Data, indices)
	if err != nil {
		return nil, errors.Wrap(err, "gathering batch")
	}
	for _, t := range b.config.Transforms {
		input, err = t.Apply(input, b.rng)
		if err != nil {
			return nil, errors.Wrapf(err, "applying %s", t.Name())
		}
	}

	targets := make([]int, len(indices))
	weights := make([]float32, len(indices))
	for i, idx := range indices {
		targets[i] = b.split.Targets[idx]
		weights[i] = 1
	}
	batch := &Batch{
		Input:   input,
		Targets: [][]int{targets},
		Weights: [][]float32{weights},
	}
	for r := 0; r < b.config.MixupCount; r++ {
		if err := mixup(batch, b.config.Sampler, b.rng); err != nil {
			return nil, err
		}
	}
	return batch, nil
}
