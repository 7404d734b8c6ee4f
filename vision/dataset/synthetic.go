package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// SyntheticConfig describes a generated dataset. Every class has its own
// colour and stripe orientation, so the task is learnable in a few epochs.
type SyntheticConfig struct {
	TrainSize int
	TestSize  int
	ImageSize int
	Classes   int
	Noise     float64
	Seed      uint64
}

// DefaultSyntheticConfig returns a small 10-class dataset of 32x32 images.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		TrainSize: 2048,
		TestSize:  512,
		ImageSize: ImageSize,
		Classes:   NumClasses,
		Noise:     24,
		Seed:      1,
	}
}

// Synthetic generates a dataset with balanced labels.
func Synthetic(cfg SyntheticConfig) (*CIFAR10, error) {
	if cfg.TrainSize <= 0 || cfg.TestSize <= 0 {
		return nil, errors.Errorf("synthetic split sizes must be positive, got %d and %d", cfg.TrainSize, cfg.TestSize)
	}
	if cfg.ImageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d", cfg.ImageSize)
	}
	if cfg.Classes < 2 || cfg.Classes > 256 {
		return nil, errors.Errorf("synthetic datasets need 2 to 256 classes, got %d", cfg.Classes)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	palette := make([][Channels]float64, cfg.Classes)
	for k := range palette {
		for c := 0; c < Channels; c++ {
			palette[k][c] = 64 + 128*rng.Float64()
		}
	}

	generate := func(n int) *Split {
		s := &Split{
			Images:   make([]uint8, n*cfg.ImageSize*cfg.ImageSize*Channels),
			Labels:   make([]int, n),
			Height:   cfg.ImageSize,
			Width:    cfg.ImageSize,
			Channels: Channels,
		}
		for i := 0; i < n; i++ {
			label := i % cfg.Classes
			s.Labels[i] = label
			angle := math.Pi * float64(label) / float64(cfg.Classes)
			dx, dy := math.Cos(angle), math.Sin(angle)
			img := s.Image(i)
			for y := 0; y < cfg.ImageSize; y++ {
				for x := 0; x < cfg.ImageSize; x++ {
					stripe := 32 * math.Sin(0.8*(dx*float64(x)+dy*float64(y)))
					for c := 0; c < Channels; c++ {
						v := palette[label][c] + stripe + cfg.Noise*rng.NormFloat64()
						img[(y*cfg.ImageSize+x)*Channels+c] = uint8(math.Max(0, math.Min(255, math.Round(v))))
					}
				}
			}
		}
		rng.Shuffle(n, func(a, b int) {
			s.Labels[a], s.Labels[b] = s.Labels[b], s.Labels[a]
			ia, ib := s.Image(a), s.Image(b)
			for j := range ia {
				ia[j], ib[j] = ib[j], ia[j]
			}
		})
		return s
	}

	return &CIFAR10{Train: generate(cfg.TrainSize), Test: generate(cfg.TestSize), Classes: cfg.Classes}, nil
}
