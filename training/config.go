package training

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds every hyperparameter of a run.
type Config struct {
	Epochs    int `json:"epochs"`
	EMAEpochs int `json:"ema_epochs"` // 0 smooths for the whole run
	BatchSize int `json:"batch_size"`

	LRKnots     []float64 `json:"lr_knots"`  // in epochs
	LRValues    []float64 `json:"lr_values"` // per-example learning rate
	WeightDecay float64   `json:"weight_decay"`
	Momentum    float64   `json:"momentum"`
	BiasScale   float64   `json:"bias_scale"`

	CropSize     int           `json:"crop_size"`
	Padding      int           `json:"padding"`
	CutoutSize   int           `json:"cutout_size"`
	MixupCount   int           `json:"mixup_count"`
	MixupSampler SamplerConfig `json:"mixup_sampler"`

	EMAMomentum   float64  `json:"ema_momentum"`
	EMAUpdateFreq int      `json:"ema_update_freq"`
	TTA           []string `json:"tta"`

	GhostSplits   int     `json:"ghost_splits"`
	WhitenSamples int     `json:"whiten_samples"`
	WhitenEps     float64 `json:"whiten_eps"`
	WarmupImages  int     `json:"warmup_images"` // 0 skips the warm-up phase

	HalfPrecision bool   `json:"half_precision"`
	Seed          uint64 `json:"seed"`
	PrefetchDepth int    `json:"prefetch_depth"` // 0 augments on the training goroutine
	Verbose       bool   `json:"verbose"`
}

// DefaultConfig returns the settings for the 10-class 32x32 run.
func DefaultConfig() Config {
	return Config{
		Epochs:        100,
		EMAEpochs:     0,
		BatchSize:     512,
		LRKnots:       []float64{0, 20, 80},
		LRValues:      []float64{0.1, 0.3, 0.03},
		WeightDecay:   5e-4,
		Momentum:      0.9,
		BiasScale:     64,
		CropSize:      32,
		Padding:       4,
		CutoutSize:    12,
		MixupCount:    1,
		MixupSampler:  SamplerConfig{Kind: "uniform", Low: 0, High: 1},
		EMAMomentum:   0.99,
		EMAUpdateFreq: 5,
		TTA:           []string{"identity", "flip_lr"},
		GhostSplits:   16,
		WhitenSamples: 10000,
		WhitenEps:     1e-2,
		WarmupImages:  1000,
		HalfPrecision: true,
		Seed:          0,
		PrefetchDepth: 2,
	}
}

// LoadConfig reads a JSON file over the defaults. Unknown fields are
// rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration on its own. Checks that need the
// dataset sizes are in ValidateFor.
func (c Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.EMAEpochs < 0 || c.EMAEpochs > c.Epochs:
		return errors.Errorf("ema_epochs must be in [0, %d], got %d", c.Epochs, c.EMAEpochs)
	case c.BatchSize <= 0:
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.WeightDecay < 0:
		return errors.Errorf("weight decay must be non-negative, got %v", c.WeightDecay)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.Errorf("momentum must be in [0, 1), got %v", c.Momentum)
	case c.BiasScale <= 0:
		return errors.Errorf("bias scale must be positive, got %v", c.BiasScale)
	case c.CropSize <= 0:
		return errors.Errorf("crop size must be positive, got %d", c.CropSize)
	case c.Padding < 0:
		return errors.Errorf("padding must be non-negative, got %d", c.Padding)
	case c.CutoutSize < 0 || c.CutoutSize > c.CropSize:
		return errors.Errorf("cutout size must be in [0, %d], got %d", c.CropSize, c.CutoutSize)
	case c.MixupCount < 0:
		return errors.Errorf("mixup count must be non-negative, got %d", c.MixupCount)
	case c.EMAMomentum < 0 || c.EMAMomentum > 1:
		return errors.Errorf("EMA momentum must be in [0, 1], got %v", c.EMAMomentum)
	case c.EMAUpdateFreq < 1:
		return errors.Errorf("EMA update frequency must be positive, got %d", c.EMAUpdateFreq)
	case c.GhostSplits < 1:
		return errors.Errorf("ghost splits must be positive, got %d", c.GhostSplits)
	case c.BatchSize%c.GhostSplits != 0:
		return errors.Errorf("batch size %d not divisible by %d ghost splits", c.BatchSize, c.GhostSplits)
	case c.WhitenSamples <= 0:
		return errors.Errorf("whiten samples must be positive, got %d", c.WhitenSamples)
	case c.WhitenEps <= 0:
		return errors.Errorf("whitening epsilon must be positive, got %v", c.WhitenEps)
	case c.WarmupImages < 0:
		return errors.Errorf("warm-up images must be non-negative, got %d", c.WarmupImages)
	case c.PrefetchDepth < 0:
		return errors.Errorf("prefetch depth must be non-negative, got %d", c.PrefetchDepth)
	case len(c.TTA) == 0:
		return errors.New("at least one evaluation transform is required")
	}
	if _, err := NewPiecewiseLinear(c.LRKnots, c.LRValues); err != nil {
		return errors.Wrap(err, "learning rate schedule")
	}
	if c.MixupCount > 0 {
		if _, err := c.MixupSampler.Build(); err != nil {
			return err
		}
	}
	for _, name := range c.TTA {
		if _, err := LookupTTA(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFor checks the configuration against the dataset layout.
func (c Config) ValidateFor(info SourceInfo) error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch {
	case info.TrainLen <= 0 || info.ValidLen <= 0:
		return errors.Errorf("dataset splits must be non-empty, got train=%d valid=%d", info.TrainLen, info.ValidLen)
	case c.BatchSize > info.TrainLen:
		return errors.Errorf("batch size %d larger than training split (%d)", c.BatchSize, info.TrainLen)
	case c.CropSize != info.Height || c.CropSize != info.Width:
		// validation images are evaluated uncropped
		return errors.Errorf("crop size %d must match the %dx%d image size", c.CropSize, info.Height, info.Width)
	case info.Classes < 2:
		return errors.Errorf("need at least two classes, got %d", info.Classes)
	}
	return nil
}
