package layers

import "github.com/pkg/errors"

// NetConfig describes the residual network used for 32x32 images.
type NetConfig struct {
	InputChannels int      `json:"input_channels"`
	ImageSize     int      `json:"image_size"`
	Classes       int      `json:"classes"`
	Prep          int      `json:"prep"`
	Layer1        int      `json:"layer1"`
	Layer2        int      `json:"layer2"`
	Layer3        int      `json:"layer3"`
	WhitenSize    int      `json:"whiten_size"`
	GhostSplits   int      `json:"ghost_splits"`
	CELUAlpha     float32  `json:"celu_alpha"`
	LogitScale    float32  `json:"logit_scale"`
	Residual      []string `json:"residual"`
}

// DefaultNetConfig returns the standard widths.
func DefaultNetConfig() NetConfig {
	return NetConfig{
		InputChannels: 3,
		ImageSize:     32,
		Classes:       10,
		Prep:          64,
		Layer1:        128,
		Layer2:        256,
		Layer3:        512,
		WhitenSize:    3,
		GhostSplits:   16,
		CELUAlpha:     0.3,
		LogitScale:    1.0 / 16,
		Residual:      []string{"layer1", "layer3"},
	}
}

// WhitenDim is the number of whitening filters: one per patch feature.
func (c NetConfig) WhitenDim() int {
	return c.InputChannels * c.WhitenSize * c.WhitenSize
}

// convBN appends conv -> [pool] -> bn -> act. The gated activation halves
// the channel count.
func (c NetConfig) convBN(mb *ModelBuilder, prefix string, out int, pool bool) {
	mb.AddConv2D(out, 3, 1, false, prefix+".conv")
	if pool {
		mb.AddMaxPool2D(2, prefix+".pool")
	}
	mb.AddBatchNorm(c.GhostSplits, prefix+".bn")
	mb.AddGatedCELU(c.CELUAlpha, prefix+".act")
}

// DawnNet builds the model graph: a whitening block, three pooled
// conv-bn-act stages (with two-block residual branches on the configured
// stages), global max pooling, a bias-free linear layer and a logit scale.
func DawnNet(cfg NetConfig, batch int) (*ModelSpec, error) {
	if cfg.Prep <= 0 || cfg.Layer1 <= 0 || cfg.Layer2 <= 0 || cfg.Layer3 <= 0 {
		return nil, errors.Errorf("channel widths must be positive")
	}
	if cfg.ImageSize%32 != 0 {
		return nil, errors.Errorf("image size must be a multiple of 32, got %d", cfg.ImageSize)
	}
	residual := make(map[string]bool)
	for _, name := range cfg.Residual {
		residual[name] = true
	}

	mb := NewModelBuilder([]int{batch, cfg.InputChannels, cfg.ImageSize, cfg.ImageSize})
	mb.AddWhiten(cfg.WhitenDim(), cfg.WhitenSize, cfg.WhitenSize/2, "prep.whiten")
	mb.AddConv2D(cfg.Prep, 1, 0, false, "prep.conv")
	mb.AddBatchNorm(cfg.GhostSplits, "prep.bn")
	mb.AddGatedCELU(cfg.CELUAlpha, "prep.act")

	for _, stage := range []struct {
		name string
		out  int
	}{{"layer1", cfg.Layer1}, {"layer2", cfg.Layer2}, {"layer3", cfg.Layer3}} {
		cfg.convBN(mb, stage.name, stage.out, true)
		if residual[stage.name] {
			res := stage.name + ".residual"
			cfg.convBN(mb, res+".res1", stage.out, false)
			cfg.convBN(mb, res+".res2", stage.out, false)
			mb.AddAdd(res+".add", stage.name+".act", res+".res2.act")
		}
	}

	mb.AddMaxPool2D(cfg.ImageSize/8, "pool")
	mb.AddFlatten("flatten")
	mb.AddDense(cfg.Classes, false, "linear")
	mb.AddScale(cfg.LogitScale, "logits")
	return mb.Compile()
}
