package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-dawn/tensor"
)

func sequentialBatch(n, c, h, w int) *tensor.Tensor {
	t := tensor.MustZeros(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestCropTransform(t *testing.T) {
	batch := sequentialBatch(8, 2, 6, 6)
	out, err := Crop{Height: 4, Width: 4}.Apply(batch, newRNG(1))
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if len(out.Shape) != 4 || out.Shape[2] != 4 || out.Shape[3] != 4 {
		t.Fatalf("Expected 4x4 crops, got %v", out.Shape)
	}
	// every crop is a contiguous window of the source plane
	for s := 0; s < 8; s++ {
		first := out.Data[s*2*16]
		base := float32(s * 2 * 36)
		offset := int(first - base)
		top, left := offset/6, offset%6
		if top > 2 || left > 2 {
			t.Fatalf("Sample %d: window offset (%d,%d) out of range", s, top, left)
		}
		for c := 0; c < 2; c++ {
			for y := 0; y < 4; y++ {
				for x := 0; x < 4; x++ {
					expected := base + float32(c*36+(top+y)*6+left+x)
					if got := out.Data[((s*2+c)*4+y)*4+x]; got != expected {
						t.Fatalf("Sample %d: expected %f at (%d,%d,%d), got %f", s, expected, c, y, x, got)
					}
				}
			}
		}
	}

	if _, err := (Crop{Height: 7, Width: 7}).Apply(batch, newRNG(1)); err == nil {
		t.Error("Expected error for crop larger than input")
	}
}

func TestFlipLRTransform(t *testing.T) {
	batch := sequentialBatch(64, 1, 1, 3)
	orig := batch.Clone()
	out, err := FlipLR{}.Apply(batch, newRNG(2))
	if err != nil {
		t.Fatalf("Flip failed: %v", err)
	}
	flipped := 0
	for s := 0; s < 64; s++ {
		row := out.Data[s*3 : s*3+3]
		src := orig.Data[s*3 : s*3+3]
		switch {
		case row[0] == src[0] && row[2] == src[2]:
		case row[0] == src[2] && row[1] == src[1] && row[2] == src[0]:
			flipped++
		default:
			t.Fatalf("Sample %d neither original nor mirrored: %v", s, row)
		}
	}
	if flipped == 0 || flipped == 64 {
		t.Errorf("Expected a mix of flipped and unflipped samples, got %d/64 flipped", flipped)
	}
}

func TestCutoutTransform(t *testing.T) {
	batch, _ := tensor.Full([]int{5, 3, 8, 8}, 1)
	out, err := Cutout{Height: 3, Width: 3}.Apply(batch, newRNG(3))
	if err != nil {
		t.Fatalf("Cutout failed: %v", err)
	}
	for s := 0; s < 5; s++ {
		for c := 0; c < 3; c++ {
			zeros := 0
			for _, v := range out.Data[(s*3+c)*64 : (s*3+c+1)*64] {
				if v == 0 {
					zeros++
				}
			}
			if zeros != 9 {
				t.Errorf("Sample %d channel %d: expected 9 zeroed pixels, got %d", s, c, zeros)
			}
		}
	}
}

func TestWeightSamplers(t *testing.T) {
	tests := []struct {
		name    string
		sampler WeightSampler
	}{
		{"uniform", UniformSampler{Low: 0, High: 1}},
		{"beta", BetaSampler{Alpha: 0.4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weights := tt.sampler.Sample(1000, newRNG(4))
			var sum float64
			for _, w := range weights {
				if w < 0.5 || w > 1 {
					t.Fatalf("Weight %f outside [0.5, 1]", w)
				}
				sum += float64(w)
			}
			if mean := sum / 1000; mean < 0.6 || mean > 0.9 {
				t.Errorf("Unexpected mean weight %f", mean)
			}
		})
	}
}

func TestSamplerConfigBuild(t *testing.T) {
	tests := []struct {
		config  SamplerConfig
		wantErr bool
	}{
		{SamplerConfig{Kind: "uniform", Low: 0, High: 1}, false},
		{SamplerConfig{Low: 0.2, High: 0.8}, false},
		{SamplerConfig{Kind: "uniform", Low: 0.5, High: 0.5}, true},
		{SamplerConfig{Kind: "beta", Alpha: 1}, false},
		{SamplerConfig{Kind: "beta"}, true},
		{SamplerConfig{Kind: "gamma"}, true},
	}
	for _, tt := range tests {
		_, err := tt.config.Build()
		if (err != nil) != tt.wantErr {
			t.Errorf("%+v: expected error=%v, got %v", tt.config, tt.wantErr, err)
		}
	}
}

func TestMixupWeightsSumToOne(t *testing.T) {
	n := 6
	input := sequentialBatch(n, 1, 2, 2)
	targets := []int{0, 1, 2, 3, 4, 5}
	weights := []float32{1, 1, 1, 1, 1, 1}
	batch := &Batch{Input: input.Clone(), Targets: [][]int{targets}, Weights: [][]float32{weights}}

	for round := 0; round < 2; round++ {
		if err := mixup(batch, UniformSampler{Low: 0, High: 1}, newRNG(uint64(5+round))); err != nil {
			t.Fatalf("Mixup failed: %v", err)
		}
	}
	if len(batch.Targets) != 4 || len(batch.Weights) != 4 {
		t.Fatalf("Expected 4 target lists after two rounds, got %d", len(batch.Targets))
	}
	for i := 0; i < n; i++ {
		var total float64
		for k := range batch.Weights {
			total += float64(batch.Weights[k][i])
		}
		if math.Abs(total-1) > 1e-5 {
			t.Errorf("Example %d: weights sum to %f", i, total)
		}
	}

	// the mixed input equals the weighted sum of the labelled originals
	for i := 0; i < n; i++ {
		for p := 0; p < 4; p++ {
			var expected float64
			for k := range batch.Targets {
				expected += float64(batch.Weights[k][i]) * float64(input.Data[batch.Targets[k][i]*4+p])
			}
			if got := float64(batch.Input.Data[i*4+p]); math.Abs(got-expected) > 1e-3 {
				t.Errorf("Example %d pixel %d: expected %f, got %f", i, p, expected, got)
			}
		}
	}
}

func TestLookupTTA(t *testing.T) {
	x := sequentialBatch(1, 1, 1, 3)
	identity, err := LookupTTA("identity")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if out, _ := identity(x); out.Data[0] != 0 {
		t.Error("Identity changed the input")
	}
	flip, _ := LookupTTA("flip_lr")
	out, err := flip(x)
	if err != nil {
		t.Fatalf("Flip failed: %v", err)
	}
	if out.Data[0] != 2 || out.Data[2] != 0 || x.Data[0] != 0 {
		t.Errorf("Expected a mirrored copy, got %v (input %v)", out.Data, x.Data)
	}
	if _, err := LookupTTA("rotate"); err == nil {
		t.Error("Expected error for unknown transform")
	}
}
