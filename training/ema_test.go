package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

func TestEMAUpdate(t *testing.T) {
	source := newTestStore(t)
	constant, _ := tensor.NewTensor([]int{1}, []float32{3})
	if _, err := source.Add("whiten.weight", memory.Constant, constant); err != nil {
		t.Fatalf("Failed to add buffer: %v", err)
	}
	ema, err := NewEMA(source, 0.9, 2)
	if err != nil {
		t.Fatalf("Failed to create EMA: %v", err)
	}
	if math.Abs(float64(ema.Rho())-0.81) > 1e-6 {
		t.Errorf("Expected rho 0.81, got %f", ema.Rho())
	}

	w, _ := source.Get("conv.weight")
	w.Value.Data[0] = 11
	mean, _ := source.Get("bn.running_mean")
	mean.Value.Data[0] = 1
	src, _ := source.Get("whiten.weight")
	src.Value.Data[0] = 100

	updated, err := ema.MaybeUpdate(&StepState{Step: 1}, source)
	if err != nil || updated {
		t.Fatalf("Expected no update on odd step, got %v, %v", updated, err)
	}
	shadowW, _ := ema.Shadow().Get("conv.weight")
	if shadowW.Value.Data[0] != 1 {
		t.Errorf("Expected unchanged shadow, got %f", shadowW.Value.Data[0])
	}

	updated, err = ema.MaybeUpdate(&StepState{Step: 2}, source)
	if err != nil || !updated {
		t.Fatalf("Expected update on step 2, got %v, %v", updated, err)
	}
	if expected := 0.81*1 + 0.19*11; math.Abs(float64(shadowW.Value.Data[0])-expected) > 1e-5 {
		t.Errorf("Expected shadow weight %f, got %f", expected, shadowW.Value.Data[0])
	}
	shadowMean, _ := ema.Shadow().Get("bn.running_mean")
	if math.Abs(float64(shadowMean.Value.Data[0])-0.19) > 1e-6 {
		t.Errorf("Expected running statistics to be smoothed too, got %f", shadowMean.Value.Data[0])
	}
	shadowConst, _ := ema.Shadow().Get("whiten.weight")
	if shadowConst.Value.Data[0] != 3 {
		t.Errorf("Expected constant buffer to be left alone, got %f", shadowConst.Value.Data[0])
	}

	if err := ema.Sync(source); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if shadowW.Value.Data[0] != 11 {
		t.Errorf("Expected exact copy after sync, got %f", shadowW.Value.Data[0])
	}

	// the shadow never shares storage with the source
	w.Value.Data[1] = -7
	if shadowW.Value.Data[1] == -7 {
		t.Error("Shadow aliases the source store")
	}
}

func TestEMAMomentumLimits(t *testing.T) {
	tests := []struct {
		name     string
		momentum float64
		steps    int
		expected float32
		tol      float64
	}{
		{"zero momentum copies the source", 0, 1, 42, 0},
		{"unit momentum keeps the shadow", 1, 1, 1, 0},
		{"converges to a constant source", 0.99, 2000, 42, 1e-3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newTestStore(t)
			ema, err := NewEMA(source, tt.momentum, 1)
			if err != nil {
				t.Fatalf("Failed to create EMA: %v", err)
			}
			w, _ := source.Get("conv.weight")
			w.Value.Data[0] = 42

			state := &StepState{}
			for i := 0; i < tt.steps; i++ {
				if _, err := ema.MaybeUpdate(state, source); err != nil {
					t.Fatalf("MaybeUpdate failed: %v", err)
				}
				state.Advance()
			}
			shadowW, _ := ema.Shadow().Get("conv.weight")
			if got := shadowW.Value.Data[0]; math.Abs(float64(got-tt.expected)) > tt.tol {
				t.Errorf("Expected shadow %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEMAHalfPrecisionShadow(t *testing.T) {
	source := newTestStore(t)
	w, _ := source.Get("conv.weight")
	w.Value.Half()
	ema, err := NewEMA(source, 0.99, 1)
	if err != nil {
		t.Fatalf("Failed to create EMA: %v", err)
	}
	w.Value.Data[0] = 1.01
	if _, err := ema.MaybeUpdate(&StepState{}, source); err != nil {
		t.Fatalf("MaybeUpdate failed: %v", err)
	}
	shadowW, _ := ema.Shadow().Get("conv.weight")
	for i, v := range shadowW.Value.Data {
		if v != tensor.RoundHalf(v) {
			t.Errorf("Shadow element %d: %v is off the half-precision grid", i, v)
		}
	}
}

func TestEMAErrors(t *testing.T) {
	source := newTestStore(t)
	if _, err := NewEMA(source, 1.5, 1); err == nil {
		t.Error("Expected error for momentum above 1")
	}
	if _, err := NewEMA(source, 0.9, 0); err == nil {
		t.Error("Expected error for zero update frequency")
	}
	ema, _ := NewEMA(source, 0.9, 1)
	if _, err := ema.MaybeUpdate(&StepState{}, memory.NewStore()); err == nil {
		t.Error("Expected error for an incompatible source")
	}
}
