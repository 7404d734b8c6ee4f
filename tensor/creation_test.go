package tensor

import (
	"math"
	"math/rand/v2"
	"reflect"
	"testing"
)

func TestFull(t *testing.T) {
	tensor, err := Full([]int{2, 3}, 7.5)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}
	expected := []float32{7.5, 7.5, 7.5, 7.5, 7.5, 7.5}
	if !reflect.DeepEqual(tensor.Data, expected) {
		t.Errorf("Data = %v, expected %v", tensor.Data, expected)
	}
	if _, err := Full([]int{2, 0}, 1); err == nil {
		t.Error("Expected error for invalid shape")
	}
}

func TestRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	t.Run("uniform", func(t *testing.T) {
		tensor, err := RandomUniform([]int{1000}, -0.5, 0.5, rng)
		if err != nil {
			t.Fatalf("RandomUniform failed: %v", err)
		}
		for i, v := range tensor.Data {
			if v < -0.5 || v >= 0.5 {
				t.Fatalf("Element %d = %f outside [-0.5, 0.5)", i, v)
			}
		}
	})

	t.Run("normal", func(t *testing.T) {
		tensor, err := RandomNormal([]int{4000}, 2, 0.5, rng)
		if err != nil {
			t.Fatalf("RandomNormal failed: %v", err)
		}
		mean := tensor.Sum() / float64(tensor.Numel())
		if math.Abs(mean-2) > 0.05 {
			t.Errorf("Expected mean near 2, got %f", mean)
		}
	})

	t.Run("invalid shape", func(t *testing.T) {
		if _, err := RandomNormal([]int{}, 0, 1, rng); err == nil {
			t.Error("Expected error for invalid shape")
		}
	})
}
