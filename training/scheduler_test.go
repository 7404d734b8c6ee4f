package training

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
)

func TestPiecewiseLinear(t *testing.T) {
	schedule, err := NewPiecewiseLinear([]float64{0, 20, 80}, []float64{0.1, 0.3, 0.03})
	if err != nil {
		t.Fatalf("Failed to create schedule: %v", err)
	}

	tests := []struct {
		progress float64
		expected float64
	}{
		{-5, 0.1},   // before first knot
		{0, 0.1},    // first knot
		{10, 0.2},   // halfway up the warm-up ramp
		{20, 0.3},   // peak
		{50, 0.165}, // 0.3 - 0.27*30/60
		{80, 0.03},  // last knot
		{100, 0.03}, // past last knot
		{math.NaN(), 0.1},
	}

	for _, tt := range tests {
		got := schedule.Value(tt.progress)
		if math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("Progress %v: expected %v, got %v", tt.progress, tt.expected, got)
		}
	}
}

func TestPiecewiseLinearInterpolationProperty(t *testing.T) {
	knots := []float64{0, 1.5, 4, 10}
	values := []float64{2, -1, 3, 3.5}
	schedule, err := NewPiecewiseLinear(knots, values)
	if err != nil {
		t.Fatalf("Failed to create schedule: %v", err)
	}

	for i := 0; i < len(knots)-1; i++ {
		for step := 0; step <= 20; step++ {
			f := float64(step) / 20
			p := knots[i] + f*(knots[i+1]-knots[i])
			expected := values[i] + f*(values[i+1]-values[i])
			if got := schedule.Value(p); math.Abs(got-expected) > 1e-9 {
				t.Errorf("Segment %d progress %v: expected %v, got %v", i, p, expected, got)
			}
		}
	}
}

func TestPiecewiseLinearValidation(t *testing.T) {
	tests := []struct {
		name   string
		knots  []float64
		values []float64
	}{
		{"empty", nil, nil},
		{"length mismatch", []float64{0, 1}, []float64{1}},
		{"not increasing", []float64{0, 20, 20}, []float64{1, 2, 3}},
		{"decreasing", []float64{0, 20, 10}, []float64{1, 2, 3}},
		{"nan knot", []float64{0, math.NaN()}, []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPiecewiseLinear(tt.knots, tt.values); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestPiecewiseLinearSingleKnot(t *testing.T) {
	schedule, err := NewPiecewiseLinear([]float64{5}, []float64{0.7})
	if err != nil {
		t.Fatalf("Failed to create schedule: %v", err)
	}
	for _, p := range []float64{-1, 5, 100} {
		if got := schedule.Value(p); got != 0.7 {
			t.Errorf("Progress %v: expected 0.7, got %v", p, got)
		}
	}
}

func TestPiecewiseLinearJSON(t *testing.T) {
	schedule, _ := NewPiecewiseLinear([]float64{0, 20, 80}, []float64{0.1, 0.3, 0.03})
	data, err := json.Marshal(schedule)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded PiecewiseLinear
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Value(50) != schedule.Value(50) {
		t.Errorf("Expected decoded schedule to match, got %v vs %v", decoded.Value(50), schedule.Value(50))
	}
	if knots := decoded.Knots(); len(knots) != 3 || knots[1] != 20 {
		t.Errorf("Expected knots [0 20 80], got %v", knots)
	}
	if values := decoded.Values(); len(values) != 3 || values[2] != 0.03 {
		t.Errorf("Expected values [0.1 0.3 0.03], got %v", values)
	}

	if err := json.Unmarshal([]byte(`{"knots":[1,0],"values":[1,2]}`), &decoded); err == nil {
		t.Error("Expected error decoding non-increasing knots")
	}
}

func TestScheduleWrappers(t *testing.T) {
	base, _ := NewPiecewiseLinear([]float64{0, 10}, []float64{0, 1})

	perEpoch := PerEpoch{Schedule: base, StepsPerEpoch: 4}
	if got := perEpoch.Value(20); got != 0.5 {
		t.Errorf("Expected step 20 at 4 steps/epoch to be 0.5, got %v", got)
	}

	scaled := Scaled{Schedule: perEpoch, Factor: 0.25}
	if got := scaled.Value(20); got != 0.125 {
		t.Errorf("Expected scaled value 0.125, got %v", got)
	}

	if Constant(0.9).Value(1e9) != 0.9 {
		t.Error("Expected constant schedule to ignore progress")
	}

	names := map[string]Schedule{
		"PiecewiseLinear":                   base,
		"Constant":                          Constant(1),
		"Scaled(PerEpoch(PiecewiseLinear))": scaled,
		"PerEpoch(PiecewiseLinear)":         perEpoch,
	}
	for expected, s := range names {
		if s.Name() != expected {
			t.Errorf("Expected name %s, got %s", expected, s.Name())
		}
	}
}

func TestPiecewiseLinearConcurrent(t *testing.T) {
	schedule, _ := NewPiecewiseLinear([]float64{0, 20, 80}, []float64{0.1, 0.3, 0.03})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if v := schedule.Value(20); v != 0.3 {
					t.Errorf("Expected 0.3, got %v", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
