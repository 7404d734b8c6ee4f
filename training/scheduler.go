package training

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Schedule maps a progress value to a hyperparameter value.
// Implementations are immutable and safe for concurrent use.
type Schedule interface {
	// Value evaluates the schedule. This is a pure function.
	Value(progress float64) float64

	// Name returns the schedule name for logging.
	Name() string
}

// PiecewiseLinear interpolates linearly between (knot, value) pairs and holds
// the boundary values outside the knot range.
type PiecewiseLinear struct {
	knots  []float64
	values []float64
}

// NewPiecewiseLinear validates and copies the knot list. Knots must be
// strictly increasing.
func NewPiecewiseLinear(knots, values []float64) (*PiecewiseLinear, error) {
	if len(knots) == 0 {
		return nil, errors.New("piecewise linear schedule needs at least one knot")
	}
	if len(knots) != len(values) {
		return nil, errors.Errorf("knot/value length mismatch: %d vs %d", len(knots), len(values))
	}
	for i, k := range knots {
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return nil, errors.Errorf("knot %d is not finite", i)
		}
		if i > 0 && k <= knots[i-1] {
			return nil, errors.Errorf("knots must be strictly increasing: knot %d (%v) <= knot %d (%v)", i, k, i-1, knots[i-1])
		}
	}
	return &PiecewiseLinear{
		knots:  append([]float64(nil), knots...),
		values: append([]float64(nil), values...),
	}, nil
}

// Value interpolates between the bounding knots and clamps outside them.
// A NaN progress yields the first value.
func (s *PiecewiseLinear) Value(progress float64) float64 {
	n := len(s.knots)
	if math.IsNaN(progress) || progress <= s.knots[0] {
		return s.values[0]
	}
	if progress >= s.knots[n-1] {
		return s.values[n-1]
	}
	// first knot strictly greater than progress
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if s.knots[mid] <= progress {
			lo = mid
		} else {
			hi = mid
		}
	}
	t := (progress - s.knots[lo]) / (s.knots[hi] - s.knots[lo])
	return s.values[lo] + t*(s.values[hi]-s.values[lo])
}

func (s *PiecewiseLinear) Name() string {
	return "PiecewiseLinear"
}

// Knots returns a copy of the knot positions.
func (s *PiecewiseLinear) Knots() []float64 {
	return append([]float64(nil), s.knots...)
}

// Values returns a copy of the knot values.
func (s *PiecewiseLinear) Values() []float64 {
	return append([]float64(nil), s.values...)
}

type piecewiseLinearJSON struct {
	Knots  []float64 `json:"knots"`
	Values []float64 `json:"values"`
}

func (s *PiecewiseLinear) MarshalJSON() ([]byte, error) {
	return json.Marshal(piecewiseLinearJSON{Knots: s.knots, Values: s.values})
}

func (s *PiecewiseLinear) UnmarshalJSON(data []byte) error {
	var raw piecewiseLinearJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewPiecewiseLinear(raw.Knots, raw.Values)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Constant returns the same value everywhere.
type Constant float64

func (c Constant) Value(float64) float64 {
	return float64(c)
}

func (c Constant) Name() string {
	return "Constant"
}

// Scaled multiplies another schedule by a fixed factor. It is how the
// per-group batch-size scaling is expressed.
type Scaled struct {
	Schedule Schedule
	Factor   float64
}

func (s Scaled) Value(progress float64) float64 {
	return s.Schedule.Value(progress) * s.Factor
}

func (s Scaled) Name() string {
	return "Scaled(" + s.Schedule.Name() + ")"
}

// PerEpoch converts a step index into epoch progress before evaluating the
// wrapped schedule, so knots can be written in epochs.
type PerEpoch struct {
	Schedule      Schedule
	StepsPerEpoch int
}

func (s PerEpoch) Value(step float64) float64 {
	if s.StepsPerEpoch <= 0 {
		return s.Schedule.Value(step)
	}
	return s.Schedule.Value(step / float64(s.StepsPerEpoch))
}

func (s PerEpoch) Name() string {
	return "PerEpoch(" + s.Schedule.Name() + ")"
}
