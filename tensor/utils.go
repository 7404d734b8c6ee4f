package tensor

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Reshape returns a tensor sharing t's data with a new shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, errors.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, errors.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / known
		known *= shape[negOneIdx]
	}

	if known != t.NumElems {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, known)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Shape:    make([]int, len(t.Shape)),
		Strides:  make([]int, len(t.Strides)),
		DType:    t.DType,
		Device:   t.Device,
		Data:     make([]float32, len(t.Data)),
		NumElems: t.NumElems,
	}
	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)
	copy(clone.Data, t.Data)
	return clone
}

// CopyFrom overwrites t's values with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return errors.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	if t.DType == Float16 {
		roundHalf(t.Data)
	}
	return nil
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Zero sets every element to zero.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// Scale multiplies every element by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	for i := range t.Data {
		t.Data[i] *= alpha
	}
}

// AddScaled computes t += alpha * x in place.
func (t *Tensor) AddScaled(alpha float32, x *Tensor) error {
	if !t.SameShape(x) {
		return errors.Errorf("shape mismatch: %v vs %v", t.Shape, x.Shape)
	}
	for i, v := range x.Data {
		t.Data[i] += alpha * v
	}
	if t.DType == Float16 {
		roundHalf(t.Data)
	}
	return nil
}

// Lerp computes t = rho*t + (1-rho)*x in place.
func (t *Tensor) Lerp(x *Tensor, rho float32) error {
	if !t.SameShape(x) {
		return errors.Errorf("shape mismatch: %v vs %v", t.Shape, x.Shape)
	}
	for i, v := range x.Data {
		t.Data[i] = rho*t.Data[i] + (1-rho)*v
	}
	if t.DType == Float16 {
		roundHalf(t.Data)
	}
	return nil
}

// Sum returns the sum of all elements accumulated in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// ArgmaxRows returns, for a [N, K] tensor, the column of the maximum in each row.
func (t *Tensor) ArgmaxRows() ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("expected 2D tensor, got shape %v", t.Shape)
	}
	n, k := t.Shape[0], t.Shape[1]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := t.Data[i*k : (i+1)*k]
		best := 0
		for j := 1; j < k; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}

// Half switches t to half-precision storage, rounding every element to the
// nearest representable float16 value. Subsequent CopyFrom calls keep the
// rounding.
func (t *Tensor) Half() *Tensor {
	t.DType = Float16
	roundHalf(t.Data)
	return t
}

// RoundHalf rounds a single value through float16.
func RoundHalf(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

func roundHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}
