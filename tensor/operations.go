package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// SoftmaxRows applies a numerically stable softmax to each row of a [N, K] tensor.
func SoftmaxRows(logits *Tensor) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, errors.Errorf("softmax expects 2D tensor, got shape %v", logits.Shape)
	}
	n, k := logits.Shape[0], logits.Shape[1]
	out := logits.Clone()
	out.DType = Float32
	for i := 0; i < n; i++ {
		row := out.Data[i*k : (i+1)*k]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			row[j] = float32(e)
			sum += e
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / sum)
		}
	}
	return out, nil
}

// LogSoftmaxRows returns log(softmax(row)) for each row of a [N, K] tensor.
func LogSoftmaxRows(logits *Tensor) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, errors.Errorf("log-softmax expects 2D tensor, got shape %v", logits.Shape)
	}
	n, k := logits.Shape[0], logits.Shape[1]
	out := logits.Clone()
	out.DType = Float32
	for i := 0; i < n; i++ {
		row := out.Data[i*k : (i+1)*k]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxVal))
		}
		logSum := float32(math.Log(sum)) + maxVal
		for j := range row {
			row[j] -= logSum
		}
	}
	return out, nil
}
