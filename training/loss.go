package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/tensor"
)

// LossResult holds the output of a loss evaluation.
type LossResult struct {
	Sum     float64        // summed over the batch
	Grad    *tensor.Tensor // d(Sum)/d(logits)
	Correct int            // argmax matches against the first target list
}

// MixupCrossEntropy computes sum_k sum_n w_k[n] * CE(logits[n], t_k[n]).
// With a single target list of unit weights this is plain summed
// cross-entropy.
func MixupCrossEntropy(logits *tensor.Tensor, targets [][]int, weights [][]float32) (*LossResult, error) {
	if len(logits.Shape) != 2 {
		return nil, errors.Errorf("expected [N, classes] logits, got shape %v", logits.Shape)
	}
	if len(targets) == 0 || len(targets) != len(weights) {
		return nil, errors.Errorf("need matching target and weight lists, got %d/%d", len(targets), len(weights))
	}
	n, k := logits.Shape[0], logits.Shape[1]
	for i := range targets {
		if len(targets[i]) != n || len(weights[i]) != n {
			return nil, errors.Errorf("target list %d has %d labels and %d weights for %d examples", i, len(targets[i]), len(weights[i]), n)
		}
	}

	logp, err := tensor.LogSoftmaxRows(logits)
	if err != nil {
		return nil, err
	}
	grad, err := tensor.Zeros(logits.Shape)
	if err != nil {
		return nil, err
	}
	preds, err := logits.ArgmaxRows()
	if err != nil {
		return nil, err
	}

	res := &LossResult{Grad: grad}
	for row := 0; row < n; row++ {
		lp := logp.Data[row*k : (row+1)*k]
		g := grad.Data[row*k : (row+1)*k]
		var total float32
		for list := range targets {
			t := targets[list][row]
			if t < 0 || t >= k {
				return nil, errors.Errorf("label %d out of range for %d classes", t, k)
			}
			w := weights[list][row]
			res.Sum -= float64(w) * float64(lp[t])
			g[t] -= w
			total += w
		}
		for j := range g {
			g[j] += total * float32(math.Exp(float64(lp[j])))
		}
		if preds[row] == targets[0][row] {
			res.Correct++
		}
	}
	return res, nil
}

// ProbabilityLoss scores averaged class probabilities against labels. It
// returns the summed negative log-likelihood and the number of correct
// argmax predictions.
func ProbabilityLoss(probs *tensor.Tensor, targets []int) (float64, int, error) {
	if len(probs.Shape) != 2 || probs.Shape[0] != len(targets) {
		return 0, 0, errors.Errorf("probabilities %v do not match %d targets", probs.Shape, len(targets))
	}
	k := probs.Shape[1]
	preds, err := probs.ArgmaxRows()
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	correct := 0
	for i, t := range targets {
		if t < 0 || t >= k {
			return 0, 0, errors.Errorf("label %d out of range for %d classes", t, k)
		}
		p := math.Max(float64(probs.Data[i*k+t]), 1e-12)
		sum -= math.Log(p)
		if preds[i] == t {
			correct++
		}
	}
	return sum, correct, nil
}
