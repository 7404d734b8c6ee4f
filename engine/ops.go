package engine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

// ghostBNOp normalises each of `splits` interleaved sub-batches with its own
// statistics in training mode (sample i belongs to split i mod splits) and
// with the running statistics in evaluation mode.
type ghostBNOp struct {
	weight, bias       *memory.Buffer
	runMean, runVar    *memory.Buffer
	splits             int
	eps, momentum      float32

	// training-mode cache from the last forward
	xhat   []float32
	invstd []float32 // [split][channel]
	counts []int     // samples per split
}

func (op *ghostBNOp) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if c != op.bias.Value.NumElems {
		return nil, errors.Errorf("batch norm %s expects %d channels, got %d", op.bias.Name, op.bias.Value.NumElems, c)
	}
	out, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	hw := h * w
	gamma, beta := op.weight.Value.Data, op.bias.Value.Data

	if !training {
		for ch := 0; ch < c; ch++ {
			scale := gamma[ch] / float32(math.Sqrt(float64(op.runVar.Value.Data[ch]+op.eps)))
			shift := beta[ch] - op.runMean.Value.Data[ch]*scale
			for s := 0; s < n; s++ {
				base := (s*c + ch) * hw
				for i := base; i < base+hw; i++ {
					out.Data[i] = x.Data[i]*scale + shift
				}
			}
		}
		return out, nil
	}

	splits := min(op.splits, n)
	op.counts = make([]int, splits)
	for s := 0; s < n; s++ {
		op.counts[s%splits]++
	}
	op.xhat = make([]float32, x.NumElems)
	op.invstd = make([]float32, splits*c)
	meanAvg := make([]float64, c)
	varAvg := make([]float64, c)

	parallelFor(c, func(_, start, end int) {
		for ch := start; ch < end; ch++ {
			for g := 0; g < splits; g++ {
				m := float64(op.counts[g] * hw)
				var sum, sq float64
				for s := g; s < n; s += splits {
					for _, v := range x.Data[(s*c+ch)*hw : (s*c+ch+1)*hw] {
						sum += float64(v)
					}
				}
				mean := sum / m
				for s := g; s < n; s += splits {
					for _, v := range x.Data[(s*c+ch)*hw : (s*c+ch+1)*hw] {
						d := float64(v) - mean
						sq += d * d
					}
				}
				variance := sq / m
				inv := 1 / math.Sqrt(variance+float64(op.eps))
				op.invstd[g*c+ch] = float32(inv)

				meanAvg[ch] += mean
				if m > 1 {
					varAvg[ch] += variance * m / (m - 1)
				} else {
					varAvg[ch] += variance
				}

				for s := g; s < n; s += splits {
					base := (s*c + ch) * hw
					for i := base; i < base+hw; i++ {
						xh := float32((float64(x.Data[i]) - mean) * inv)
						op.xhat[i] = xh
						out.Data[i] = gamma[ch]*xh + beta[ch]
					}
				}
			}
		}
	})

	mom := op.momentum
	for ch := 0; ch < c; ch++ {
		mean := float32(meanAvg[ch] / float64(splits))
		variance := float32(varAvg[ch] / float64(splits))
		op.runMean.Value.Data[ch] = (1-mom)*op.runMean.Value.Data[ch] + mom*mean
		op.runVar.Value.Data[ch] = (1-mom)*op.runVar.Value.Data[ch] + mom*variance
	}
	return out, nil
}

func (op *ghostBNOp) backward(x, dy *tensor.Tensor, training, needInput bool) (*tensor.Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	hw := h * w
	gamma := op.weight.Value.Data
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			var sum float32
			for _, v := range dy.Data[(s*c+ch)*hw : (s*c+ch+1)*hw] {
				sum += v
			}
			op.bias.Grad.Data[ch] += sum
		}
	}
	if !needInput {
		return nil, nil
	}
	dx, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}

	if !training {
		for ch := 0; ch < c; ch++ {
			scale := gamma[ch] / float32(math.Sqrt(float64(op.runVar.Value.Data[ch]+op.eps)))
			for s := 0; s < n; s++ {
				base := (s*c + ch) * hw
				for i := base; i < base+hw; i++ {
					dx.Data[i] = dy.Data[i] * scale
				}
			}
		}
		return dx, nil
	}
	if op.xhat == nil || len(op.xhat) != x.NumElems {
		return nil, errors.Errorf("batch norm %s backward without a matching training forward", op.bias.Name)
	}

	splits := len(op.counts)
	parallelFor(c, func(_, start, end int) {
		for ch := start; ch < end; ch++ {
			for g := 0; g < splits; g++ {
				m := float64(op.counts[g] * hw)
				var sumDy, sumDyXhat float64
				for s := g; s < n; s += splits {
					base := (s*c + ch) * hw
					for i := base; i < base+hw; i++ {
						d := float64(dy.Data[i] * gamma[ch])
						sumDy += d
						sumDyXhat += d * float64(op.xhat[i])
					}
				}
				inv := float64(op.invstd[g*c+ch])
				for s := g; s < n; s += splits {
					base := (s*c + ch) * hw
					for i := base; i < base+hw; i++ {
						d := float64(dy.Data[i] * gamma[ch])
						dx.Data[i] = float32(inv * (d - sumDy/m - float64(op.xhat[i])*sumDyXhat/m))
					}
				}
			}
		}
	})
	return dx, nil
}

// gatedCELUOp computes CELU_alpha(a) * sigmoid(b) where a and b are the
// first and second halves of the channel dimension.
type gatedCELUOp struct {
	alpha float32
}

func (op *gatedCELUOp) celu(v float32) (float32, float32) {
	if v > 0 {
		return v, 1
	}
	e := float32(math.Exp(float64(v / op.alpha)))
	return op.alpha * (e - 1), e
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

func (op *gatedCELUOp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	half := c / 2
	hw := h * w
	out, err := tensor.Zeros([]int{n, half, h, w})
	if err != nil {
		return nil, err
	}
	parallelFor(n, func(_, start, end int) {
		for s := start; s < end; s++ {
			a := x.Data[s*c*hw : (s*c+half)*hw]
			b := x.Data[(s*c+half)*hw : (s+1)*c*hw]
			dst := out.Data[s*half*hw : (s+1)*half*hw]
			for i := range dst {
				v, _ := op.celu(a[i])
				dst[i] = v * sigmoid(b[i])
			}
		}
	})
	return out, nil
}

func (op *gatedCELUOp) backward(x, dy *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	half := c / 2
	hw := h * w
	dx, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	parallelFor(n, func(_, start, end int) {
		for s := start; s < end; s++ {
			a := x.Data[s*c*hw : (s*c+half)*hw]
			b := x.Data[(s*c+half)*hw : (s+1)*c*hw]
			da := dx.Data[s*c*hw : (s*c+half)*hw]
			db := dx.Data[(s*c+half)*hw : (s+1)*c*hw]
			g := dy.Data[s*half*hw : (s+1)*half*hw]
			for i := range g {
				v, dv := op.celu(a[i])
				sg := sigmoid(b[i])
				da[i] = g[i] * sg * dv
				db[i] = g[i] * v * sg * (1 - sg)
			}
		}
	})
	return dx, nil
}

// maxPoolOp is non-overlapping max pooling.
type maxPoolOp struct {
	size   int
	argmax []int32
}

func (op *maxPoolOp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	oh, ow := h/op.size, w/op.size
	out, err := tensor.Zeros([]int{n, c, oh, ow})
	if err != nil {
		return nil, err
	}
	op.argmax = make([]int32, out.NumElems)
	for p := 0; p < n*c; p++ {
		plane := x.Data[p*h*w : (p+1)*h*w]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := (oy*op.size)*w + ox*op.size
				for dy := 0; dy < op.size; dy++ {
					for dx := 0; dx < op.size; dx++ {
						i := (oy*op.size+dy)*w + ox*op.size + dx
						if plane[i] > plane[best] {
							best = i
						}
					}
				}
				o := (p*oh+oy)*ow + ox
				out.Data[o] = plane[best]
				op.argmax[o] = int32(p*h*w + best)
			}
		}
	}
	return out, nil
}

func (op *maxPoolOp) backward(x, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if len(op.argmax) != dy.NumElems {
		return nil, errors.New("max pool backward without a matching forward")
	}
	dx, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	for o, i := range op.argmax {
		dx.Data[i] += dy.Data[o]
	}
	return dx, nil
}

func reluForward(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	out.DType = tensor.Float32
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

func reluBackward(x, dy *tensor.Tensor) *tensor.Tensor {
	dx := dy.Clone()
	for i, v := range x.Data {
		if v <= 0 {
			dx.Data[i] = 0
		}
	}
	return dx
}
