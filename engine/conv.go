package engine

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

// convOp is a stride-1 2D convolution computed as im2col followed by a
// GEMM per sample.
type convOp struct {
	weight  *memory.Buffer
	bias    *memory.Buffer // optional
	kernel  int
	padding int
}

type convGeom struct {
	n, ci, h, w int
	co, oh, ow  int
	k, pad      int
}

func (g convGeom) colRows() int { return g.ci * g.k * g.k }
func (g convGeom) colCols() int { return g.oh * g.ow }

func (op *convOp) geometry(x *tensor.Tensor) (convGeom, error) {
	n, ci, h, w, err := x.NCHW()
	if err != nil {
		return convGeom{}, err
	}
	ws := op.weight.Value.Shape
	if ws[1] != ci {
		return convGeom{}, errors.Errorf("convolution %s expects %d input channels, got %d", op.weight.Name, ws[1], ci)
	}
	return convGeom{
		n: n, ci: ci, h: h, w: w,
		co: ws[0],
		oh: h + 2*op.padding - op.kernel + 1,
		ow: w + 2*op.padding - op.kernel + 1,
		k:  op.kernel, pad: op.padding,
	}, nil
}

// im2col writes the [ci*k*k, oh*ow] patch matrix of one sample.
func im2col(x []float32, g convGeom, cols []float32) {
	p := g.colCols()
	for c := 0; c < g.ci; c++ {
		plane := x[c*g.h*g.w : (c+1)*g.h*g.w]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := cols[((c*g.k+ky)*g.k+kx)*p:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy + ky - g.pad
					dst := row[oy*g.ow : (oy+1)*g.ow]
					if iy < 0 || iy >= g.h {
						clear(dst)
						continue
					}
					src := plane[iy*g.w:]
					for ox := range dst {
						ix := ox + kx - g.pad
						if ix < 0 || ix >= g.w {
							dst[ox] = 0
						} else {
							dst[ox] = src[ix]
						}
					}
				}
			}
		}
	}
}

// col2im accumulates a patch-matrix gradient back into one sample.
func col2im(cols []float32, g convGeom, dx []float32) {
	p := g.colCols()
	for c := 0; c < g.ci; c++ {
		plane := dx[c*g.h*g.w : (c+1)*g.h*g.w]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := cols[((c*g.k+ky)*g.k+kx)*p:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy + ky - g.pad
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox + kx - g.pad
						if ix >= 0 && ix < g.w {
							plane[iy*g.w+ix] += row[oy*g.ow+ox]
						}
					}
				}
			}
		}
	}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func (op *convOp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := op.geometry(x)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Zeros([]int{g.n, g.co, g.oh, g.ow})
	if err != nil {
		return nil, err
	}
	kr, p := g.colRows(), g.colCols()
	wmat := general(g.co, kr, op.weight.Value.Data)
	inSize, outSize := g.ci*g.h*g.w, g.co*p

	scratch := memory.GlobalScratch()
	parallelFor(g.n, func(_, start, end int) {
		cols := scratch.Get(kr * p)
		defer scratch.Put(cols)
		for s := start; s < end; s++ {
			im2col(x.Data[s*inSize:(s+1)*inSize], g, cols)
			dst := out.Data[s*outSize : (s+1)*outSize]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wmat, general(kr, p, cols), 0, general(g.co, p, dst))
			if op.bias != nil {
				for c := 0; c < g.co; c++ {
					b := op.bias.Value.Data[c]
					row := dst[c*p : (c+1)*p]
					for i := range row {
						row[i] += b
					}
				}
			}
		}
	})
	return out, nil
}

// backward accumulates weight and bias gradients (when the weight is
// trainable) and returns the input gradient when needInput is set.
func (op *convOp) backward(x, dy *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	g, err := op.geometry(x)
	if err != nil {
		return nil, err
	}
	kr, p := g.colRows(), g.colCols()
	inSize, outSize := g.ci*g.h*g.w, g.co*p
	wmat := general(g.co, kr, op.weight.Value.Data)
	trainWeight := op.weight.Grad != nil

	var dx *tensor.Tensor
	if needInput {
		if dx, err = tensor.Zeros(x.Shape); err != nil {
			return nil, err
		}
	}
	if !trainWeight && !needInput {
		return nil, nil
	}

	workers := numWorkers(g.n)
	dws := make([][]float32, workers)
	scratch := memory.GlobalScratch()
	parallelFor(g.n, func(worker, start, end int) {
		cols := scratch.Get(kr * p)
		defer scratch.Put(cols)
		var dw []float32
		if trainWeight {
			dw = make([]float32, g.co*kr)
			dws[worker] = dw
		}
		var dcols []float32
		if needInput {
			dcols = scratch.Get(kr * p)
			defer scratch.Put(dcols)
		}
		for s := start; s < end; s++ {
			dys := general(g.co, p, dy.Data[s*outSize:(s+1)*outSize])
			if trainWeight {
				im2col(x.Data[s*inSize:(s+1)*inSize], g, cols)
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, dys, general(kr, p, cols), 1, general(g.co, kr, dw))
			}
			if needInput {
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, wmat, dys, 0, general(kr, p, dcols))
				col2im(dcols, g, dx.Data[s*inSize:(s+1)*inSize])
			}
		}
	})

	if trainWeight {
		grad := op.weight.Grad.Data
		for _, dw := range dws {
			for i, v := range dw {
				grad[i] += v
			}
		}
	}
	if op.bias != nil {
		grad := op.bias.Grad.Data
		for s := 0; s < g.n; s++ {
			for c := 0; c < g.co; c++ {
				var sum float32
				for _, v := range dy.Data[s*outSize+c*p : s*outSize+(c+1)*p] {
					sum += v
				}
				grad[c] += sum
			}
		}
	}
	return dx, nil
}

// denseOp is y = x W^T (+ b) with W stored as [out, in].
type denseOp struct {
	weight *memory.Buffer
	bias   *memory.Buffer
}

func (op *denseOp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != op.weight.Value.Shape[1] {
		return nil, errors.Errorf("dense %s expects [N, %d] input, got %v", op.weight.Name, op.weight.Value.Shape[1], x.Shape)
	}
	n, in := x.Shape[0], x.Shape[1]
	units := op.weight.Value.Shape[0]
	out, err := tensor.Zeros([]int{n, units})
	if err != nil {
		return nil, err
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(n, in, x.Data), general(units, in, op.weight.Value.Data), 0, general(n, units, out.Data))
	if op.bias != nil {
		for i := 0; i < n; i++ {
			row := out.Data[i*units : (i+1)*units]
			for j := range row {
				row[j] += op.bias.Value.Data[j]
			}
		}
	}
	return out, nil
}

func (op *denseOp) backward(x, dy *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	n, in := x.Shape[0], x.Shape[1]
	units := op.weight.Value.Shape[0]
	dys := general(n, units, dy.Data)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, dys, general(n, in, x.Data), 1, general(units, in, op.weight.Grad.Data))
	if op.bias != nil {
		for i := 0; i < n; i++ {
			for j := 0; j < units; j++ {
				op.bias.Grad.Data[j] += dy.Data[i*units+j]
			}
		}
	}
	if !needInput {
		return nil, nil
	}
	dx, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dys, general(units, in, op.weight.Value.Data), 0, general(n, in, dx.Data))
	return dx, nil
}
