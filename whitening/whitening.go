// Package whitening derives a fixed decorrelating convolution from the
// principal components of small image patches.
package whitening

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-dawn/tensor"
)

// DefaultPatchSize is the spatial size of the whitening filters.
const DefaultPatchSize = 3

// chunkRows bounds the number of patches materialised at once while the
// covariance is accumulated.
const chunkRows = 4096

// Transform is the eigen-decomposition of a patch covariance matrix.
// Values are sorted in descending order and column i of Vectors is the
// eigenvector for Values[i]. Features are ordered (channel, row, column),
// matching a convolution weight's [in, kh, kw] layout.
type Transform struct {
	PatchSize int
	Channels  int
	Values    []float64
	Vectors   *mat.Dense
}

// Dim returns the patch feature dimension.
func (t *Transform) Dim() int {
	return t.Channels * t.PatchSize * t.PatchSize
}

// Compute extracts every overlapping size x size patch from an NCHW batch,
// estimates the mean-centred covariance of the flattened patches and
// eigen-decomposes it.
func Compute(batch *tensor.Tensor, size int) (*Transform, error) {
	n, c, h, w, err := batch.NCHW()
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > h || size > w {
		return nil, errors.Errorf("patch size %d invalid for %dx%d images", size, h, w)
	}
	cov, err := Covariance(batch, size)
	if err != nil {
		return nil, err
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, errors.Errorf("eigen-decomposition of %dx%d patch covariance failed (%d images)", cov.SymmetricDim(), cov.SymmetricDim(), n)
	}
	ascending := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	d := len(ascending)
	t := &Transform{
		PatchSize: size,
		Channels:  c,
		Values:    make([]float64, d),
		Vectors:   mat.NewDense(d, d, nil),
	}
	for i := 0; i < d; i++ {
		src := d - 1 - i
		t.Values[i] = ascending[src]
		for r := 0; r < d; r++ {
			t.Vectors.Set(r, i, vecs.At(r, src))
		}
	}
	return t, nil
}

// Covariance returns the unbiased covariance of all size x size patches.
func Covariance(batch *tensor.Tensor, size int) (*mat.SymDense, error) {
	n, c, h, w, err := batch.NCHW()
	if err != nil {
		return nil, err
	}
	d := c * size * size
	ph, pw := h-size+1, w-size+1
	total := n * ph * pw
	if total < 2 {
		return nil, errors.Errorf("need at least two patches, got %d", total)
	}

	sum := make([]float64, d)
	acc := mat.NewSymDense(d, nil)
	buf := make([]float64, chunkRows*d)
	rows := 0
	flush := func() {
		if rows == 0 {
			return
		}
		x := mat.NewDense(rows, d, buf[:rows*d])
		acc.SymRankK(acc, 1, x.T())
		rows = 0
	}

	for img := 0; img < n; img++ {
		for y := 0; y < ph; y++ {
			for x := 0; x < pw; x++ {
				row := buf[rows*d : (rows+1)*d]
				extract(batch, img, y, x, size, row)
				for j, v := range row {
					sum[j] += v
				}
				rows++
				if rows == chunkRows {
					flush()
				}
			}
		}
	}
	flush()

	mean := mat.NewVecDense(d, sum)
	mean.ScaleVec(1/float64(total), mean)
	acc.SymRankOne(acc, -float64(total), mean)
	acc.ScaleSym(1/float64(total-1), acc)
	return acc, nil
}

// extract flattens the patch with top-left corner (y, x) of one image.
func extract(batch *tensor.Tensor, img, y, x, size int, dst []float64) {
	c, h, w := batch.Shape[1], batch.Shape[2], batch.Shape[3]
	k := 0
	for ch := 0; ch < c; ch++ {
		plane := batch.Data[(img*c+ch)*h*w:]
		for dy := 0; dy < size; dy++ {
			rowStart := (y+dy)*w + x
			for dx := 0; dx < size; dx++ {
				dst[k] = float64(plane[rowStart+dx])
				k++
			}
		}
	}
}

// Patches returns every patch of the batch as a row of a dense matrix.
func Patches(batch *tensor.Tensor, size int) (*mat.Dense, error) {
	n, c, h, w, err := batch.NCHW()
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > h || size > w {
		return nil, errors.Errorf("patch size %d invalid for %dx%d images", size, h, w)
	}
	d := c * size * size
	ph, pw := h-size+1, w-size+1
	out := mat.NewDense(n*ph*pw, d, nil)
	r := 0
	for img := 0; img < n; img++ {
		for y := 0; y < ph; y++ {
			for x := 0; x < pw; x++ {
				extract(batch, img, y, x, size, out.RawRowView(r))
				r++
			}
		}
	}
	return out, nil
}

// Filters returns the whitening convolution weights with shape
// [dim, channels, size, size]. Filter i is eigenvector i scaled by
// 1/sqrt(lambda_i + eps).
func (t *Transform) Filters(eps float64) (*tensor.Tensor, error) {
	if eps <= 0 {
		return nil, errors.Errorf("whitening epsilon must be positive, got %v", eps)
	}
	d := t.Dim()
	out, err := tensor.Zeros([]int{d, t.Channels, t.PatchSize, t.PatchSize})
	if err != nil {
		return nil, err
	}
	for i := 0; i < d; i++ {
		scale := 1 / math.Sqrt(math.Max(t.Values[i], 0)+eps)
		for j := 0; j < d; j++ {
			out.Data[i*d+j] = float32(t.Vectors.At(j, i) * scale)
		}
	}
	return out, nil
}
