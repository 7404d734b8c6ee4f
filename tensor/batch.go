package tensor

import "github.com/pkg/errors"

// Batch kernels operate on whole NCHW batches at once. Per-sample random
// choices (offsets, flip masks, mixing weights) are passed in as slices
// drawn up front, so each kernel is a single pass over the batch.

// Gather selects rows of src along the leading dimension.
func Gather(src *Tensor, indices []int) (*Tensor, error) {
	if len(src.Shape) == 0 {
		return nil, errors.Errorf("cannot gather from scalar tensor")
	}
	if len(indices) == 0 {
		return nil, errors.Errorf("empty gather indices")
	}
	rows := src.Shape[0]
	rowSize := src.NumElems / rows

	shape := make([]int, len(src.Shape))
	copy(shape, src.Shape)
	shape[0] = len(indices)

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	out.DType = src.DType
	for i, idx := range indices {
		if idx < 0 || idx >= rows {
			return nil, errors.Errorf("gather index %d out of range [0, %d)", idx, rows)
		}
		copy(out.Data[i*rowSize:(i+1)*rowSize], src.Data[idx*rowSize:(idx+1)*rowSize])
	}
	return out, nil
}

// Slice copies rows [start, end) of src along the leading dimension.
func Slice(src *Tensor, start, end int) (*Tensor, error) {
	if start < 0 || end > src.Shape[0] || start >= end {
		return nil, errors.Errorf("invalid slice [%d, %d) of %d rows", start, end, src.Shape[0])
	}
	indices := make([]int, end-start)
	for i := range indices {
		indices[i] = start + i
	}
	return Gather(src, indices)
}

// Crop extracts an h x w window from every sample, with the window for
// sample n starting at (top[n], left[n]).
func Crop(src *Tensor, top, left []int, h, w int) (*Tensor, error) {
	n, c, sh, sw, err := src.NCHW()
	if err != nil {
		return nil, err
	}
	if len(top) != n || len(left) != n {
		return nil, errors.Errorf("expected %d crop offsets, got %d/%d", n, len(top), len(left))
	}
	if h > sh || w > sw {
		return nil, errors.Errorf("crop %dx%d larger than input %dx%d", h, w, sh, sw)
	}

	out, err := Zeros([]int{n, c, h, w})
	if err != nil {
		return nil, err
	}
	out.DType = src.DType
	for i := 0; i < n; i++ {
		y0, x0 := top[i], left[i]
		if y0 < 0 || x0 < 0 || y0+h > sh || x0+w > sw {
			return nil, errors.Errorf("crop offset (%d, %d) out of bounds for sample %d", y0, x0, i)
		}
		for ch := 0; ch < c; ch++ {
			srcPlane := src.Data[(i*c+ch)*sh*sw:]
			dstPlane := out.Data[(i*c+ch)*h*w:]
			for y := 0; y < h; y++ {
				copy(dstPlane[y*w:(y+1)*w], srcPlane[(y0+y)*sw+x0:(y0+y)*sw+x0+w])
			}
		}
	}
	return out, nil
}

// CenterCrop removes border pixels from every edge.
func CenterCrop(src *Tensor, border int) (*Tensor, error) {
	n, _, h, w, err := src.NCHW()
	if err != nil {
		return nil, err
	}
	offsets := make([]int, n)
	for i := range offsets {
		offsets[i] = border
	}
	return Crop(src, offsets, offsets, h-2*border, w-2*border)
}

// FlipLR reverses the width axis in place for every sample whose mask entry
// is true. A nil mask flips every sample.
func FlipLR(t *Tensor, mask []bool) error {
	n, c, h, w, err := t.NCHW()
	if err != nil {
		return err
	}
	if mask != nil && len(mask) != n {
		return errors.Errorf("expected %d flip flags, got %d", n, len(mask))
	}
	for i := 0; i < n; i++ {
		if mask != nil && !mask[i] {
			continue
		}
		for ch := 0; ch < c; ch++ {
			plane := t.Data[(i*c+ch)*h*w:]
			for y := 0; y < h; y++ {
				row := plane[y*w : (y+1)*w]
				for a, b := 0, w-1; a < b; a, b = a+1, b-1 {
					row[a], row[b] = row[b], row[a]
				}
			}
		}
	}
	return nil
}

// Cutout zeroes an h x w square in every sample, starting at (top[n], left[n]).
func Cutout(t *Tensor, top, left []int, h, w int) error {
	n, c, th, tw, err := t.NCHW()
	if err != nil {
		return err
	}
	if len(top) != n || len(left) != n {
		return errors.Errorf("expected %d cutout offsets, got %d/%d", n, len(top), len(left))
	}
	for i := 0; i < n; i++ {
		y0, x0 := top[i], left[i]
		if y0 < 0 || x0 < 0 || y0+h > th || x0+w > tw {
			return errors.Errorf("cutout offset (%d, %d) out of bounds for sample %d", y0, x0, i)
		}
		for ch := 0; ch < c; ch++ {
			plane := t.Data[(i*c+ch)*th*tw:]
			for y := y0; y < y0+h; y++ {
				clear(plane[y*tw+x0 : y*tw+x0+w])
			}
		}
	}
	return nil
}

// Mix returns weights[n]*src[n] + (1-weights[n])*src[perm[n]] for every sample.
func Mix(src *Tensor, perm []int, weights []float32) (*Tensor, error) {
	n := src.Shape[0]
	if len(perm) != n || len(weights) != n {
		return nil, errors.Errorf("expected %d permutation entries and weights, got %d/%d", n, len(perm), len(weights))
	}
	rowSize := src.NumElems / n
	out := src.Clone()
	for i := 0; i < n; i++ {
		j := perm[i]
		if j < 0 || j >= n {
			return nil, errors.Errorf("permutation index %d out of range", j)
		}
		wt := weights[i]
		dst := out.Data[i*rowSize : (i+1)*rowSize]
		other := src.Data[j*rowSize : (j+1)*rowSize]
		for k := range dst {
			dst[k] = wt*dst[k] + (1-wt)*other[k]
		}
	}
	if out.DType == Float16 {
		roundHalf(out.Data)
	}
	return out, nil
}

// PadReflect pads the spatial dimensions of every sample by border pixels,
// mirroring the image about its edge (the edge pixel is not repeated).
func PadReflect(src *Tensor, border int) (*Tensor, error) {
	n, c, h, w, err := src.NCHW()
	if err != nil {
		return nil, err
	}
	if border >= h || border >= w {
		return nil, errors.Errorf("reflect border %d must be smaller than image %dx%d", border, h, w)
	}
	ph, pw := h+2*border, w+2*border
	out, err := Zeros([]int{n, c, ph, pw})
	if err != nil {
		return nil, err
	}
	out.DType = src.DType
	for p := 0; p < n*c; p++ {
		srcPlane := src.Data[p*h*w : (p+1)*h*w]
		dstPlane := out.Data[p*ph*pw : (p+1)*ph*pw]
		for y := 0; y < ph; y++ {
			sy := reflectIndex(y-border, h)
			for x := 0; x < pw; x++ {
				dstPlane[y*pw+x] = srcPlane[sy*w+reflectIndex(x-border, w)]
			}
		}
	}
	return out, nil
}

func reflectIndex(i, size int) int {
	if i < 0 {
		return -i
	}
	if i >= size {
		return 2*(size-1) - i
	}
	return i
}

// FromNHWC converts interleaved NHWC bytes into an NCHW float tensor.
func FromNHWC(data []uint8, n, h, w, c int) (*Tensor, error) {
	if len(data) != n*h*w*c {
		return nil, errors.Errorf("expected %d bytes for %dx%dx%dx%d, got %d", n*h*w*c, n, h, w, c, len(data))
	}
	out, err := Zeros([]int{n, c, h, w})
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				base := ((i*h+y)*w + x) * c
				for ch := 0; ch < c; ch++ {
					out.Data[((i*c+ch)*h+y)*w+x] = float32(data[base+ch])
				}
			}
		}
	}
	return out, nil
}
