package preprocessing

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/tensor"
	"github.com/tsawler/go-dawn/training"
	"github.com/tsawler/go-dawn/vision/dataset"
)

// Per-channel statistics of the 10-class training images, in 0..255 units.
var (
	CIFAR10Mean = []float32{125.31, 122.95, 113.87}
	CIFAR10Std  = []float32{62.99, 62.09, 66.70}
)

// Options controls how raw images become model input.
type Options struct {
	Mean    []float32
	Std     []float32
	Padding int  // reflect padding applied to the training split only
	Half    bool // store both splits at half precision
	Workers int
}

// DefaultOptions returns the settings used for the 10-class dataset.
func DefaultOptions() Options {
	return Options{
		Mean:    CIFAR10Mean,
		Std:     CIFAR10Std,
		Padding: 4,
		Half:    true,
		Workers: runtime.NumCPU(),
	}
}

// Validate checks the statistics against the channel count.
func (o Options) Validate(channels int) error {
	if len(o.Mean) != channels || len(o.Std) != channels {
		return errors.Errorf("expected %d channel statistics, got %d means and %d stds", channels, len(o.Mean), len(o.Std))
	}
	for c, s := range o.Std {
		if s <= 0 {
			return errors.Errorf("channel %d has non-positive std %f", c, s)
		}
	}
	if o.Padding < 0 {
		return errors.Errorf("padding must be non-negative, got %d", o.Padding)
	}
	return nil
}

// Normalise converts NHWC bytes into an NCHW tensor of (x - mean) / std.
// Images are spread over a pool of workers.
func Normalise(split *dataset.Split, opts Options) (*tensor.Tensor, error) {
	if err := opts.Validate(split.Channels); err != nil {
		return nil, err
	}
	n, h, w, c := split.Len(), split.Height, split.Width, split.Channels
	out, err := tensor.FromNHWC(split.Images, n, h, w, c)
	if err != nil {
		return nil, errors.Wrap(err, "transpose images")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	plane := h * w
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for k := 0; k < workers; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				for ch := 0; ch < c; ch++ {
					mean, inv := opts.Mean[ch], 1/opts.Std[ch]
					data := out.Data[(i*c+ch)*plane : (i*c+ch+1)*plane]
					for j, v := range data {
						data[j] = (v - mean) * inv
					}
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out, nil
}

// PrepareSplit normalises a split and, when pad is set, reflect-pads it.
func PrepareSplit(split *dataset.Split, opts Options, pad bool) (training.Split, error) {
	data, err := Normalise(split, opts)
	if err != nil {
		return training.Split{}, err
	}
	if pad && opts.Padding > 0 {
		if data, err = tensor.PadReflect(data, opts.Padding); err != nil {
			return training.Split{}, errors.Wrap(err, "pad images")
		}
	}
	if opts.Half {
		data.Half()
	}
	targets := make([]int, split.Len())
	copy(targets, split.Labels)
	return training.Split{Data: data, Targets: targets}, nil
}
