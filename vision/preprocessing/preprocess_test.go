package preprocessing

import (
	"math"
	"testing"

	"github.com/tsawler/go-dawn/tensor"
	"github.com/tsawler/go-dawn/training"
	"github.com/tsawler/go-dawn/vision/dataset"
)

func smallDataset(t *testing.T) *dataset.CIFAR10 {
	t.Helper()
	data, err := dataset.Synthetic(dataset.SyntheticConfig{TrainSize: 4, TestSize: 3, ImageSize: 6, Classes: 2, Noise: 10, Seed: 5})
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	return data
}

func TestNormalise(t *testing.T) {
	data := smallDataset(t)
	opts := DefaultOptions()
	opts.Workers = 3
	out, err := Normalise(data.Train, opts)
	if err != nil {
		t.Fatalf("Normalise failed: %v", err)
	}
	if len(out.Shape) != 4 || out.Shape[0] != 4 || out.Shape[1] != 3 || out.Shape[2] != 6 || out.Shape[3] != 6 {
		t.Fatalf("Expected shape [4 3 6 6], got %v", out.Shape)
	}
	// image 2, channel 1, row 4, column 5
	raw := data.Train.Image(2)[(4*6+5)*3+1]
	expected := (float32(raw) - CIFAR10Mean[1]) / CIFAR10Std[1]
	got := out.Data[((2*3+1)*6+4)*6+5]
	if math.Abs(float64(got-expected)) > 1e-5 {
		t.Errorf("Expected %f, got %f", expected, got)
	}

	opts.Mean = []float32{0}
	if _, err := Normalise(data.Train, opts); err == nil {
		t.Error("Expected error for mismatched statistics")
	}
}

func TestPrepareSplit(t *testing.T) {
	data := smallDataset(t)
	opts := DefaultOptions()
	opts.Padding = 2
	padded, err := PrepareSplit(data.Train, opts, true)
	if err != nil {
		t.Fatalf("PrepareSplit failed: %v", err)
	}
	if padded.Data.Shape[2] != 10 || padded.Data.Shape[3] != 10 {
		t.Errorf("Expected 10x10 padded images, got %v", padded.Data.Shape)
	}
	if padded.Data.DType != tensor.Float16 {
		t.Errorf("Expected half-precision storage, got %s", padded.Data.DType)
	}
	for _, v := range padded.Data.Data[:20] {
		if v != tensor.RoundHalf(v) {
			t.Fatalf("Value %f is not representable at half precision", v)
		}
	}
	if err := padded.Validate(); err != nil {
		t.Errorf("Prepared split invalid: %v", err)
	}

	// the center crop of the padded split is the unpadded split
	opts.Half = false
	plain, _ := PrepareSplit(data.Train, opts, false)
	full, _ := PrepareSplit(data.Train, opts, true)
	cropped, err := tensor.CenterCrop(full.Data, 2)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	for i := range plain.Data.Data {
		if cropped.Data[i] != plain.Data.Data[i] {
			t.Fatalf("Element %d: expected %f, got %f", i, plain.Data.Data[i], cropped.Data[i])
		}
	}

	opts.Padding = 6
	if _, err := PrepareSplit(data.Train, opts, true); err == nil {
		t.Error("Expected error when the border reaches the image size")
	}
}

func TestSource(t *testing.T) {
	data := smallDataset(t)
	opts := DefaultOptions()
	opts.Padding = 1
	source, err := NewSource(data, opts)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	var _ training.DataSource = source

	info := source.Describe()
	expected := training.SourceInfo{Channels: 3, Height: 6, Width: 6, TrainLen: 4, ValidLen: 3, Classes: 2}
	if info != expected {
		t.Errorf("Expected %+v, got %+v", expected, info)
	}
	ds, err := source.Preprocess()
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if ds.Train.Data.Shape[2] != 8 || ds.Valid.Data.Shape[2] != 6 {
		t.Errorf("Expected only the training split padded, got %v and %v", ds.Train.Data.Shape, ds.Valid.Data.Shape)
	}
	if ds.Valid.Len() != 3 || ds.Valid.Targets[0] != data.Test.Labels[0] {
		t.Error("Validation targets not copied from the test split")
	}

	if _, err := NewSource(nil, opts); err == nil {
		t.Error("Expected error without a dataset")
	}
	opts.Std = []float32{1, 0, 1}
	if _, err := NewSource(data, opts); err == nil {
		t.Error("Expected error for a zero std")
	}
}
