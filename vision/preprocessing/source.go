package preprocessing

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/training"
	"github.com/tsawler/go-dawn/vision/dataset"
)

// Source feeds a loaded dataset to the training driver. The test split is
// used for validation.
type Source struct {
	data *dataset.CIFAR10
	opts Options
}

// NewSource validates the dataset and options.
func NewSource(data *dataset.CIFAR10, opts Options) (*Source, error) {
	if data == nil {
		return nil, errors.New("no dataset")
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(data.Train.Channels); err != nil {
		return nil, err
	}
	return &Source{data: data, opts: opts}, nil
}

// Describe reports the unpadded image shape and split sizes.
func (s *Source) Describe() training.SourceInfo {
	return training.SourceInfo{
		Channels: s.data.Train.Channels,
		Height:   s.data.Train.Height,
		Width:    s.data.Train.Width,
		TrainLen: s.data.Train.Len(),
		ValidLen: s.data.Test.Len(),
		Classes:  s.data.Classes,
	}
}

// Preprocess normalises both splits and pads the training split.
func (s *Source) Preprocess() (*training.Dataset, error) {
	train, err := PrepareSplit(s.data.Train, s.opts, true)
	if err != nil {
		return nil, errors.Wrap(err, "train split")
	}
	valid, err := PrepareSplit(s.data.Test, s.opts, false)
	if err != nil {
		return nil, errors.Wrap(err, "valid split")
	}
	return &training.Dataset{Train: train, Valid: valid}, nil
}
