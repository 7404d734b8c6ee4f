package dataset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ImageSize is the side length of every image.
	ImageSize = 32
	// Channels is the number of colour planes per image.
	Channels = 3
	// NumClasses is the number of labels.
	NumClasses = 10

	imageBytes = ImageSize * ImageSize * Channels
	recordSize = 1 + imageBytes
)

// ClassNames lists the labels in index order.
var ClassNames = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// Split holds raw images in NHWC byte order with one label per image.
type Split struct {
	Images   []uint8
	Labels   []int
	Height   int
	Width    int
	Channels int
}

// Len returns the number of images.
func (s *Split) Len() int {
	return len(s.Labels)
}

// Validate checks that the pixel buffer and labels line up and that every
// label is below classes.
func (s *Split) Validate(classes int) error {
	if s.Height <= 0 || s.Width <= 0 || s.Channels <= 0 {
		return errors.Errorf("invalid image shape %dx%dx%d", s.Height, s.Width, s.Channels)
	}
	per := s.Height * s.Width * s.Channels
	if len(s.Images) != len(s.Labels)*per {
		return errors.Errorf("expected %d pixel bytes for %d images, got %d", len(s.Labels)*per, len(s.Labels), len(s.Images))
	}
	for i, label := range s.Labels {
		if label < 0 || label >= classes {
			return errors.Errorf("image %d has label %d outside [0, %d)", i, label, classes)
		}
	}
	return nil
}

// Image returns the NHWC bytes of image i.
func (s *Split) Image(i int) []uint8 {
	per := s.Height * s.Width * s.Channels
	return s.Images[i*per : (i+1)*per]
}

// ClassDistribution returns the number of images per label.
func (s *Split) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, label := range s.Labels {
		dist[label]++
	}
	return dist
}

// Subset copies the images at the given indices into a new split.
func (s *Split) Subset(indices []int) *Split {
	per := s.Height * s.Width * s.Channels
	out := &Split{
		Images:   make([]uint8, 0, len(indices)*per),
		Labels:   make([]int, len(indices)),
		Height:   s.Height,
		Width:    s.Width,
		Channels: s.Channels,
	}
	for i, idx := range indices {
		out.Images = append(out.Images, s.Image(idx)...)
		out.Labels[i] = s.Labels[idx]
	}
	return out
}

func concat(parts []*Split) *Split {
	out := &Split{Height: ImageSize, Width: ImageSize, Channels: Channels}
	for _, p := range parts {
		out.Images = append(out.Images, p.Images...)
		out.Labels = append(out.Labels, p.Labels...)
	}
	return out
}

// CIFAR10 is the 10-class 32x32 colour image dataset: 50000 training images
// and 10000 test images when loaded from the published archive.
type CIFAR10 struct {
	Train *Split
	Test  *Split
	// Classes is the number of labels; synthetic datasets may use fewer.
	Classes int
}

// Validate checks both splits.
func (d *CIFAR10) Validate() error {
	if d.Train == nil || d.Test == nil {
		return errors.New("dataset is missing a split")
	}
	if err := d.Train.Validate(d.Classes); err != nil {
		return errors.Wrap(err, "train split")
	}
	if err := d.Test.Validate(d.Classes); err != nil {
		return errors.Wrap(err, "test split")
	}
	if d.Train.Height != d.Test.Height || d.Train.Width != d.Test.Width || d.Train.Channels != d.Test.Channels {
		return errors.New("train and test images differ in shape")
	}
	return nil
}

// Summary returns a one-line description of the dataset.
func (d *CIFAR10) Summary() string {
	return fmt.Sprintf("CIFAR-10: %d train / %d test images, %dx%dx%d, %d classes",
		d.Train.Len(), d.Test.Len(), d.Train.Height, d.Train.Width, d.Train.Channels, d.Classes)
}

// String lists the per-class counts of the training split.
func (d *CIFAR10) String() string {
	var sb strings.Builder
	sb.WriteString(d.Summary())
	sb.WriteString("\nTrain class distribution:\n")
	dist := d.Train.ClassDistribution()
	labels := make([]int, 0, len(dist))
	for label := range dist {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	for _, label := range labels {
		name := fmt.Sprintf("class_%d", label)
		if label < len(ClassNames) && d.Classes == NumClasses {
			name = ClassNames[label]
		}
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", name, dist[label]))
	}
	return sb.String()
}
