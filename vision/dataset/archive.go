package dataset

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"path"

	"github.com/pkg/errors"
)

const (
	trainBatches = 5
	testBatch    = "test_batch.bin"
)

// ParseBatch decodes one binary batch file. Each record is a label byte
// followed by the red, green and blue planes of a 32x32 image; the planes are
// interleaved into NHWC order.
func ParseBatch(r io.Reader) (*Split, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read batch")
	}
	if len(raw) == 0 || len(raw)%recordSize != 0 {
		return nil, errors.Errorf("batch of %d bytes is not a whole number of %d-byte records", len(raw), recordSize)
	}
	n := len(raw) / recordSize
	split := &Split{
		Images:   make([]uint8, n*imageBytes),
		Labels:   make([]int, n),
		Height:   ImageSize,
		Width:    ImageSize,
		Channels: Channels,
	}
	const plane = ImageSize * ImageSize
	for i := 0; i < n; i++ {
		record := raw[i*recordSize : (i+1)*recordSize]
		label := int(record[0])
		if label >= NumClasses {
			return nil, errors.Errorf("record %d has label %d", i, label)
		}
		split.Labels[i] = label
		pixels := record[1:]
		dst := split.Images[i*imageBytes : (i+1)*imageBytes]
		for p := 0; p < plane; p++ {
			for c := 0; c < Channels; c++ {
				dst[p*Channels+c] = pixels[c*plane+p]
			}
		}
	}
	return split, nil
}

// ParseArchive reads the gzipped tarball of binary batches. The five
// training batches are concatenated in order.
func ParseArchive(r io.Reader) (*CIFAR10, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "open gzip stream")
	}
	defer gz.Close()

	train := make([]*Split, trainBatches)
	var test *Split
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read archive")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(hdr.Name)
		slot := -1
		switch {
		case name == testBatch:
		case len(name) == len("data_batch_1.bin") && name[:11] == "data_batch_" && path.Ext(name) == ".bin":
			slot = int(name[11] - '1')
			if slot < 0 || slot >= trainBatches {
				continue
			}
		default:
			continue
		}
		split, err := ParseBatch(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", name)
		}
		if slot < 0 {
			test = split
		} else {
			train[slot] = split
		}
	}

	for i, s := range train {
		if s == nil {
			return nil, errors.Errorf("archive is missing data_batch_%d.bin", i+1)
		}
	}
	if test == nil {
		return nil, errors.Errorf("archive is missing %s", testBatch)
	}
	return &CIFAR10{Train: concat(train), Test: test, Classes: NumClasses}, nil
}
