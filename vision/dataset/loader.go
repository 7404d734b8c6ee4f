package dataset

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npz"
)

const (
	// DefaultURL is the published location of the binary archive.
	DefaultURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	// CacheFile is the name of the decoded cache kept in the data directory.
	CacheFile = "cifar10.npz"

	archiveFile = "cifar-10-binary.tar.gz"
)

// Loader fetches the dataset into Dir on first use and serves later loads
// from the npz cache.
type Loader struct {
	Dir    string
	URL    string
	Client *http.Client
}

// NewLoader returns a loader for the published archive.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir, URL: DefaultURL, Client: http.DefaultClient}
}

// CachePath returns the location of the npz cache.
func (l *Loader) CachePath() string {
	return filepath.Join(l.Dir, CacheFile)
}

// Load returns the dataset, reading the cache if present and otherwise
// downloading and decoding the archive and writing the cache.
func (l *Loader) Load(ctx context.Context) (*CIFAR10, error) {
	cache := l.CachePath()
	if _, err := os.Stat(cache); err == nil {
		log.Printf("Loading dataset from %s", cache)
		return ReadNPZ(cache)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	archive := filepath.Join(l.Dir, archiveFile)
	if _, err := os.Stat(archive); os.IsNotExist(err) {
		url := l.URL
		if url == "" {
			url = DefaultURL
		}
		log.Printf("Downloading %s", url)
		if err := Download(ctx, l.Client, url, archive); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(archive)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	defer f.Close()
	data, err := ParseArchive(f)
	if err != nil {
		return nil, err
	}
	if err := WriteNPZ(cache, data); err != nil {
		return nil, err
	}
	log.Printf("Cached %s", data.Summary())
	return data, nil
}

// Download fetches url into dest. The file only appears at dest once the
// transfer has completed.
func Download(ctx context.Context, client *http.Client, url, dest string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return errors.Wrap(err, "create download file")
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close download file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), dest), "move download into place")
}

// WriteNPZ stores the dataset as x_train, y_train, x_test, y_test and a
// shape record (height, width, channels, classes).
func WriteNPZ(path string, d *CIFAR10) error {
	if err := d.Validate(); err != nil {
		return err
	}
	w, err := npz.Create(path)
	if err != nil {
		return errors.Wrap(err, "create npz cache")
	}
	shape := []int64{int64(d.Train.Height), int64(d.Train.Width), int64(d.Train.Channels), int64(d.Classes)}
	entries := []struct {
		name  string
		value interface{}
	}{
		{"shape.npy", shape},
		{"x_train.npy", d.Train.Images},
		{"y_train.npy", labelBytes(d.Train.Labels)},
		{"x_test.npy", d.Test.Images},
		{"y_test.npy", labelBytes(d.Test.Labels)},
	}
	for _, e := range entries {
		if err := w.Write(e.name, e.value); err != nil {
			w.Close()
			return errors.Wrapf(err, "write %s", e.name)
		}
	}
	return errors.Wrap(w.Close(), "close npz cache")
}

// ReadNPZ loads a dataset written by WriteNPZ.
func ReadNPZ(path string) (*CIFAR10, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open npz cache")
	}
	defer r.Close()

	var shape []int64
	if err := r.Read("shape.npy", &shape); err != nil {
		return nil, errors.Wrap(err, "read shape.npy")
	}
	if len(shape) != 4 {
		return nil, errors.Errorf("shape record has %d entries, expected 4", len(shape))
	}
	h, w, c := int(shape[0]), int(shape[1]), int(shape[2])

	read := func(images, labels string) (*Split, error) {
		var x, y []uint8
		if err := r.Read(images, &x); err != nil {
			return nil, errors.Wrapf(err, "read %s", images)
		}
		if err := r.Read(labels, &y); err != nil {
			return nil, errors.Wrapf(err, "read %s", labels)
		}
		split := &Split{Images: x, Labels: make([]int, len(y)), Height: h, Width: w, Channels: c}
		for i, v := range y {
			split.Labels[i] = int(v)
		}
		return split, nil
	}

	train, err := read("x_train.npy", "y_train.npy")
	if err != nil {
		return nil, err
	}
	test, err := read("x_test.npy", "y_test.npy")
	if err != nil {
		return nil, err
	}
	d := &CIFAR10{Train: train, Test: test, Classes: int(shape[3])}
	if err := d.Validate(); err != nil {
		return nil, errors.Wrap(err, "npz cache")
	}
	return d, nil
}

func labelBytes(labels []int) []uint8 {
	out := make([]uint8, len(labels))
	for i, l := range labels {
		out[i] = uint8(l)
	}
	return out
}
