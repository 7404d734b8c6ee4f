package memory

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/tensor"
)

// Store is an ordered collection of named buffers making up a model's state.
// The trainable model and its shadow copy each own an independent Store;
// the only way state moves between them is an explicit Clone or an EMA update.
type Store struct {
	buffers []*Buffer
	index   map[string]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Add registers a new buffer. Parameter buffers get a zeroed gradient of the
// same shape.
func (s *Store) Add(name string, role Role, value *tensor.Tensor) (*Buffer, error) {
	if name == "" {
		return nil, errors.New("buffer name cannot be empty")
	}
	if value == nil {
		return nil, errors.Errorf("buffer %q has nil value", name)
	}
	if _, exists := s.index[name]; exists {
		return nil, errors.Errorf("duplicate buffer name %q", name)
	}

	b := &Buffer{Name: name, Role: role, Value: value}
	if role == Parameter {
		grad, err := tensor.Zeros(value.Shape)
		if err != nil {
			return nil, errors.Wrapf(err, "allocating gradient for %q", name)
		}
		b.Grad = grad
	}

	s.index[name] = len(s.buffers)
	s.buffers = append(s.buffers, b)
	return b, nil
}

// Get looks a buffer up by name.
func (s *Store) Get(name string) (*Buffer, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.buffers[i], true
}

// Len returns the number of buffers.
func (s *Store) Len() int {
	return len(s.buffers)
}

// Buffers returns every buffer in registration order.
func (s *Store) Buffers() []*Buffer {
	out := make([]*Buffer, len(s.buffers))
	copy(out, s.buffers)
	return out
}

// Trainable returns the Parameter buffers in registration order.
func (s *Store) Trainable() []*Buffer {
	var out []*Buffer
	for _, b := range s.buffers {
		if b.Trainable() {
			out = append(out, b)
		}
	}
	return out
}

// NumParameters counts trainable scalar values.
func (s *Store) NumParameters() int {
	n := 0
	for _, b := range s.buffers {
		if b.Trainable() {
			n += b.Value.NumElems
		}
	}
	return n
}

// ZeroGrad clears every gradient.
func (s *Store) ZeroGrad() {
	for _, b := range s.buffers {
		if b.Grad != nil {
			b.Grad.Zero()
		}
	}
}

// Set overwrites the value of an existing buffer.
func (s *Store) Set(name string, value *tensor.Tensor) error {
	b, ok := s.Get(name)
	if !ok {
		return errors.Errorf("unknown buffer %q", name)
	}
	return errors.Wrapf(b.Value.CopyFrom(value), "setting %q", name)
}

// Clone makes a deep structural copy: same names, roles, shapes and values,
// with fresh storage and zeroed gradients.
func (s *Store) Clone() *Store {
	c := &Store{
		buffers: make([]*Buffer, len(s.buffers)),
		index:   make(map[string]int, len(s.index)),
	}
	for i, b := range s.buffers {
		nb := &Buffer{Name: b.Name, Role: b.Role, Value: b.Value.Clone()}
		if b.Grad != nil {
			nb.Grad = tensor.MustZeros(b.Grad.Shape...)
		}
		c.buffers[i] = nb
		c.index[b.Name] = i
	}
	return c
}

// Compatible checks that other has the same buffers, in the same order, with
// the same shapes.
func (s *Store) Compatible(other *Store) error {
	if len(s.buffers) != len(other.buffers) {
		return errors.Errorf("store size mismatch: %d vs %d buffers", len(s.buffers), len(other.buffers))
	}
	for i, b := range s.buffers {
		o := other.buffers[i]
		if b.Name != o.Name {
			return errors.Errorf("buffer %d name mismatch: %q vs %q", i, b.Name, o.Name)
		}
		if !b.Value.SameShape(o.Value) {
			return errors.Errorf("buffer %q shape mismatch: %v vs %v", b.Name, b.Value.Shape, o.Value.Shape)
		}
	}
	return nil
}
