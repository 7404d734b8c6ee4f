package memory

import (
	"github.com/tsawler/go-dawn/tensor"
)

// Role describes how a buffer participates in training.
type Role int

const (
	// Parameter buffers receive gradients and are updated by the optimizer.
	Parameter Role = iota
	// Statistic buffers are running statistics written by the forward pass
	// in training mode (batch-norm mean and variance).
	Statistic
	// Constant buffers are fixed for the whole run (whitening filters,
	// frozen batch-norm scales).
	Constant
)

func (r Role) String() string {
	switch r {
	case Parameter:
		return "parameter"
	case Statistic:
		return "statistic"
	case Constant:
		return "constant"
	default:
		return "unknown"
	}
}

// Buffer is a named device-resident tensor owned by a Store.
type Buffer struct {
	Name  string
	Role  Role
	Value *tensor.Tensor
	Grad  *tensor.Tensor // nil unless Role == Parameter
}

// Trainable reports whether the buffer is updated by the optimizer.
func (b *Buffer) Trainable() bool {
	return b.Role == Parameter
}
