package training

import (
	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

// Model is a classifier whose state lives entirely in a memory.Store.
// Forward maps an NCHW batch to [N, classes] logits. Backward takes the
// gradient of the loss with respect to the last logits and accumulates
// parameter gradients into the store.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradLogits *tensor.Tensor) error
	SetTraining(training bool)
	Store() *memory.Store
}

// ModelBuilder constructs models for the driver.
type ModelBuilder interface {
	// Build allocates and initialises a fresh store with the given fixed
	// whitening filters installed, and returns a model over it.
	Build(whitening *tensor.Tensor) (Model, error)

	// Bind returns a model that runs on an existing store. The EMA shadow
	// model is created this way.
	Bind(store *memory.Store) (Model, error)
}

// StepState is the run-wide step counter. It is owned by the driver and
// passed explicitly to the optimizer and the EMA maintainer.
type StepState struct {
	Step int
}

// Advance increments the counter after a training batch.
func (s *StepState) Advance() {
	s.Step++
}
