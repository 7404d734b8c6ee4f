package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/memory"
)

// EMA maintains a shadow copy of a model's store. Parameters and running
// statistics are smoothed together so the shadow can be evaluated on its own.
type EMA struct {
	shadow     *memory.Store
	momentum   float64
	updateFreq int
	rho        float32
}

// NewEMA clones source into a fresh shadow store. Each update uses
// momentum^updateFreq so the smoothing horizon in steps does not depend on
// how often updates run.
func NewEMA(source *memory.Store, momentum float64, updateFreq int) (*EMA, error) {
	if momentum < 0 || momentum > 1 {
		return nil, errors.Errorf("EMA momentum must be in [0, 1], got %v", momentum)
	}
	if updateFreq < 1 {
		return nil, errors.Errorf("EMA update frequency must be positive, got %d", updateFreq)
	}
	return &EMA{
		shadow:     source.Clone(),
		momentum:   momentum,
		updateFreq: updateFreq,
		rho:        float32(math.Pow(momentum, float64(updateFreq))),
	}, nil
}

// Shadow returns the shadow store.
func (e *EMA) Shadow() *memory.Store {
	return e.shadow
}

// Rho is the per-update smoothing factor.
func (e *EMA) Rho() float32 {
	return e.rho
}

// MaybeUpdate blends source into the shadow when the step is a multiple of
// the update frequency. It reports whether an update happened.
func (e *EMA) MaybeUpdate(state *StepState, source *memory.Store) (bool, error) {
	if state.Step%e.updateFreq != 0 {
		return false, nil
	}
	return true, e.blend(source, e.rho)
}

// Sync copies source into the shadow exactly.
func (e *EMA) Sync(source *memory.Store) error {
	return e.blend(source, 0)
}

func (e *EMA) blend(source *memory.Store, rho float32) error {
	if err := e.shadow.Compatible(source); err != nil {
		return errors.Wrap(err, "EMA source does not match shadow")
	}
	src := source.Buffers()
	for i, b := range e.shadow.Buffers() {
		if b.Role == memory.Constant {
			continue
		}
		if rho == 0 {
			if err := b.Value.CopyFrom(src[i].Value); err != nil {
				return err
			}
			continue
		}
		if err := b.Value.Lerp(src[i].Value, rho); err != nil {
			return errors.Wrapf(err, "blending %q", b.Name)
		}
	}
	return nil
}
