package training

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

// ParamGroup is a set of parameters sharing one set of hyperparameter
// schedules. Schedules are evaluated at the raw step index; wrap them in
// PerEpoch to express knots in epochs.
type ParamGroup struct {
	Name        string
	Params      []*memory.Buffer
	LR          Schedule
	WeightDecay Schedule
	Momentum    Schedule
}

type groupState struct {
	ParamGroup
	velocity []*tensor.Tensor
}

// GroupedSGD is momentum SGD with weight decay folded into the gradient,
// run independently per parameter group:
//
//	g' = g + wd*p
//	v  = m*v + g'
//	p  = p - lr*v
type GroupedSGD struct {
	groups []*groupState
}

// NewGroupedSGD validates that groups partition the store's trainable
// parameters (every one appears in exactly one group) and allocates zeroed
// momentum buffers.
func NewGroupedSGD(store *memory.Store, groups ...ParamGroup) (*GroupedSGD, error) {
	owner := make(map[string]string)
	opt := &GroupedSGD{}
	for _, g := range groups {
		if g.LR == nil || g.WeightDecay == nil || g.Momentum == nil {
			return nil, errors.Errorf("group %q is missing a schedule", g.Name)
		}
		gs := &groupState{ParamGroup: g}
		for _, p := range g.Params {
			if !p.Trainable() {
				return nil, errors.Errorf("group %q: buffer %q is not trainable", g.Name, p.Name)
			}
			if prev, dup := owner[p.Name]; dup {
				return nil, errors.Errorf("parameter %q is in both group %q and group %q", p.Name, prev, g.Name)
			}
			owned, ok := store.Get(p.Name)
			if !ok || owned != p {
				return nil, errors.Errorf("group %q: parameter %q does not belong to the store", g.Name, p.Name)
			}
			owner[p.Name] = g.Name
			gs.velocity = append(gs.velocity, tensor.MustZeros(p.Value.Shape...))
		}
		opt.groups = append(opt.groups, gs)
	}
	for _, p := range store.Trainable() {
		if _, ok := owner[p.Name]; !ok {
			return nil, errors.Errorf("parameter %q is not assigned to any group", p.Name)
		}
	}
	return opt, nil
}

// Step applies one update to every group using the hyperparameters for
// the current step.
func (o *GroupedSGD) Step(state *StepState) {
	at := float64(state.Step)
	for _, g := range o.groups {
		lr := float32(g.LR.Value(at))
		wd := float32(g.WeightDecay.Value(at))
		m := float32(g.Momentum.Value(at))
		for i, p := range g.Params {
			v := g.velocity[i].Data
			w := p.Value.Data
			for j, grad := range p.Grad.Data {
				v[j] = m*v[j] + grad + wd*w[j]
				w[j] -= lr * v[j]
			}
			if p.Value.DType == tensor.Float16 {
				for j := range w {
					w[j] = tensor.RoundHalf(w[j])
				}
			}
		}
	}
}

// ZeroGrad clears the gradients of every managed parameter.
func (o *GroupedSGD) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.Grad.Zero()
		}
	}
}

// LR returns the learning rate of the named group at the given step.
func (o *GroupedSGD) LR(group string, state *StepState) (float64, bool) {
	for _, g := range o.groups {
		if g.Name == group {
			return g.LR.Value(float64(state.Step)), true
		}
	}
	return 0, false
}

// GroupNames lists the groups in order.
func (o *GroupedSGD) GroupNames() []string {
	names := make([]string, len(o.groups))
	for i, g := range o.groups {
		names[i] = g.Name
	}
	return names
}

// Velocity returns the momentum buffer of a parameter.
func (o *GroupedSGD) Velocity(param string) (*tensor.Tensor, bool) {
	for _, g := range o.groups {
		for i, p := range g.Params {
			if p.Name == param {
				return g.velocity[i], true
			}
		}
	}
	return nil, false
}

// Velocities returns a copy of every momentum buffer keyed by parameter name.
func (o *GroupedSGD) Velocities() map[string][]float32 {
	out := make(map[string][]float32)
	for _, g := range o.groups {
		for i, p := range g.Params {
			out[p.Name] = append([]float32(nil), g.velocity[i].Data...)
		}
	}
	return out
}

// SplitByName partitions the trainable parameters of a store: names
// containing substr go to the first slice, the rest to the second.
func SplitByName(store *memory.Store, substr string) (matched, rest []*memory.Buffer) {
	for _, p := range store.Trainable() {
		if strings.Contains(p.Name, substr) {
			matched = append(matched, p)
		} else {
			rest = append(rest, p)
		}
	}
	return matched, rest
}

// DawnGroups builds the two-group setup used for the 10-class run. Losses
// are summed over the batch, so the weight group's learning rate is divided
// by the batch size and its weight decay multiplied by it. Bias parameters
// train BiasScale times faster with proportionally less decay.
func DawnGroups(store *memory.Store, cfg Config, stepsPerEpoch int) ([]ParamGroup, error) {
	lr, err := NewPiecewiseLinear(cfg.LRKnots, cfg.LRValues)
	if err != nil {
		return nil, errors.Wrap(err, "learning rate schedule")
	}
	perEpoch := PerEpoch{Schedule: lr, StepsPerEpoch: stepsPerEpoch}
	bs := float64(cfg.BatchSize)
	biases, weights := SplitByName(store, "bias")

	return []ParamGroup{
		{
			Name:        "weights",
			Params:      weights,
			LR:          Scaled{Schedule: perEpoch, Factor: 1 / bs},
			WeightDecay: Constant(cfg.WeightDecay * bs),
			Momentum:    Constant(cfg.Momentum),
		},
		{
			Name:        "biases",
			Params:      biases,
			LR:          Scaled{Schedule: perEpoch, Factor: cfg.BiasScale / bs},
			WeightDecay: Constant(cfg.WeightDecay * bs / cfg.BiasScale),
			Momentum:    Constant(cfg.Momentum),
		},
	}, nil
}
