package engine

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/layers"
	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/tensor"
)

type node struct {
	spec   layers.LayerSpec
	inputs []int

	conv  *convOp
	dense *denseOp
	bn    *ghostBNOp
	celu  *gatedCELUOp
	pool  *maxPoolOp
}

// Network executes a compiled layer graph over the buffers of a store. It
// caches every layer output during Forward so that Backward can run the
// graph in reverse.
type Network struct {
	spec     *layers.ModelSpec
	store    *memory.Store
	nodes    []node
	training bool
	half     bool

	input   *tensor.Tensor
	outputs []*tensor.Tensor
}

// NewNetwork binds spec to the buffers in store. Every buffer the model spec lists
// must exist with the declared shape and role.
func NewNetwork(spec *layers.ModelSpec, store *memory.Store) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("network needs a compiled model spec")
	}
	for _, p := range spec.Parameters {
		b, ok := store.Get(p.Name)
		if !ok {
			return nil, errors.Errorf("store has no buffer %q", p.Name)
		}
		if b.Role != p.Role {
			return nil, errors.Errorf("buffer %q has role %s, expected %s", p.Name, b.Role, p.Role)
		}
		if !sameShape(b.Value.Shape, p.Shape) {
			return nil, errors.Errorf("buffer %q has shape %v, expected %v", p.Name, b.Value.Shape, p.Shape)
		}
	}

	net := &Network{spec: spec, store: store, training: true, nodes: make([]node, len(spec.Layers))}
	get := func(name string) *memory.Buffer {
		b, _ := store.Get(name)
		return b
	}
	for i, l := range spec.Layers {
		n := node{spec: l, inputs: spec.InputIndex[i]}
		switch l.Type {
		case layers.Conv2D, layers.Whiten:
			n.conv = &convOp{weight: get(l.Name + ".weight"), bias: get(l.Name + ".bias"), kernel: l.KernelSize, padding: l.Padding}
		case layers.Dense:
			n.dense = &denseOp{weight: get(l.Name + ".weight"), bias: get(l.Name + ".bias")}
		case layers.BatchNorm:
			n.bn = &ghostBNOp{
				weight:   get(l.Name + ".weight"),
				bias:     get(l.Name + ".bias"),
				runMean:  get(l.Name + ".running_mean"),
				runVar:   get(l.Name + ".running_var"),
				splits:   l.GhostSplits,
				eps:      l.Eps,
				momentum: l.Momentum,
			}
		case layers.GatedCELU:
			n.celu = &gatedCELUOp{alpha: l.Alpha}
		case layers.MaxPool2D:
			n.pool = &maxPoolOp{size: l.PoolSize}
		}
		net.nodes[i] = n
	}
	for _, b := range store.Buffers() {
		if b.Value.DType == tensor.Float16 {
			net.half = true
			break
		}
	}
	return net, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Store returns the buffers the network runs on.
func (n *Network) Store() *memory.Store { return n.store }

// Spec returns the compiled graph.
func (n *Network) Spec() *layers.ModelSpec { return n.spec }

// SetTraining switches batch norm between batch and running statistics.
func (n *Network) SetTraining(training bool) { n.training = training }

// Training reports the current mode.
func (n *Network) Training() bool { return n.training }

// InstallWhitening copies fixed filters into every whitening layer.
func (n *Network) InstallWhitening(filters *tensor.Tensor) error {
	found := false
	for _, nd := range n.nodes {
		if nd.spec.Type != layers.Whiten {
			continue
		}
		if err := n.store.Set(nd.conv.weight.Name, filters); err != nil {
			return errors.Wrap(err, "installing whitening filters")
		}
		found = true
	}
	if !found {
		return errors.New("network has no whitening layer")
	}
	return nil
}

func (n *Network) layerInput(src int) *tensor.Tensor {
	if src < 0 {
		return n.input
	}
	return n.outputs[src]
}

// Forward runs the graph on an [N, C, H, W] batch and returns [N, classes]
// logits. The batch size may differ from the one the model spec was compiled with.
func (n *Network) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	want := n.spec.InputShape
	if len(input.Shape) != 4 || !sameShape(input.Shape[1:], want[1:]) {
		return nil, errors.Errorf("network expects [N %d %d %d] input, got %v", want[1], want[2], want[3], input.Shape)
	}
	n.input = input
	n.outputs = make([]*tensor.Tensor, len(n.nodes))

	for i := range n.nodes {
		nd := &n.nodes[i]
		x := n.layerInput(nd.inputs[0])
		var out *tensor.Tensor
		var err error
		switch nd.spec.Type {
		case layers.Conv2D, layers.Whiten:
			out, err = nd.conv.forward(x)
		case layers.BatchNorm:
			out, err = nd.bn.forward(x, n.training)
		case layers.GatedCELU:
			out, err = nd.celu.forward(x)
		case layers.ReLU:
			out = reluForward(x)
		case layers.MaxPool2D:
			out, err = nd.pool.forward(x)
		case layers.Add:
			out = x.Clone()
			out.DType = tensor.Float32
			for _, src := range nd.inputs[1:] {
				if err = out.AddScaled(1, n.layerInput(src)); err != nil {
					break
				}
			}
		case layers.Flatten:
			out = x.Clone()
			out.DType = tensor.Float32
			out, err = out.Reshape([]int{x.Shape[0], x.NumElems / x.Shape[0]})
		case layers.Dense:
			out, err = nd.dense.forward(x)
		case layers.Scale:
			out = x.Clone()
			out.DType = tensor.Float32
			out.Scale(nd.spec.Factor)
		default:
			err = errors.Errorf("unsupported layer type %s", nd.spec.Type)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", nd.spec.Name)
		}
		if n.half {
			out.Half()
		}
		n.outputs[i] = out
	}
	return n.outputs[len(n.outputs)-1], nil
}

// Backward propagates the gradient of the loss with respect to the logits
// of the last Forward and accumulates it into the parameter gradients.
func (n *Network) Backward(gradLogits *tensor.Tensor) error {
	if n.outputs == nil {
		return errors.New("backward called before forward")
	}
	last := len(n.nodes) - 1
	if !gradLogits.SameShape(n.outputs[last]) {
		return errors.Errorf("gradient shape %v does not match logits %v", gradLogits.Shape, n.outputs[last].Shape)
	}

	grads := make([]*tensor.Tensor, len(n.nodes))
	grads[last] = gradLogits
	accumulate := func(src int, g *tensor.Tensor) error {
		if src < 0 || g == nil {
			return nil
		}
		if grads[src] == nil {
			grads[src] = g
			return nil
		}
		return grads[src].AddScaled(1, g)
	}

	for i := last; i >= 0; i-- {
		dy := grads[i]
		if dy == nil {
			continue
		}
		nd := &n.nodes[i]
		x := n.layerInput(nd.inputs[0])
		needInput := false
		for _, src := range nd.inputs {
			if src >= 0 {
				needInput = true
			}
		}

		var dx *tensor.Tensor
		var err error
		switch nd.spec.Type {
		case layers.Conv2D, layers.Whiten:
			dx, err = nd.conv.backward(x, dy, needInput)
		case layers.BatchNorm:
			dx, err = nd.bn.backward(x, dy, n.training, needInput)
		case layers.GatedCELU:
			dx, err = nd.celu.backward(x, dy)
		case layers.ReLU:
			dx = reluBackward(x, dy)
		case layers.MaxPool2D:
			dx, err = nd.pool.backward(x, dy)
		case layers.Add:
			for _, src := range nd.inputs {
				if err = accumulate(src, dy.Clone()); err != nil {
					break
				}
			}
			grads[i] = nil
			if err != nil {
				return errors.Wrapf(err, "layer %s backward", nd.spec.Name)
			}
			continue
		case layers.Flatten:
			dx, err = dy.Clone().Reshape(x.Shape)
		case layers.Dense:
			dx, err = nd.dense.backward(x, dy, needInput)
		case layers.Scale:
			dx = dy.Clone()
			dx.Scale(nd.spec.Factor)
		}
		if err != nil {
			return errors.Wrapf(err, "layer %s backward", nd.spec.Name)
		}
		if err := accumulate(nd.inputs[0], dx); err != nil {
			return errors.Wrapf(err, "layer %s backward", nd.spec.Name)
		}
		grads[i] = nil
	}
	return nil
}
