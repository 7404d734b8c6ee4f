package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/memory"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	Whiten
	BatchNorm
	GatedCELU
	ReLU
	MaxPool2D
	Add
	Flatten
	Dense
	Scale
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case Whiten:
		return "Whiten"
	case BatchNorm:
		return "BatchNorm"
	case GatedCELU:
		return "GatedCELU"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Add:
		return "Add"
	case Flatten:
		return "Flatten"
	case Dense:
		return "Dense"
	case Scale:
		return "Scale"
	default:
		return "Unknown"
	}
}

// GraphInput is the name layers use to refer to the model input.
const GraphInput = "input"

// LayerSpec describes one node of the model graph. Only the fields relevant
// to Type are used. Inputs names the producing layers; an empty list means
// the previous layer (or the graph input for the first layer).
type LayerSpec struct {
	Type   LayerType `json:"type"`
	Name   string    `json:"name"`
	Inputs []string  `json:"inputs,omitempty"`

	// Conv2D, Whiten, Dense
	OutChannels int  `json:"out_channels,omitempty"`
	KernelSize  int  `json:"kernel_size,omitempty"`
	Padding     int  `json:"padding,omitempty"`
	UseBias     bool `json:"use_bias,omitempty"`

	// MaxPool2D
	PoolSize int `json:"pool_size,omitempty"`

	// BatchNorm
	GhostSplits int     `json:"ghost_splits,omitempty"`
	Eps         float32 `json:"eps,omitempty"`
	Momentum    float32 `json:"momentum,omitempty"`

	// GatedCELU
	Alpha float32 `json:"alpha,omitempty"`

	// Scale
	Factor float32 `json:"factor,omitempty"`

	// Computed during compilation
	InputShape     []int       `json:"input_shape,omitempty"`
	OutputShape    []int       `json:"output_shape,omitempty"`
	Parameters     []ParamSpec `json:"parameters,omitempty"`
	ParameterCount int64       `json:"parameter_count,omitempty"`
}

// ParamSpec is a named buffer a layer needs in the store.
type ParamSpec struct {
	Name  string      `json:"name"`
	Shape []int       `json:"shape"`
	Role  memory.Role `json:"role"`
}

// ModelSpec is a compiled model graph.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// InputIndex[i] lists, for layer i, the indices of its producers; -1 is
	// the graph input.
	InputIndex [][]int `json:"input_index"`

	TotalParameters int64       `json:"total_parameters"`
	Parameters      []ParamSpec `json:"parameters"`
	InputShape      []int       `json:"input_shape"`
	OutputShape     []int       `json:"output_shape"`
	Compiled        bool        `json:"compiled"`
}

// ModelBuilder assembles a layer graph. Each Add method appends a layer
// whose input defaults to the previous layer.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a builder for inputs of shape [N, C, H, W].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{inputShape: append([]int(nil), inputShape...)}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a stride-1 convolution.
func (mb *ModelBuilder) AddConv2D(outChannels, kernelSize, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Conv2D, Name: name, OutChannels: outChannels, KernelSize: kernelSize, Padding: padding, UseBias: useBias})
}

// AddWhiten adds a fixed, non-trainable convolution whose weights are
// installed after patch whitening.
func (mb *ModelBuilder) AddWhiten(outChannels, kernelSize, padding int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Whiten, Name: name, OutChannels: outChannels, KernelSize: kernelSize, Padding: padding})
}

// AddBatchNorm adds ghost batch normalization with a frozen unit scale.
func (mb *ModelBuilder) AddBatchNorm(ghostSplits int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: BatchNorm, Name: name, GhostSplits: ghostSplits, Eps: 1e-5, Momentum: 0.1})
}

// AddGatedCELU adds the gated activation CELU(first half) * sigmoid(second half).
func (mb *ModelBuilder) AddGatedCELU(alpha float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GatedCELU, Name: name, Alpha: alpha})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddMaxPool2D adds non-overlapping max pooling.
func (mb *ModelBuilder) AddMaxPool2D(poolSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: MaxPool2D, Name: name, PoolSize: poolSize})
}

// AddAdd sums the outputs of the named layers.
func (mb *ModelBuilder) AddAdd(name string, inputs ...string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Add, Name: name, Inputs: inputs})
}

// AddFlatten collapses all non-batch dimensions.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddDense adds a fully connected layer.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Dense, Name: name, OutChannels: outputSize, UseBias: useBias})
}

// AddScale multiplies its input by a constant.
func (mb *ModelBuilder) AddScale(factor float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Scale, Name: name, Factor: factor})
}

// Compile resolves the graph, infers shapes and lists every buffer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, errors.Errorf("input shape must be [N, C, H, W], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputIndex: make([][]int, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	index := make(map[string]int)
	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Name == "" || layer.Name == GraphInput || strings.ContainsAny(layer.Name, " \t") {
			return nil, errors.Errorf("layer %d has invalid name %q", i, layer.Name)
		}
		if _, dup := index[layer.Name]; dup {
			return nil, errors.Errorf("duplicate layer name %q", layer.Name)
		}

		inputs, err := resolveInputs(layer, i, index)
		if err != nil {
			return nil, err
		}
		model.InputIndex[i] = inputs

		shapes := make([][]int, len(inputs))
		for j, src := range inputs {
			if src < 0 {
				shapes[j] = model.InputShape
			} else {
				shapes[j] = model.Layers[src].OutputShape
			}
		}
		layer.InputShape = append([]int(nil), shapes[0]...)

		out, params, err := computeLayerInfo(layer, shapes)
		if err != nil {
			return nil, errors.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}
		layer.OutputShape = out
		layer.Parameters = params
		layer.ParameterCount = 0
		for _, p := range params {
			if p.Role == memory.Parameter {
				layer.ParameterCount += int64(numel(p.Shape))
			}
		}
		model.Parameters = append(model.Parameters, params...)
		model.TotalParameters += layer.ParameterCount
		index[layer.Name] = i
	}

	model.OutputShape = model.Layers[len(model.Layers)-1].OutputShape
	if len(model.OutputShape) != 2 {
		return nil, errors.Errorf("model must produce [N, classes] logits, got %v", model.OutputShape)
	}
	model.Compiled = true
	return model, nil
}

func resolveInputs(layer *LayerSpec, i int, index map[string]int) ([]int, error) {
	if len(layer.Inputs) == 0 {
		return []int{i - 1}, nil
	}
	var out []int
	for _, name := range layer.Inputs {
		if name == GraphInput {
			out = append(out, -1)
			continue
		}
		src, ok := index[name]
		if !ok {
			return nil, errors.Errorf("layer %q reads unknown or later layer %q", layer.Name, name)
		}
		out = append(out, src)
	}
	return out, nil
}

func computeLayerInfo(layer *LayerSpec, inputs [][]int) ([]int, []ParamSpec, error) {
	if layer.Type != Add && len(inputs) != 1 {
		return nil, nil, errors.Errorf("%s takes one input, got %d", layer.Type, len(inputs))
	}
	in := inputs[0]
	switch layer.Type {
	case Conv2D, Whiten:
		return computeConv2DInfo(layer, in)
	case BatchNorm:
		return computeBatchNormInfo(layer, in)
	case GatedCELU:
		if len(in) != 4 || in[1]%2 != 0 {
			return nil, nil, errors.Errorf("gated activation needs an even channel count, got %v", in)
		}
		return []int{in[0], in[1] / 2, in[2], in[3]}, nil, nil
	case ReLU, Scale:
		return append([]int(nil), in...), nil, nil
	case MaxPool2D:
		if len(in) != 4 || layer.PoolSize <= 0 || in[2]%layer.PoolSize != 0 || in[3]%layer.PoolSize != 0 {
			return nil, nil, errors.Errorf("pool size %d does not tile input %v", layer.PoolSize, in)
		}
		return []int{in[0], in[1], in[2] / layer.PoolSize, in[3] / layer.PoolSize}, nil, nil
	case Add:
		if len(inputs) < 2 {
			return nil, nil, errors.Errorf("add needs at least two inputs")
		}
		for _, s := range inputs[1:] {
			if !equalShape(s, in) {
				return nil, nil, errors.Errorf("add input shapes differ: %v vs %v", in, s)
			}
		}
		return append([]int(nil), in...), nil, nil
	case Flatten:
		return []int{in[0], numel(in[1:])}, nil, nil
	case Dense:
		return computeDenseInfo(layer, in)
	default:
		return nil, nil, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeConv2DInfo(layer *LayerSpec, in []int) ([]int, []ParamSpec, error) {
	if len(in) != 4 {
		return nil, nil, errors.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}
	if layer.OutChannels <= 0 || layer.KernelSize <= 0 || layer.Padding < 0 {
		return nil, nil, errors.Errorf("invalid convolution %d channels, kernel %d, padding %d", layer.OutChannels, layer.KernelSize, layer.Padding)
	}
	oh := in[2] + 2*layer.Padding - layer.KernelSize + 1
	ow := in[3] + 2*layer.Padding - layer.KernelSize + 1
	if oh <= 0 || ow <= 0 {
		return nil, nil, errors.Errorf("kernel %d too large for input %v", layer.KernelSize, in)
	}

	role := memory.Parameter
	if layer.Type == Whiten {
		role = memory.Constant
	}
	params := []ParamSpec{{
		Name:  layer.Name + ".weight",
		Shape: []int{layer.OutChannels, in[1], layer.KernelSize, layer.KernelSize},
		Role:  role,
	}}
	if layer.UseBias && layer.Type == Conv2D {
		params = append(params, ParamSpec{Name: layer.Name + ".bias", Shape: []int{layer.OutChannels}, Role: memory.Parameter})
	}
	return []int{in[0], layer.OutChannels, oh, ow}, params, nil
}

func computeBatchNormInfo(layer *LayerSpec, in []int) ([]int, []ParamSpec, error) {
	if len(in) != 4 {
		return nil, nil, errors.Errorf("batch norm layer requires 4D input")
	}
	if layer.GhostSplits <= 0 {
		return nil, nil, errors.Errorf("ghost splits must be positive, got %d", layer.GhostSplits)
	}
	c := in[1]
	params := []ParamSpec{
		{Name: layer.Name + ".weight", Shape: []int{c}, Role: memory.Constant},
		{Name: layer.Name + ".bias", Shape: []int{c}, Role: memory.Parameter},
		{Name: layer.Name + ".running_mean", Shape: []int{c}, Role: memory.Statistic},
		{Name: layer.Name + ".running_var", Shape: []int{c}, Role: memory.Statistic},
	}
	return append([]int(nil), in...), params, nil
}

func computeDenseInfo(layer *LayerSpec, in []int) ([]int, []ParamSpec, error) {
	if len(in) != 2 {
		return nil, nil, errors.Errorf("dense layer requires flattened 2D input, got %v", in)
	}
	if layer.OutChannels <= 0 {
		return nil, nil, errors.Errorf("dense output size must be positive")
	}
	params := []ParamSpec{{Name: layer.Name + ".weight", Shape: []int{layer.OutChannels, in[1]}, Role: memory.Parameter}}
	if layer.UseBias {
		params = append(params, ParamSpec{Name: layer.Name + ".bias", Shape: []int{layer.OutChannels}, Role: memory.Parameter})
	}
	return []int{in[0], layer.OutChannels}, params, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func equalShape(a, b []int) bool {
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

// Layer returns the compiled layer with the given name.
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-40s %-10s %-20s %12s\n", "Layer", "Type", "Output Shape", "Params")
	sb.WriteString(strings.Repeat("=", 85) + "\n")
	for _, layer := range ms.Layers {
		fmt.Fprintf(&sb, "%-40s %-10s %-20s %12d\n", layer.Name, layer.Type, fmt.Sprint(layer.OutputShape), layer.ParameterCount)
	}
	sb.WriteString(strings.Repeat("=", 85) + "\n")
	fixed := int64(0)
	for _, p := range ms.Parameters {
		if p.Role != memory.Parameter {
			fixed += int64(numel(p.Shape))
		}
	}
	fmt.Fprintf(&sb, "Input shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Trainable parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Non-trainable buffers: %d\n", fixed)
	fmt.Fprintf(&sb, "Params size (MB): %.3f\n", float64(ms.TotalParameters*4)/1024/1024)
	return sb.String()
}
