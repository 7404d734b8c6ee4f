package checkpoints

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-dawn/layers"
)

// ONNX field numbers of the messages written here (onnx.proto3).
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName  protowire.Number = 1
	attrFloat protowire.Number = 2
	attrInt   protowire.Number = 3
	attrInts  protowire.Number = 8
	attrType  protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8

	valueName       protowire.Number = 1
	valueType       protowire.Number = 2
	typeTensor      protowire.Number = 1
	tensorTypeElem  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
	dimParam        protowire.Number = 2
)

const (
	irVersion      = 7
	opset          = 13
	dataTypeFloat  = 1
	attributeFloat = 1
	attributeInt   = 2
	attributeInts  = 7
	batchDim       = "N"
	producerName   = framework
)

// Attribute is a node attribute; exactly one of F, I or Ints is meaningful
// depending on Kind.
type Attribute struct {
	Name string
	Kind int
	F    float32
	I    int64
	Ints []int64
}

// Node is one operator of the exported graph.
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute
}

// Initializer is a constant tensor of the exported graph.
type Initializer struct {
	Name string
	Dims []int
	Data []float32
}

// Graph is the inference graph of a checkpoint: batch norm uses running
// statistics and the model input has a symbolic batch dimension.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Initializer
	Input        string
	InputShape   []int
	Output       string
	OutputShape  []int
}

// BuildGraph converts the checkpoint's model spec and weights into operators.
func BuildGraph(ckpt *Checkpoint) (*Graph, error) {
	spec := ckpt.ModelSpec
	if spec == nil || !spec.Compiled {
		return nil, errors.New("checkpoint has no compiled model spec")
	}
	weights := make(map[string]WeightTensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		weights[w.Name] = w
	}

	g := &Graph{
		Name:        "go-dawn-model",
		Input:       layers.GraphInput,
		InputShape:  spec.InputShape,
		OutputShape: spec.OutputShape,
	}
	initializer := func(name string) (string, error) {
		w, ok := weights[name]
		if !ok {
			return "", errors.Errorf("missing weights for %q", name)
		}
		g.Initializers = append(g.Initializers, Initializer{Name: name, Dims: w.Shape, Data: w.Data})
		return name, nil
	}

	for i, layer := range spec.Layers {
		inputs := make([]string, len(spec.InputIndex[i]))
		for k, src := range spec.InputIndex[i] {
			if src < 0 {
				inputs[k] = layers.GraphInput
			} else {
				inputs[k] = spec.Layers[src].Name
			}
		}
		out := layer.Name
		node := Node{Name: layer.Name, Inputs: inputs, Outputs: []string{out}}

		switch layer.Type {
		case layers.Conv2D, layers.Whiten:
			node.OpType = "Conv"
			w, err := initializer(layer.Name + ".weight")
			if err != nil {
				return nil, err
			}
			node.Inputs = append(node.Inputs, w)
			if layer.UseBias && layer.Type == layers.Conv2D {
				b, err := initializer(layer.Name + ".bias")
				if err != nil {
					return nil, err
				}
				node.Inputs = append(node.Inputs, b)
			}
			k, p := int64(layer.KernelSize), int64(layer.Padding)
			node.Attrs = []Attribute{
				intsAttr("kernel_shape", k, k),
				intsAttr("pads", p, p, p, p),
				intsAttr("strides", 1, 1),
			}
		case layers.BatchNorm:
			node.OpType = "BatchNormalization"
			for _, suffix := range []string{".weight", ".bias", ".running_mean", ".running_var"} {
				name, err := initializer(layer.Name + suffix)
				if err != nil {
					return nil, err
				}
				node.Inputs = append(node.Inputs, name)
			}
			node.Attrs = []Attribute{
				floatAttr("epsilon", layer.Eps),
				floatAttr("momentum", 1-layer.Momentum),
			}
		case layers.GatedCELU:
			a, b := out+"/value", out+"/gate"
			g.Nodes = append(g.Nodes,
				Node{Name: out + "/split", OpType: "Split", Inputs: inputs, Outputs: []string{a, b},
					Attrs: []Attribute{intAttr("axis", 1)}},
				Node{Name: out + "/celu", OpType: "Celu", Inputs: []string{a}, Outputs: []string{a + "/celu"},
					Attrs: []Attribute{floatAttr("alpha", layer.Alpha)}},
				Node{Name: out + "/sigmoid", OpType: "Sigmoid", Inputs: []string{b}, Outputs: []string{b + "/sigmoid"}},
			)
			node.OpType = "Mul"
			node.Inputs = []string{a + "/celu", b + "/sigmoid"}
		case layers.ReLU:
			node.OpType = "Relu"
		case layers.MaxPool2D:
			node.OpType = "MaxPool"
			s := int64(layer.PoolSize)
			node.Attrs = []Attribute{intsAttr("kernel_shape", s, s), intsAttr("strides", s, s)}
		case layers.Add:
			node.OpType = "Add"
			if len(inputs) != 2 {
				node.OpType = "Sum"
			}
		case layers.Flatten:
			node.OpType = "Flatten"
			node.Attrs = []Attribute{intAttr("axis", 1)}
		case layers.Dense:
			node.OpType = "Gemm"
			w, err := initializer(layer.Name + ".weight")
			if err != nil {
				return nil, err
			}
			node.Inputs = append(node.Inputs, w)
			if layer.UseBias {
				b, err := initializer(layer.Name + ".bias")
				if err != nil {
					return nil, err
				}
				node.Inputs = append(node.Inputs, b)
			}
			node.Attrs = []Attribute{intAttr("transB", 1)}
		case layers.Scale:
			node.OpType = "Mul"
			factor := layer.Name + ".factor"
			g.Initializers = append(g.Initializers, Initializer{Name: factor, Data: []float32{layer.Factor}})
			node.Inputs = append(node.Inputs, factor)
		default:
			return nil, errors.Errorf("unsupported layer type for ONNX export: %s", layer.Type)
		}
		g.Nodes = append(g.Nodes, node)
		g.Output = out
	}
	return g, nil
}

func intAttr(name string, v int64) Attribute {
	return Attribute{Name: name, Kind: attributeInt, I: v}
}

func intsAttr(name string, v ...int64) Attribute {
	return Attribute{Name: name, Kind: attributeInts, Ints: v}
}

func floatAttr(name string, v float32) Attribute {
	return Attribute{Name: name, Kind: attributeFloat, F: v}
}

// Marshal encodes the graph as a ModelProto.
func (g *Graph) Marshal() []byte {
	var graph []byte
	for _, n := range g.Nodes {
		graph = protowire.AppendTag(graph, graphNode, protowire.BytesType)
		graph = protowire.AppendBytes(graph, n.marshal())
	}
	graph = appendString(graph, graphName, g.Name)
	for _, t := range g.Initializers {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, t.marshal())
	}
	graph = protowire.AppendTag(graph, graphInput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, marshalValueInfo(g.Input, g.InputShape))
	graph = protowire.AppendTag(graph, graphOutput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, marshalValueInfo(g.Output, g.OutputShape))

	var opsetID []byte
	opsetID = protowire.AppendTag(opsetID, opsetVersion, protowire.VarintType)
	opsetID = protowire.AppendVarint(opsetID, opset)

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, irVersion)
	model = appendString(model, modelProducerName, producerName)
	model = appendString(model, modelProducerVersion, version)
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	model = protowire.AppendTag(model, modelOpsetImport, protowire.BytesType)
	model = protowire.AppendBytes(model, opsetID)
	return model
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func (n Node) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, nodeOutput, out)
	}
	b = appendString(b, nodeName, n.Name)
	b = appendString(b, nodeOpType, n.OpType)
	for _, a := range n.Attrs {
		b = protowire.AppendTag(b, nodeAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, a.marshal())
	}
	return b
}

func (a Attribute) marshal() []byte {
	b := appendString(nil, attrName, a.Name)
	switch a.Kind {
	case attributeFloat:
		b = protowire.AppendTag(b, attrFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attributeInt:
		b = protowire.AppendTag(b, attrInt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case attributeInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, attrInts, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = protowire.AppendTag(b, attrType, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(a.Kind))
}

func (t Initializer) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)
	packed := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return appendString(b, tensorName, t.Name)
}

// marshalValueInfo describes a float tensor whose first dimension is the
// symbolic batch size.
func marshalValueInfo(name string, shape []int) []byte {
	var dims []byte
	for i, d := range shape {
		var dim []byte
		if i == 0 {
			dim = appendString(dim, dimParam, batchDim)
		} else {
			dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		dims = protowire.AppendTag(dims, shapeDim, protowire.BytesType)
		dims = protowire.AppendBytes(dims, dim)
	}
	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, tensorTypeElem, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, dataTypeFloat)
	tensorType = protowire.AppendTag(tensorType, tensorTypeShape, protowire.BytesType)
	tensorType = protowire.AppendBytes(tensorType, dims)

	var typ []byte
	typ = protowire.AppendTag(typ, typeTensor, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tensorType)

	b := appendString(nil, valueName, name)
	b = protowire.AppendTag(b, valueType, protowire.BytesType)
	return protowire.AppendBytes(b, typ)
}

// ExportONNX writes the checkpoint's inference graph to path.
func ExportONNX(ckpt *Checkpoint, path string) error {
	g, err := BuildGraph(ckpt)
	if err != nil {
		return errors.Wrap(err, "failed to build ONNX graph")
	}
	if err := os.WriteFile(path, g.Marshal(), 0o644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// ImportONNX reads the initializers of an ONNX model back as weights. The
// operators are not interpreted.
func ImportONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	g, err := ParseInitializers(data)
	if err != nil {
		return nil, err
	}
	ckpt := &Checkpoint{Metadata: CheckpointMetadata{Framework: producerName}}
	for _, t := range g {
		ckpt.Weights = append(ckpt.Weights, WeightTensor{Name: t.Name, Shape: t.Dims, Data: t.Data})
	}
	return ckpt, nil
}

// ParseInitializers decodes the initializer tensors of a ModelProto.
func ParseInitializers(model []byte) ([]Initializer, error) {
	var out []Initializer
	err := walk(model, func(num protowire.Number, graph []byte) error {
		if num != modelGraph {
			return nil
		}
		return walk(graph, func(num protowire.Number, raw []byte) error {
			if num != graphInitializer {
				return nil
			}
			t, err := parseTensor(raw)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model")
	}
	return out, nil
}

// walk calls fn for every length-delimited field of msg and skips the rest.
func walk(msg []byte, fn func(protowire.Number, []byte) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			msg = msg[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func parseTensor(msg []byte) (Initializer, error) {
	var t Initializer
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return t, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == tensorDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			t.Dims = append(t.Dims, int(v))
			msg = msg[n:]
		case num == tensorDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			if v != dataTypeFloat {
				return t, errors.Errorf("unsupported tensor data type %d", v)
			}
			msg = msg[n:]
		case num == tensorFloatData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			for len(packed) >= 4 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.Data = append(t.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
			msg = msg[n:]
		case num == tensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			t.Name = v
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return t, nil
}
