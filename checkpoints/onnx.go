package checkpoints

import (
	"encoding/binary"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/layers"
)

const onnxOpset = 13

// ONNXExporter handles conversion of classifier checkpoints to ONNX format
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a checkpoint to an ONNX model for inference
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model := &ModelProto{
		IrVersion:       7,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		ProducerName:    "go-xray",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return errors.Wrap(err, "failed to build ONNX graph")
	}
	model.Graph = graph
	oe.model = model

	if err := os.WriteFile(path, model.Marshal(), 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// buildONNXGraph creates the ONNX computation graph from the layer specs
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	if checkpoint.ModelSpec == nil {
		return nil, errors.Errorf("checkpoint has no model spec")
	}
	graph := &GraphProto{
		Name: checkpoint.Model.Name,
	}
	if graph.Name == "" {
		graph.Name = "go-xray-model"
	}

	weightMap := make(map[string]WeightTensor)
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}

	currentTensorName := "input"
	graph.Input = append(graph.Input, &ValueInfoProto{
		Name:     currentTensorName,
		ElemType: TensorProto_DataType_FLOAT,
		Shape:    createDimensions(checkpoint.ModelSpec.InputShape),
	})

	for _, layerSpec := range checkpoint.ModelSpec.Layers {
		var nodes []*NodeProto
		var initializers []*TensorProto
		var err error

		switch layerSpec.Type {
		case layers.Input:
			continue
		case layers.Conv2D:
			nodes, initializers, currentTensorName, err = oe.createConv2DNode(layerSpec, weightMap, currentTensorName)
		case layers.Dense:
			nodes, initializers, currentTensorName, err = oe.createDenseNode(layerSpec, weightMap, currentTensorName)
		case layers.MaxPool2D:
			nodes, currentTensorName = oe.createMaxPoolNode(layerSpec, currentTensorName)
		case layers.Flatten:
			nodes, currentTensorName = oe.createFlattenNode(layerSpec, currentTensorName)
		case layers.Dropout:
			nodes, initializers, currentTensorName = oe.createDropoutNode(layerSpec, currentTensorName)
		default:
			return nil, errors.Errorf("unsupported layer type for ONNX export: %s", layerSpec.Type.String())
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create ONNX node for layer %s", layerSpec.Name)
		}

		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, initializers...)
	}

	graph.Output = append(graph.Output, &ValueInfoProto{
		Name:     currentTensorName,
		ElemType: TensorProto_DataType_FLOAT,
		Shape:    createDimensions(checkpoint.ModelSpec.OutputShape),
	})
	return graph, nil
}

func (oe *ONNXExporter) createConv2DNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	kernel, bias, err := lookupWeights(layerSpec.Name, weightMap)
	if err != nil {
		return nil, nil, "", err
	}

	k := int64(layers.GetIntParam(layerSpec.Parameters, "kernel_size", 3))
	s := int64(layers.GetIntParam(layerSpec.Parameters, "stride", 1))
	p := int64(layers.GetIntParam(layerSpec.Parameters, "padding", 0))

	outputName := layerSpec.Name + "_output"
	conv := &NodeProto{
		Name:   layerSpec.Name,
		OpType: "Conv",
		Input:  []string{inputTensor, kernel.Name, bias.Name},
		Output: []string{outputName},
		Attribute: []*AttributeProto{
			{Name: "kernel_shape", Type: AttributeProto_INTS, Ints: []int64{k, k}},
			{Name: "strides", Type: AttributeProto_INTS, Ints: []int64{s, s}},
			{Name: "pads", Type: AttributeProto_INTS, Ints: []int64{p, p, p, p}},
		},
	}
	initializers := []*TensorProto{
		createTensorProto(kernel.Name, kernel.Shape, kernel.Data),
		createTensorProto(bias.Name, bias.Shape, bias.Data),
	}

	nodes, out := appendActivation([]*NodeProto{conv}, layerSpec, outputName)
	return nodes, initializers, out, nil
}

// createDenseNode emits MatMul + Add. The kernel is stored [in, out], which
// is already the layout MatMul expects for its second operand.
func (oe *ONNXExporter) createDenseNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	kernel, bias, err := lookupWeights(layerSpec.Name, weightMap)
	if err != nil {
		return nil, nil, "", err
	}

	matmulOut := layerSpec.Name + "_matmul"
	addOut := layerSpec.Name + "_output"
	nodes := []*NodeProto{
		{
			Name:   layerSpec.Name + "_matmul",
			OpType: "MatMul",
			Input:  []string{inputTensor, kernel.Name},
			Output: []string{matmulOut},
		},
		{
			Name:   layerSpec.Name + "_add",
			OpType: "Add",
			Input:  []string{matmulOut, bias.Name},
			Output: []string{addOut},
		},
	}
	initializers := []*TensorProto{
		createTensorProto(kernel.Name, kernel.Shape, kernel.Data),
		createTensorProto(bias.Name, bias.Shape, bias.Data),
	}

	nodes, out := appendActivation(nodes, layerSpec, addOut)
	return nodes, initializers, out, nil
}

func (oe *ONNXExporter) createMaxPoolNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, string) {
	pool := int64(layers.GetIntParam(layerSpec.Parameters, "pool_size", 2))
	stride := int64(layers.GetIntParam(layerSpec.Parameters, "stride", int(pool)))
	outputName := layerSpec.Name + "_output"
	return []*NodeProto{{
		Name:   layerSpec.Name,
		OpType: "MaxPool",
		Input:  []string{inputTensor},
		Output: []string{outputName},
		Attribute: []*AttributeProto{
			{Name: "kernel_shape", Type: AttributeProto_INTS, Ints: []int64{pool, pool}},
			{Name: "strides", Type: AttributeProto_INTS, Ints: []int64{stride, stride}},
		},
	}}, outputName
}

func (oe *ONNXExporter) createFlattenNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, string) {
	outputName := layerSpec.Name + "_output"
	return []*NodeProto{{
		Name:      layerSpec.Name,
		OpType:    "Flatten",
		Input:     []string{inputTensor},
		Output:    []string{outputName},
		Attribute: []*AttributeProto{{Name: "axis", Type: AttributeProto_INT, I: 1}},
	}}, outputName
}

// createDropoutNode emits an opset-13 Dropout, whose ratio is an input
// rather than an attribute. Runtimes treat it as identity at inference.
func (oe *ONNXExporter) createDropoutNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, []*TensorProto, string) {
	rate := float32(layers.GetFloatParam(layerSpec.Parameters, "rate", 0))
	ratioName := layerSpec.Name + "/ratio"
	outputName := layerSpec.Name + "_output"
	node := &NodeProto{
		Name:   layerSpec.Name,
		OpType: "Dropout",
		Input:  []string{inputTensor, ratioName},
		Output: []string{outputName},
	}
	ratio := createTensorProto(ratioName, nil, []float32{rate})
	return []*NodeProto{node}, []*TensorProto{ratio}, outputName
}

func appendActivation(nodes []*NodeProto, layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, string) {
	var opType string
	switch layers.GetStringParam(layerSpec.Parameters, "activation", layers.Linear) {
	case layers.ReLU:
		opType = "Relu"
	case layers.Sigmoid:
		opType = "Sigmoid"
	default:
		return nodes, inputTensor
	}
	outputName := layerSpec.Name + "_" + layers.GetStringParam(layerSpec.Parameters, "activation", "")
	return append(nodes, &NodeProto{
		Name:   outputName,
		OpType: opType,
		Input:  []string{inputTensor},
		Output: []string{outputName},
	}), outputName
}

func lookupWeights(layerName string, weightMap map[string]WeightTensor) (WeightTensor, WeightTensor, error) {
	kernel, ok := weightMap[layerName+"/kernel"]
	if !ok {
		return WeightTensor{}, WeightTensor{}, errors.Errorf("kernel weights not found")
	}
	bias, ok := weightMap[layerName+"/bias"]
	if !ok {
		return WeightTensor{}, WeightTensor{}, errors.Errorf("bias weights not found")
	}
	return kernel, bias, nil
}

// createDimensions writes the batch dimension as symbolic.
func createDimensions(shape []int) []int64 {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	if len(dims) > 0 {
		dims[0] = -1
	}
	return dims
}

func createTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &TensorProto{
		Name:     name,
		Dims:     dims,
		DataType: TensorProto_DataType_FLOAT,
		RawData:  raw,
	}
}

// ONNXImporter reads ONNX models written by ONNXExporter, and the
// convolution weights of third-party models.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

func readModel(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ONNX model %s", path)
	}
	if model.Graph == nil {
		return nil, errors.Errorf("ONNX model %s has no graph", path)
	}
	return model, nil
}

// ImportFromONNX rebuilds a checkpoint from an ONNX model. Only the node
// patterns the exporter produces are recognised.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	model, err := readModel(path)
	if err != nil {
		return nil, err
	}
	graph := model.Graph

	if len(graph.Input) == 0 {
		return nil, errors.Errorf("ONNX graph has no inputs")
	}
	inputShape := make([]int, len(graph.Input[0].Shape))
	for i, d := range graph.Input[0].Shape {
		inputShape[i] = int(d)
	}
	if len(inputShape) > 0 {
		inputShape[0] = 1
	}

	tensors := make(map[string]*TensorProto, len(graph.Initializer))
	for _, t := range graph.Initializer {
		tensors[t.Name] = t
	}

	specs, weights, err := oi.convertNodes(graph.Node, tensors)
	if err != nil {
		return nil, err
	}

	spec, err := layers.CompileLayers(inputShape, specs)
	if err != nil {
		return nil, errors.Wrap(err, "imported ONNX graph does not compile")
	}

	trainable := make([]bool, len(spec.Layers))
	for i := range trainable {
		trainable[i] = true
	}
	return &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Trainable: trainable,
		Model:     ModelInfo{Name: graph.Name},
		Metadata: CheckpointMetadata{
			Framework: model.ProducerName,
			Version:   model.ProducerVersion,
		},
	}, nil
}

func (oi *ONNXImporter) convertNodes(nodes []*NodeProto, tensors map[string]*TensorProto) ([]layers.LayerSpec, []WeightTensor, error) {
	var specs []layers.LayerSpec
	var weights []WeightTensor

	// fused activations follow the node they belong to
	activationFor := func(i int) (string, int) {
		if i+1 < len(nodes) {
			switch nodes[i+1].OpType {
			case "Relu":
				return layers.ReLU, i + 1
			case "Sigmoid":
				return layers.Sigmoid, i + 1
			}
		}
		return layers.Linear, i
	}

	for i := 0; i < len(nodes); i++ {
		node := nodes[i]
		switch node.OpType {
		case "Conv":
			if len(node.Input) < 3 {
				return nil, nil, errors.Errorf("conv node %s has no bias", node.Name)
			}
			kernel, err := oi.weight(tensors, node.Input[1], node.Name, "kernel")
			if err != nil {
				return nil, nil, err
			}
			bias, err := oi.weight(tensors, node.Input[2], node.Name, "bias")
			if err != nil {
				return nil, nil, err
			}
			if len(kernel.Shape) != 4 || kernel.Shape[2] != kernel.Shape[3] {
				return nil, nil, errors.Errorf("conv node %s has unsupported kernel shape %v", node.Name, kernel.Shape)
			}
			act, last := activationFor(i)
			i = last
			specs = append(specs, layers.LayerSpec{
				Type: layers.Conv2D,
				Name: node.Name,
				Parameters: map[string]interface{}{
					"output_channels": kernel.Shape[0],
					"kernel_size":     kernel.Shape[2],
					"stride":          firstInt(node, "strides", 1),
					"padding":         firstInt(node, "pads", 0),
					"use_bias":        true,
					"activation":      act,
				},
			})
			weights = append(weights, kernel, bias)

		case "MatMul":
			if i+1 >= len(nodes) || nodes[i+1].OpType != "Add" {
				return nil, nil, errors.Errorf("MatMul node %s is not followed by a bias Add", node.Name)
			}
			name := strings.TrimSuffix(node.Name, "_matmul")
			kernel, err := oi.weight(tensors, node.Input[1], name, "kernel")
			if err != nil {
				return nil, nil, err
			}
			add := nodes[i+1]
			bias, err := oi.weight(tensors, add.Input[1], name, "bias")
			if err != nil {
				return nil, nil, err
			}
			if len(kernel.Shape) != 2 {
				return nil, nil, errors.Errorf("MatMul node %s has unsupported weight shape %v", node.Name, kernel.Shape)
			}
			act, last := activationFor(i + 1)
			i = last
			specs = append(specs, layers.LayerSpec{
				Type: layers.Dense,
				Name: name,
				Parameters: map[string]interface{}{
					"output_size": kernel.Shape[1],
					"use_bias":    true,
					"activation":  act,
				},
			})
			weights = append(weights, kernel, bias)

		case "MaxPool":
			pool := firstInt(node, "kernel_shape", 2)
			specs = append(specs, layers.LayerSpec{
				Type: layers.MaxPool2D,
				Name: node.Name,
				Parameters: map[string]interface{}{
					"pool_size": pool,
					"stride":    firstInt(node, "strides", pool),
				},
			})

		case "Flatten":
			specs = append(specs, layers.LayerSpec{Type: layers.Flatten, Name: node.Name, Parameters: map[string]interface{}{}})

		case "Dropout":
			rate := float32(0)
			if len(node.Input) > 1 {
				if t, ok := tensors[node.Input[1]]; ok {
					vals, err := t.Floats()
					if err != nil {
						return nil, nil, err
					}
					if len(vals) == 1 {
						rate = vals[0]
					}
				}
			} else if a, ok := node.Attr("ratio"); ok {
				rate = a.F
			}
			specs = append(specs, layers.LayerSpec{
				Type:       layers.Dropout,
				Name:       node.Name,
				Parameters: map[string]interface{}{"rate": rate},
			})

		default:
			return nil, nil, errors.Errorf("unsupported ONNX operation: %s", node.OpType)
		}
	}
	return specs, weights, nil
}

func (oi *ONNXImporter) weight(tensors map[string]*TensorProto, tensorName, layerName, kind string) (WeightTensor, error) {
	t, ok := tensors[tensorName]
	if !ok {
		return WeightTensor{}, errors.Errorf("initializer %s not found", tensorName)
	}
	data, err := t.Floats()
	if err != nil {
		return WeightTensor{}, err
	}
	shape := make([]int, len(t.Dims))
	size := 1
	for i, d := range t.Dims {
		shape[i] = int(d)
		size *= int(d)
	}
	if size != len(data) {
		return WeightTensor{}, errors.Errorf("initializer %s has %d values for shape %v", tensorName, len(data), shape)
	}
	return WeightTensor{
		Name:  layerName + "/" + kind,
		Shape: shape,
		Data:  data,
		Layer: layerName,
		Type:  kind,
	}, nil
}

// ConvWeights is the kernel and bias of one convolution, in graph order.
type ConvWeights struct {
	Node   string
	Kernel WeightTensor // [out, in, k, k]
	Bias   WeightTensor // [out]
}

// ImportConvWeights returns the weights of every Conv node in path, in the
// order the nodes appear in the graph. Other nodes are ignored, so any
// model whose convolutions match a backbone can seed it.
func (oi *ONNXImporter) ImportConvWeights(path string) ([]ConvWeights, error) {
	model, err := readModel(path)
	if err != nil {
		return nil, err
	}

	tensors := make(map[string]*TensorProto, len(model.Graph.Initializer))
	for _, t := range model.Graph.Initializer {
		tensors[t.Name] = t
	}

	var convs []ConvWeights
	for _, node := range model.Graph.Node {
		if node.OpType != "Conv" {
			continue
		}
		if len(node.Input) < 3 {
			return nil, errors.Errorf("conv node %s has no bias", node.Name)
		}
		kernel, err := oi.weight(tensors, node.Input[1], node.Name, "kernel")
		if err != nil {
			return nil, err
		}
		bias, err := oi.weight(tensors, node.Input[2], node.Name, "bias")
		if err != nil {
			return nil, err
		}
		convs = append(convs, ConvWeights{Node: node.Name, Kernel: kernel, Bias: bias})
	}
	if len(convs) == 0 {
		return nil, errors.Errorf("ONNX model %s contains no convolutions", path)
	}
	return convs, nil
}

func firstInt(node *NodeProto, attr string, defaultValue int) int {
	if a, ok := node.Attr(attr); ok {
		if len(a.Ints) > 0 {
			return int(a.Ints[0])
		}
		if a.Type == AttributeProto_INT {
			return int(a.I)
		}
	}
	return defaultValue
}
