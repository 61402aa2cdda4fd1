package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Input LayerType = iota
	Dense
	Conv2D
	MaxPool2D
	Flatten
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Input:
		return "InputLayer"
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case MaxPool2D:
		return "MaxPooling2D"
	case Flatten:
		return "Flatten"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// Activation names accepted by Dense and Conv2D layers.
const (
	Linear  = "linear"
	ReLU    = "relu"
	Sigmoid = "sigmoid"
)

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape is
// [batch, channels, height, width] for image models.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddInput adds an explicit input layer. It has no parameters but counts as
// a layer when a model is sliced by index, as in the reference VGG bases.
func (mb *ModelBuilder) AddInput(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Input, Name: name, Parameters: map[string]interface{}{}})
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, activation string, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    true,
			"activation":  activation,
		},
	}
	return mb.AddLayer(layer)
}

// AddConv2D adds a stride-1, same-padded Conv2D layer with a fused activation
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize int, activation string, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          1,
			"padding":         kernelSize / 2,
			"use_bias":        true,
			"activation":      activation,
		},
	}
	return mb.AddLayer(layer)
}

// AddMaxPool2D adds a max pooling layer with equal pool size and stride
func (mb *ModelBuilder) AddMaxPool2D(poolSize int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    poolSize,
		},
	}
	return mb.AddLayer(layer)
}

// AddFlatten collapses everything but the batch dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.Errorf("cannot compile empty model")
	}
	model, err := CompileLayers(mb.inputShape, mb.layers)
	if err != nil {
		return nil, err
	}
	mb.compiled = true
	return model, nil
}

// CompileLayers computes shapes and parameter information for an ordered
// list of layer specs. It is also used to re-derive shapes for specs read
// back from a checkpoint.
func CompileLayers(inputShape []int, specs []LayerSpec) (*ModelSpec, error) {
	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(specs)),
		InputShape: append([]int(nil), inputShape...),
		Compiled:   false,
	}

	names := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if names[spec.Name] {
			return nil, errors.Errorf("duplicate layer name %q", spec.Name)
		}
		names[spec.Name] = true

		// Copy parameters so compilation never mutates the caller's specs
		params := make(map[string]interface{}, len(spec.Parameters))
		for k, v := range spec.Parameters {
			params[k] = v
		}
		spec.Parameters = params
		model.Layers[i] = spec
	}

	// Compute shapes and parameter information
	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		// Set input shape for this layer
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Flatten:
		if len(inputShape) < 2 {
			return nil, nil, 0, errors.Errorf("flatten requires at least 2D input")
		}
		size := 1
		for _, d := range inputShape[1:] {
			size *= d
		}
		return []int{inputShape[0], size}, [][]int{}, 0, nil
	case Dropout:
		rate := GetFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, errors.Errorf("dropout rate %g outside [0, 1)", rate)
		}
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	case Input:
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, errors.Errorf("dense layer requires 2D input [batch, features], got %v", inputShape)
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, errors.Errorf("missing output_size parameter")
	}
	if err := checkActivation(layer.Parameters); err != nil {
		return nil, nil, 0, err
	}

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize], bias: [outputSize]
	paramShapes := [][]int{{inputSize, outputSize}, {outputSize}}
	paramCount := int64(inputSize*outputSize + outputSize)

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, errors.Errorf("missing output_channels parameter")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, errors.Errorf("missing kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	padding := GetIntParam(layer.Parameters, "padding", 0)
	if err := checkActivation(layer.Parameters); err != nil {
		return nil, nil, 0, err
	}

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, errors.Errorf("input %v too small for kernel %d", inputShape, kernelSize)
	}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize], bias: [outputChannels]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}, {outputChannels}}
	paramCount := int64(outputChannels*inputChannels*kernelSize*kernelSize + outputChannels)

	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.Errorf("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}
	pool := GetIntParam(layer.Parameters, "pool_size", 2)
	stride := GetIntParam(layer.Parameters, "stride", pool)
	outH := (inputShape[2]-pool)/stride + 1
	outW := (inputShape[3]-pool)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, errors.Errorf("input %v too small for pool size %d", inputShape, pool)
	}
	return []int{inputShape[0], inputShape[1], outH, outW}, [][]int{}, 0, nil
}

func checkActivation(params map[string]interface{}) error {
	switch act := GetStringParam(params, "activation", Linear); act {
	case Linear, ReLU, Sigmoid:
		return nil
	default:
		return errors.Errorf("unsupported activation %q", act)
	}
}

// Summary returns a Keras-style table of the model. trainable holds one
// flag per layer; nil treats every layer as trainable.
func (ms *ModelSpec) Summary(name string, trainable []bool) string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	rule := strings.Repeat("_", 72)
	fmt.Fprintf(&b, "Model: %q\n%s\n", name, rule)
	fmt.Fprintf(&b, "%-32s %-26s %12s\n", "Layer (type)", "Output Shape", "Param #")
	b.WriteString(strings.Repeat("=", 72) + "\n")

	var trainableCount, frozenCount int64
	for i, layer := range ms.Layers {
		label := fmt.Sprintf("%s (%s)", layer.Name, layer.Type)
		fmt.Fprintf(&b, "%-32s %-26s %12d\n", label, tensor.ShapeString(layer.OutputShape), layer.ParameterCount)
		if trainable == nil || trainable[i] {
			trainableCount += layer.ParameterCount
		} else {
			frozenCount += layer.ParameterCount
		}
	}

	b.WriteString(strings.Repeat("=", 72) + "\n")
	fmt.Fprintf(&b, "Total params: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Trainable params: %d\n", trainableCount)
	fmt.Fprintf(&b, "Non-trainable params: %d\n", frozenCount)
	b.WriteString(rule + "\n")
	return b.String()
}

// Helper functions for parameter extraction. Values read back from JSON
// arrive as float64, so numeric getters accept both forms.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float32:
			return float64(v)
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return defaultValue
}

func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}
