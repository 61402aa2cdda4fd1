package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/engine"
	"github.com/tsawler/go-xray/layers"
)

func buildTestNetwork(t *testing.T, seed int64) *engine.Network {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 3, 8, 8}).
		AddInput("input").
		AddConv2D(4, 3, layers.ReLU, "conv1").
		AddMaxPool2D(2, "pool1").
		AddFlatten("flatten").
		AddDense(6, layers.ReLU, "dense").
		AddDropout(0.5, "dropout").
		AddDense(1, layers.Sigmoid, "output").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	net, err := engine.NewNetwork(spec, rand.New(rand.NewSource(seed)), rand.New(rand.NewSource(seed+1)))
	if err != nil {
		t.Fatalf("Failed to create network: %v", err)
	}
	return net
}

func testCheckpoint(net *engine.Network) *Checkpoint {
	return &Checkpoint{
		ModelSpec: net.Spec(),
		Weights:   ExtractWeights(net),
		Trainable: net.TrainableFlags(),
		Model: ModelInfo{
			Name:           "test_classifier",
			State:          "FrozenTrained",
			BackboneLayers: 3,
			ClassNames:     []string{"Normal", "Pneumonia"},
		},
		TrainingState: TrainingState{Epoch: 4, LearningRate: 1e-4, BestLoss: 0.3},
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	net := buildTestNetwork(t, 1)
	net.Layers()[1].SetTrainable(false)
	checkpoint := testCheckpoint(net)

	path := filepath.Join(t.TempDir(), "model.json")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}

	if loaded.Model.State != "FrozenTrained" || loaded.Model.BackboneLayers != 3 {
		t.Errorf("model info not preserved: %+v", loaded.Model)
	}
	if len(loaded.Model.ClassNames) != 2 || loaded.Model.ClassNames[1] != "Pneumonia" {
		t.Errorf("class names not preserved: %v", loaded.Model.ClassNames)
	}
	if loaded.Metadata.Framework != "go-xray" {
		t.Errorf("expected framework go-xray, got %q", loaded.Metadata.Framework)
	}
	if loaded.Trainable[1] {
		t.Errorf("trainable flags not preserved: %v", loaded.Trainable)
	}
	if loaded.ModelSpec.TotalParameters != net.Spec().TotalParameters {
		t.Errorf("expected %d parameters, got %d", net.Spec().TotalParameters, loaded.ModelSpec.TotalParameters)
	}

	// a fresh network with different init takes the saved weights
	other := buildTestNetwork(t, 99)
	if err := LoadWeights(other, loaded.Weights); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	want := net.Weights()
	got := other.Weights()
	for i := range want {
		for j := range want[i] {
			if want[i][j] != got[i][j] {
				t.Fatalf("weight %d[%d]: got %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestSaveJSONLeavesNoTempFiles(t *testing.T) {
	net := buildTestNetwork(t, 1)
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(testCheckpoint(net), path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "model.json" {
		t.Errorf("expected only model.json, found %v", entries)
	}
}

func TestLoadMissingCheckpointKeepsCause(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	for _, format := range []CheckpointFormat{FormatJSON, FormatONNX} {
		_, err := NewCheckpointSaver(format).LoadCheckpoint(missing)
		if err == nil {
			t.Fatalf("%s: expected error for missing file", format)
		}
		if !os.IsNotExist(errors.Cause(err)) {
			t.Errorf("%s: cause should be a not-exist error, got %v", format, err)
		}
	}
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	net := buildTestNetwork(t, 1)
	weights := ExtractWeights(net)

	if err := LoadWeights(net, weights[:len(weights)-1]); err == nil {
		t.Error("expected error for missing weights")
	}

	weights[0].Data = weights[0].Data[:3]
	if err := LoadWeights(net, weights); err == nil {
		t.Error("expected error for wrong tensor size")
	}
}

func TestONNXRoundTrip(t *testing.T) {
	net := buildTestNetwork(t, 3)
	path := filepath.Join(t.TempDir(), "model.onnx")

	if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(testCheckpoint(net), path); err != nil {
		t.Fatalf("Failed to export ONNX: %v", err)
	}

	imported, err := NewCheckpointSaver(FormatONNX).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to import ONNX: %v", err)
	}

	// the Input layer is folded into the graph input
	orig := net.Spec().Layers[1:]
	if len(imported.ModelSpec.Layers) != len(orig) {
		t.Fatalf("expected %d layers, got %d", len(orig), len(imported.ModelSpec.Layers))
	}
	for i, l := range imported.ModelSpec.Layers {
		if l.Type != orig[i].Type || l.Name != orig[i].Name {
			t.Errorf("layer %d: got %s %s, want %s %s", i, l.Type, l.Name, orig[i].Type, orig[i].Name)
		}
		if !equalInts(l.OutputShape, orig[i].OutputShape) {
			t.Errorf("layer %s: output shape %v, want %v", l.Name, l.OutputShape, orig[i].OutputShape)
		}
	}
	if act := layers.GetStringParam(imported.ModelSpec.Layers[5].Parameters, "activation", ""); act != layers.Sigmoid {
		t.Errorf("expected sigmoid output activation, got %q", act)
	}
	if rate := layers.GetFloatParam(imported.ModelSpec.Layers[4].Parameters, "rate", 0); rate != 0.5 {
		t.Errorf("expected dropout rate 0.5, got %v", rate)
	}

	byName := map[string]WeightTensor{}
	for _, w := range imported.Weights {
		byName[w.Name] = w
	}
	for _, p := range net.Params() {
		w, ok := byName[p.Name]
		if !ok {
			t.Fatalf("imported model is missing %s", p.Name)
		}
		for i := range p.Value.Data {
			if w.Data[i] != p.Value.Data[i] {
				t.Fatalf("%s[%d]: got %v, want %v", p.Name, i, w.Data[i], p.Value.Data[i])
			}
		}
	}
}

func TestImportConvWeights(t *testing.T) {
	net := buildTestNetwork(t, 5)
	path := filepath.Join(t.TempDir(), "backbone.onnx")
	if err := NewONNXExporter().ExportToONNX(testCheckpoint(net), path); err != nil {
		t.Fatalf("Failed to export ONNX: %v", err)
	}

	convs, err := NewONNXImporter().ImportConvWeights(path)
	if err != nil {
		t.Fatalf("ImportConvWeights failed: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 convolution, got %d", len(convs))
	}
	if !equalInts(convs[0].Kernel.Shape, []int{4, 3, 3, 3}) || !equalInts(convs[0].Bias.Shape, []int{4}) {
		t.Errorf("unexpected shapes %v %v", convs[0].Kernel.Shape, convs[0].Bias.Shape)
	}
	kernel := net.Layers()[1].Params()[0].Value.Data
	for i := range kernel {
		if convs[0].Kernel.Data[i] != kernel[i] {
			t.Fatalf("kernel[%d]: got %v, want %v", i, convs[0].Kernel.Data[i], kernel[i])
		}
	}
}

func TestTensorProtoFloatData(t *testing.T) {
	model := &ModelProto{
		IrVersion: 7,
		Graph: &GraphProto{
			Name: "g",
			Initializer: []*TensorProto{
				createTensorProto("raw", []int{2}, []float32{1.5, -2}),
			},
		},
	}
	decoded, err := UnmarshalModel(model.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalModel failed: %v", err)
	}
	vals, err := decoded.Graph.Initializer[0].Floats()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 2 || vals[0] != 1.5 || vals[1] != -2 {
		t.Errorf("got %v", vals)
	}

	unpacked := &TensorProto{Name: "f", DataType: TensorProto_DataType_FLOAT, FloatData: []float32{3}}
	if vals, err := unpacked.Floats(); err != nil || vals[0] != 3 {
		t.Errorf("float_data: got %v, %v", vals, err)
	}
	if _, err := (&TensorProto{Name: "i", DataType: 7}).Floats(); err == nil {
		t.Error("expected error for non-float tensor")
	}
}

func equalInts(a, b []int) bool {
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
