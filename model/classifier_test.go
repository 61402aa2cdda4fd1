package model

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-xray/layers"
	"github.com/tsawler/go-xray/tensor"
)

func tinySpec() BuildSpec {
	return BuildSpec{
		Name:         "tiny",
		InputShape:   []int{8, 8, 3},
		Backbone:     Backbone{Name: "tiny", Blocks: [][]int{{4}, {8}}},
		DenseUnits:   6,
		DropoutRate:  0.5,
		LearningRate: 1e-3,
		ClassNames:   []string{"NORMAL", "PNEUMONIA"},
	}
}

func buildTiny(t *testing.T, seed int64) *Classifier {
	t.Helper()
	c, err := Build(tinySpec(), rand.New(rand.NewSource(seed)), rand.New(rand.NewSource(seed+100)))
	require.NoError(t, err)
	return c
}

func randomBatch(seed int64, n int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(n, 3, 8, 8)
	for i := range x.Data {
		x.Data[i] = rng.Float32()
	}
	return x
}

func TestBuild(t *testing.T) {
	c := buildTiny(t, 1)
	spec := c.Network().Spec()

	require.Len(t, spec.Layers, 5+4)
	out := spec.Layers[len(spec.Layers)-1]
	assert.Equal(t, layers.Dense, out.Type)
	assert.Equal(t, 1, layers.GetIntParam(out.Parameters, "output_size", 0))
	assert.Equal(t, layers.Sigmoid, layers.GetStringParam(out.Parameters, "activation", ""))
	assert.Equal(t, []int{1, 1}, spec.OutputShape)

	assert.Equal(t, 5, c.Backbone().Len())
	for _, l := range c.Backbone().Layers() {
		assert.False(t, l.Trainable(), "backbone layer %s should be frozen", l.Spec().Name)
	}
	for _, l := range c.Network().Layers()[5:] {
		assert.True(t, l.Trainable(), "head layer %s should be trainable", l.Spec().Name)
	}
	assert.Zero(t, c.Backbone().TrainableParamCount())
	assert.Positive(t, c.Backbone().NonTrainableParamCount())

	assert.Equal(t, Built, c.State())
	assert.InDelta(t, 1e-3, c.LearningRate(), 1e-12)
	assert.Equal(t, "binary_crossentropy", c.Loss().Name())

	pred, err := c.Forward(randomBatch(2, 3), false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, pred.Shape)
	for _, p := range pred.Data {
		assert.True(t, p > 0 && p < 1, "probability %v outside (0, 1)", p)
	}

	assert.Contains(t, c.Summary(), "Non-trainable params:")
}

func TestBuildIsDeterministic(t *testing.T) {
	a := buildTiny(t, 9).Weights()
	b := buildTiny(t, 9).Weights()
	assert.Equal(t, a, b)
}

func TestVGG16Layout(t *testing.T) {
	vgg := VGG16()
	assert.Equal(t, 19, vgg.NumLayers())
	assert.Equal(t, 13, vgg.NumConvs())

	spec, err := vgg.Spec([]int{1, 3, 224, 224})
	require.NoError(t, err)
	require.Len(t, spec.Layers, 19)
	assert.Equal(t, layers.Input, spec.Layers[0].Type)
	assert.Equal(t, "block1_conv1", spec.Layers[1].Name)
	assert.Equal(t, "block5_pool", spec.Layers[18].Name)
	assert.Equal(t, []int{1, 512, 7, 7}, spec.OutputShape)
	assert.Equal(t, int64(14714688), spec.TotalParameters)

	names := vgg.ConvNames()
	assert.Equal(t, "block5_conv3", names[len(names)-1])

	_, err = BackboneByName("resnet50")
	assert.Error(t, err)
}

func TestStateMachine(t *testing.T) {
	c := buildTiny(t, 1)

	_, err := c.FineTune(2, 1e-5)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "fine-tune from built: %v", err)

	require.NoError(t, c.MarkTrained())
	assert.Equal(t, FrozenTrained, c.State())
	assert.True(t, errors.Is(c.MarkTrained(), ErrInvalidTransition))

	_, err = c.FineTune(2, 1e-5)
	require.NoError(t, err)
	assert.Equal(t, Unfrozen, c.State())

	_, err = c.FineTune(2, 1e-5)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "fine-tune twice: %v", err)

	require.NoError(t, c.MarkTrained())
	assert.Equal(t, FineTuned, c.State())
	assert.True(t, errors.Is(c.MarkTrained(), ErrInvalidTransition))

	_, err = c.FineTune(1, 1e-5)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestFineTuneUnfreezesLastK(t *testing.T) {
	for _, k := range []int{0, 1, 2, 5, 10} {
		c := buildTiny(t, 1)
		require.NoError(t, c.MarkTrained())
		_, err := c.FineTune(k, 1e-5)
		require.NoError(t, err)

		n := c.Backbone().Len()
		for i, l := range c.Backbone().Layers() {
			assert.Equal(t, i >= n-k, l.Trainable(), "k=%d layer %d (%s)", k, i, l.Spec().Name)
		}
		for _, l := range c.Network().Layers()[n:] {
			assert.True(t, l.Trainable(), "k=%d head layer %s", k, l.Spec().Name)
		}
		assert.InDelta(t, 1e-5, c.LearningRate(), 1e-15)
	}

	c := buildTiny(t, 1)
	require.NoError(t, c.MarkTrained())
	_, err := c.FineTune(-1, 1e-5)
	assert.Error(t, err)
}

// trainSteps runs n optimisation steps on a fixed batch.
func trainSteps(t *testing.T, c *Classifier, n int) {
	t.Helper()
	x := randomBatch(3, 4)
	y := []float32{0, 1, 1, 0}
	for i := 0; i < n; i++ {
		pred, err := c.Forward(x, true)
		require.NoError(t, err)
		grad, err := c.Loss().Backward(pred, y)
		require.NoError(t, err)
		require.NoError(t, c.Backward(grad))
		require.NoError(t, c.Step())
	}
}

func TestTrainingLeavesFrozenBackboneUntouched(t *testing.T) {
	c := buildTiny(t, 1)
	before := c.Weights()
	trainSteps(t, c, 3)
	after := c.Weights()

	// four backbone tensors (two convs) come first
	for i := 0; i < 4; i++ {
		assert.Equal(t, before[i], after[i], "backbone tensor %d changed", i)
	}
	assert.NotEqual(t, before[len(before)-2], after[len(after)-2], "output kernel did not change")
}

func TestFineTuneResetsOptimizer(t *testing.T) {
	c := buildTiny(t, 1)
	trainSteps(t, c, 2)
	assert.Equal(t, uint64(2), c.Optimizer().GetStepCount())

	require.NoError(t, c.MarkTrained())
	_, err := c.FineTune(2, 1e-5)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), c.Optimizer().GetStepCount())
	state, err := c.Optimizer().GetState()
	require.NoError(t, err)
	assert.Empty(t, state.StateData)

	before := c.Weights()
	trainSteps(t, c, 1)
	after := c.Weights()
	// block2_conv1 sits in the last two backbone layers and now learns
	assert.NotEqual(t, before[2], after[2])
	assert.Equal(t, before[0], after[0])
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := buildTiny(t, 1)
	trainSteps(t, c, 2)
	require.NoError(t, c.MarkTrained())
	_, err := c.FineTune(2, 1e-5)
	require.NoError(t, err)
	trainSteps(t, c, 1)

	path := filepath.Join(t.TempDir(), "pneumonia_classifier_model.json")
	require.NoError(t, c.Save(path))

	loaded, err := Load(path, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	assert.Equal(t, c.Name(), loaded.Name())
	assert.Equal(t, Unfrozen, loaded.State())
	assert.Equal(t, c.ClassNames(), loaded.ClassNames())
	assert.Equal(t, c.Network().TrainableFlags(), loaded.Network().TrainableFlags())
	assert.Equal(t, c.Backbone().Len(), loaded.Backbone().Len())
	assert.InDelta(t, 1e-5, loaded.LearningRate(), 1e-15)
	assert.Equal(t, uint64(1), loaded.Optimizer().GetStepCount())

	x := randomBatch(4, 5)
	want, err := c.Forward(x, false)
	require.NoError(t, err)
	got, err := loaded.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestParseState(t *testing.T) {
	for _, s := range []State{Built, FrozenTrained, Unfrozen, FineTuned} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseState("trained")
	assert.Error(t, err)
}
