package model

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exportONNX writes c as an ONNX model and returns its path.
func exportONNX(t *testing.T, c *Classifier) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backbone.onnx")
	require.NoError(t, c.Save(path))
	return path
}

func TestLoadBackboneWeights(t *testing.T) {
	source := buildTiny(t, 1)
	path := exportONNX(t, source)

	target := buildTiny(t, 2)
	headBefore := target.Weights()[4:]
	require.NoError(t, target.LoadBackboneWeights(path))

	want := source.Weights()
	got := target.Weights()
	for i := 0; i < 4; i++ {
		assert.Equal(t, want[i], got[i], "backbone tensor %d", i)
	}
	assert.Equal(t, headBefore, got[4:], "head must keep its own initialisation")
}

func TestLoadBackboneWeightsMismatch(t *testing.T) {
	path := exportONNX(t, buildTiny(t, 1))

	deeper := tinySpec()
	deeper.Backbone.Blocks = [][]int{{4}, {8}, {8}}
	c, err := Build(deeper, rand.New(rand.NewSource(1)), rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.Error(t, c.LoadBackboneWeights(path), "too few convolutions")

	wider := tinySpec()
	wider.Backbone.Blocks = [][]int{{5}, {8}}
	c, err = Build(wider, rand.New(rand.NewSource(1)), rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.Error(t, c.LoadBackboneWeights(path), "kernel shape mismatch")
}

func TestInitBackboneWithoutWeightsPath(t *testing.T) {
	c := buildTiny(t, 1)
	before := c.Weights()

	require.NoError(t, c.InitBackbone(context.Background(), "", ""))
	assert.Equal(t, before, c.Weights())
}

func TestInitBackboneRequiresConfiguredWeights(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"no url", ""},
		{"download fails", srv.URL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := buildTiny(t, 1)
			before := c.Weights()

			err := c.InitBackbone(context.Background(), filepath.Join(t.TempDir(), "missing.onnx"), tt.url)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrWeightsUnavailable), "got %v", err)
			assert.Equal(t, before, c.Weights())
		})
	}
}

func TestInitBackboneFetchesMissingWeights(t *testing.T) {
	onnx, err := os.ReadFile(exportONNX(t, buildTiny(t, 1)))
	require.NoError(t, err)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(onnx)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "weights", "vgg.onnx")
	c := buildTiny(t, 2)
	require.NoError(t, c.InitBackbone(context.Background(), dest, srv.URL))
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, buildTiny(t, 1).Weights()[0], c.Weights()[0])

	// present files are not downloaded again
	require.NoError(t, FetchWeights(context.Background(), srv.Client(), srv.URL, dest))
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchWeightsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "vgg.onnx")
	assert.Error(t, FetchWeights(context.Background(), srv.Client(), srv.URL, dest))
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads must be cleaned up")
}
