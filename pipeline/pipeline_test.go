package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-xray/config"
	"github.com/tsawler/go-xray/model"
	"github.com/tsawler/go-xray/report"
	"github.com/tsawler/go-xray/runlog"
	"github.com/tsawler/go-xray/vision/dataset"
)

// writeXRay writes a 12x12 grayscale PNG. Pneumonia images are bright in
// the centre, normal ones dark, so the tiny model can separate them.
func writeXRay(t *testing.T, path string, pneumonia bool, i int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			v := uint8(20 + (x*y+i)%30)
			if pneumonia && x > 2 && x < 9 && y > 2 && y < 9 {
				v = uint8(200 + i%40)
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeSplit(t *testing.T, dir string, perClass int) {
	for i := 0; i < perClass; i++ {
		writeXRay(t, filepath.Join(dir, "NORMAL", fmt.Sprintf("IM-%04d.png", i)), false, i)
		writeXRay(t, filepath.Join(dir, "PNEUMONIA", fmt.Sprintf("person%d_bacteria.png", i)), true, i)
	}
}

// testConfig returns a small configuration rooted in a temp directory with
// an extracted dataset already in place.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataPaths.BaseDataDir = filepath.Join(root, "data")
	cfg.ModelParams.Backbone = "tiny_vgg"
	cfg.ModelParams.InputShape = []int{8, 8, 3}
	cfg.ModelParams.TargetSize = []int{8, 8}
	cfg.ModelParams.DenseUnits = 8
	cfg.ModelParams.DropoutRate = 0.2
	cfg.ModelParams.PretrainedWeights = ""
	cfg.ModelParams.PretrainedWeightsURL = ""
	cfg.TrainingParams.BatchSize = 4
	cfg.TrainingParams.Epochs = 2
	cfg.TrainingParams.FineTuneEpochs = 1
	cfg.TrainingParams.FineTuneUnfreezeLayers = 2
	cfg.TrainingParams.NumWorkers = 2
	cfg.TrainingParams.TestCacheSize = 32
	cfg.ModelSaveDir = filepath.Join(root, "models")
	cfg.ReportDir = filepath.Join(root, "reports")
	cfg.RunDB = filepath.Join(root, "runs.db")
	require.NoError(t, cfg.Validate())

	writeSplit(t, cfg.TrainDir(), 6)
	writeSplit(t, cfg.TestDir(), 3)
	return cfg
}

func TestRunBothPhases(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	res, err := Run(context.Background(), cfg, Deps{Out: &out})
	require.NoError(t, err)

	assert.Equal(t, model.FineTuned, res.Model.State())
	assert.Equal(t, 3, res.History.Len(), "2 frozen epochs followed by 1 fine-tuning epoch")
	assert.InDelta(t, cfg.TrainingParams.FineTuneLearningRate, res.History.Metric("lr")[2], 1e-12)
	assert.InDelta(t, cfg.TrainingParams.InitialLearningRate, res.History.Metric("lr")[0], 1e-12)

	assert.Len(t, res.Evaluation.Labels, 6)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Evaluation.Labels)
	assert.Equal(t, cfg.ModelParams.ClassNames, res.Evaluation.ClassNames)

	assert.Equal(t, filepath.Join(cfg.ModelSaveDir, "pneumonia_classifier_model.json"), res.ModelPath)
	assert.FileExists(t, res.ModelPath)
	assert.Empty(t, res.ONNXPath)
	assert.FileExists(t, res.Report.Dashboard)
	assert.FileExists(t, res.Report.History)

	// the last 2 backbone layers are trainable after fine-tuning
	flags := res.Model.Backbone().Layers()
	assert.False(t, flags[len(flags)-3].Trainable())
	assert.True(t, flags[len(flags)-1].Trainable())

	text := out.String()
	assert.Contains(t, text, "Epoch 2/2")
	assert.Contains(t, text, "Epoch 1/1")
	assert.Contains(t, text, "Classification Report")
	assert.Contains(t, text, "Model saved to")

	store, err := runlog.Open(cfg.RunDB)
	require.NoError(t, err)
	defer store.Close()
	rec, err := store.Get(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusFinished, rec.Status)
	epochs, err := store.Epochs(res.RunID)
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.Equal(t, PhaseFineTune, epochs[2].Phase)

	loaded, err := model.Load(res.ModelPath, config.NewRand(1))
	require.NoError(t, err)
	assert.Equal(t, model.FineTuned, loaded.State())
	assert.Equal(t, res.Model.Weights(), loaded.Weights())
}

func TestRunSkipsFineTuning(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainingParams.FineTuneEpochs = 0
	cfg.RunDB = ""
	cfg.ExportONNX = true

	res, err := Run(context.Background(), cfg, Deps{Out: &bytes.Buffer{}})
	require.NoError(t, err)

	assert.Equal(t, model.FrozenTrained, res.Model.State())
	assert.Equal(t, 2, res.History.Len())
	assert.Empty(t, res.RunID)
	for _, l := range res.Model.Backbone().Layers() {
		assert.False(t, l.Trainable(), "backbone stays frozen without fine-tuning")
	}
	assert.FileExists(t, res.ONNXPath)
}

func TestRunIsDeterministic(t *testing.T) {
	a := testConfig(t)
	a.TrainingParams.FineTuneEpochs = 0
	a.TrainingParams.NumWorkers = 1
	b := testConfig(t)
	b.TrainingParams.FineTuneEpochs = 0
	b.TrainingParams.NumWorkers = 3

	ra, err := Run(context.Background(), a, Deps{Out: &bytes.Buffer{}})
	require.NoError(t, err)
	rb, err := Run(context.Background(), b, Deps{Out: &bytes.Buffer{}})
	require.NoError(t, err)

	assert.Equal(t, ra.History.Metric("loss"), rb.History.Metric("loss"))
	assert.Equal(t, ra.Evaluation.Probabilities, rb.Evaluation.Probabilities)
}

func TestRunWithoutDataset(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.RemoveAll(cfg.TestDir()))

	_, err := Run(context.Background(), cfg, Deps{Out: &bytes.Buffer{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrDatasetMissing))
	assert.NotEmpty(t, dataset.Hint(err))
	assert.NoFileExists(t, cfg.ModelPath())

	store, err := runlog.Open(cfg.RunDB)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.StatusFailed, runs[0].Status)
}

func TestRunFailsWhenPretrainedWeightsUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.ModelParams.PretrainedWeights = filepath.Join(t.TempDir(), "missing.onnx")

	_, err := Run(context.Background(), cfg, Deps{Out: &bytes.Buffer{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrWeightsUnavailable), "got %v", err)
	assert.NoFileExists(t, cfg.ModelPath())

	store, err := runlog.Open(cfg.RunDB)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.StatusFailed, runs[0].Status)
}

func TestFinishRunSurvivesRegistryFailure(t *testing.T) {
	cfg := testConfig(t)
	store, err := runlog.Open(cfg.RunDB)
	require.NoError(t, err)
	run, err := store.Start(cfg)
	require.NoError(t, err)

	res := &Result{Evaluation: &report.Evaluation{Accuracy: 0.9}, ModelPath: cfg.ModelPath()}
	require.NoError(t, store.Close())
	finishRun(run, res)
	assert.Empty(t, res.RunID, "an unrecorded run has no id")

	store, err = runlog.Open(cfg.RunDB)
	require.NoError(t, err)
	defer store.Close()
	rec, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusRunning, rec.Status)

	run, err = store.Start(cfg)
	require.NoError(t, err)
	finishRun(run, res)
	assert.Equal(t, run.ID, res.RunID)
	rec, err = store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusFinished, rec.Status)
}

func TestEvaluateSavedAndExport(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainingParams.FineTuneEpochs = 0
	cfg.RunDB = ""

	_, err := EvaluateSaved(cfg, Deps{Out: &bytes.Buffer{}})
	require.Error(t, err, "nothing has been saved yet")

	res, err := Run(context.Background(), cfg, Deps{Out: &bytes.Buffer{}})
	require.NoError(t, err)

	var out bytes.Buffer
	eval, err := EvaluateSaved(cfg, Deps{Out: &out})
	require.NoError(t, err)
	assert.Equal(t, res.Evaluation.Probabilities, eval.Probabilities)
	assert.Equal(t, res.Evaluation.Matrix.Matrix, eval.Matrix.Matrix)
	assert.Contains(t, out.String(), "Confusion Matrix")

	path, err := ExportONNX(cfg, Deps{Out: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, cfg.ONNXPath(), path)
	assert.FileExists(t, path)
}

// zipDownloader serves a kaggle-style archive built from a local split tree.
type zipDownloader struct {
	src   string
	calls int
}

func (z *zipDownloader) Download(_ context.Context, name, destDir string) error {
	z.calls++
	f, err := os.Create(filepath.Join(destDir, "chest-xray-pneumonia.zip"))
	if err != nil {
		return err
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	err = filepath.Walk(z.src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(z.src, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join("chest_xray", rel)))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func TestDownloadThenRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunDB = ""
	cfg.TrainingParams.FineTuneEpochs = 0

	// move the prepared splits aside so that they have to be downloaded
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.Rename(cfg.DatasetRoot(), src))

	d := &zipDownloader{src: src}
	root, err := Download(context.Background(), cfg, d)
	require.NoError(t, err)
	assert.Equal(t, cfg.DatasetRoot(), root)
	assert.NoFileExists(t, cfg.ArchivePath())

	_, err = Download(context.Background(), cfg, d)
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls, "a present dataset is not downloaded again")

	_, err = Run(context.Background(), cfg, Deps{Out: &bytes.Buffer{}})
	require.NoError(t, err)
}
