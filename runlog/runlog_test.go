package runlog

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-xray/config"
	"github.com/tsawler/go-xray/report"
	"github.com/tsawler/go-xray/training"
	"gopkg.in/yaml.v3"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func history(epochs int, base float64) *training.History {
	h := training.NewHistory()
	for i := 1; i <= epochs; i++ {
		h.Append(i, training.Logs{
			training.MetricLoss:        base / float64(i),
			training.MetricAccuracy:    0.6,
			training.MetricValLoss:     base,
			training.MetricValAccuracy: 0.55,
			training.MetricLR:          1e-4,
		})
	}
	return h
}

func TestOpenMigrates(t *testing.T) {
	s := openStore(t)

	v, dirty, err := Version(s.Path())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(SchemaVersion), v)

	// reopening an up-to-date database is a no-op
	require.NoError(t, s.Close())
	s2, err := Open(s.Path())
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	cfg := config.Default()
	cfg.Seed = 7

	run, err := s.Start(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	rec, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, "vgg16", rec.Backbone)
	assert.Equal(t, int64(7), rec.Seed)
	assert.Nil(t, rec.FinishedAt)
	assert.False(t, rec.TestAccuracy.Valid)

	var stored config.Config
	require.NoError(t, yaml.Unmarshal([]byte(rec.Config), &stored))
	assert.Equal(t, cfg.TrainingParams, stored.TrainingParams)

	require.NoError(t, run.RecordHistory("frozen", history(3, 1.0)))
	require.NoError(t, run.RecordHistory("fine_tune", history(2, 0.5)))

	eval := &report.Evaluation{Loss: 0.31, Accuracy: 0.875, AUC: 0.93}
	require.NoError(t, run.Finish(eval, "models/pneumonia_classifier_model.json"))

	rec, err = s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, rec.Status)
	require.NotNil(t, rec.FinishedAt)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
	assert.InDelta(t, 0.875, rec.TestAccuracy.Float64, 1e-9)
	assert.InDelta(t, 0.93, rec.TestAUC.Float64, 1e-9)
	assert.Equal(t, "models/pneumonia_classifier_model.json", rec.ModelPath)

	epochs, err := s.Epochs(run.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 5)
	assert.Equal(t, "frozen", epochs[0].Phase)
	assert.Equal(t, 1, epochs[0].Epoch)
	assert.InDelta(t, 0.5, epochs[1].Loss, 1e-9)
	assert.Equal(t, "fine_tune", epochs[3].Phase)
	assert.Equal(t, 2, epochs[4].Epoch)
	assert.InDelta(t, 1e-4, epochs[4].LR, 1e-12)
}

func TestRecordHistoryReplacesPhase(t *testing.T) {
	s := openStore(t)
	run, err := s.Start(config.Default())
	require.NoError(t, err)

	require.NoError(t, run.RecordHistory("frozen", history(2, 1.0)))
	require.NoError(t, run.RecordHistory("frozen", history(2, 2.0)))

	epochs, err := s.Epochs(run.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.InDelta(t, 2.0, epochs[0].ValLoss, 1e-9)
}

func TestFail(t *testing.T) {
	s := openStore(t)
	run, err := s.Start(config.Default())
	require.NoError(t, err)

	require.NoError(t, run.Fail(errors.New("epoch 3: decode image: unexpected EOF")))

	rec, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "unexpected EOF")
	assert.False(t, rec.TestLoss.Valid)
}

func TestRunsAndMissing(t *testing.T) {
	s := openStore(t)
	first, err := s.Start(config.Default())
	require.NoError(t, err)
	second, err := s.Start(config.Default())
	require.NoError(t, err)

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	_, err = s.Get("no-such-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}
