package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/config"
	"github.com/tsawler/go-xray/model"
	"github.com/tsawler/go-xray/report"
	"github.com/tsawler/go-xray/vision/dataloader"
	"github.com/tsawler/go-xray/vision/dataset"
)

// NewAcquirer returns an acquirer for the configured dataset. A nil
// downloader uses the kaggle CLI.
func NewAcquirer(cfg *config.Config, d dataset.Downloader) *dataset.Acquirer {
	if d == nil {
		d = dataset.KaggleCLI{}
	}
	dp := cfg.DataPaths
	return &dataset.Acquirer{
		Downloader:   d,
		BaseDir:      dp.BaseDataDir,
		DatasetName:  dp.KaggleDatasetName,
		ArchivePath:  cfg.ArchivePath(),
		ExtractedDir: dp.ExtractedSubDirName,
		TrainSubDir:  dp.TrainSubDir,
		TestSubDir:   dp.TestSubDir,
	}
}

// EvaluateSaved loads the saved model and evaluates it on the test split.
func EvaluateSaved(cfg *config.Config, deps Deps) (*report.Evaluation, error) {
	if _, err := os.Stat(cfg.ModelPath()); err != nil {
		return nil, errors.Wrapf(err, "no saved model at %s, train one first", cfg.ModelPath())
	}
	if err := dataset.VerifyLayout(cfg.DatasetRoot(), cfg.DataPaths.TrainSubDir, cfg.DataPaths.TestSubDir); err != nil {
		return nil, err
	}

	seeds := cfg.Seeds()
	clf, err := model.Load(cfg.ModelPath(), config.NewRand(seeds.Dropout))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", cfg.ModelPath())
	}
	test, err := dataloader.NewTestGenerator(cfg.TestDir(), generatorOptions(cfg, seeds))
	if err != nil {
		return nil, err
	}

	eval, _, err := evaluateAndRender(cfg, clf, test, nil, deps.out())
	return eval, err
}

// ExportONNX converts the saved model to ONNX next to it and returns the
// path written.
func ExportONNX(cfg *config.Config, deps Deps) (string, error) {
	clf, err := model.Load(cfg.ModelPath(), config.NewRand(cfg.Seeds().Dropout))
	if err != nil {
		return "", errors.Wrapf(err, "load %s", cfg.ModelPath())
	}
	path := cfg.ONNXPath()
	if err := clf.Save(path); err != nil {
		return "", errors.Wrap(err, "export onnx")
	}
	fmt.Fprintf(deps.out(), "ONNX model exported to %s\n", path)
	return path, nil
}

// Download makes the dataset available and returns its root.
func Download(ctx context.Context, cfg *config.Config, d dataset.Downloader) (string, error) {
	return NewAcquirer(cfg, d).Acquire(ctx)
}
