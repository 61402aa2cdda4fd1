// Package pipeline runs the end-to-end workflow: data generators, model
// construction, the frozen and fine-tuning phases, evaluation, reporting
// and persistence.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/config"
	"github.com/tsawler/go-xray/model"
	"github.com/tsawler/go-xray/report"
	"github.com/tsawler/go-xray/runlog"
	"github.com/tsawler/go-xray/training"
	"github.com/tsawler/go-xray/vision/dataloader"
	"github.com/tsawler/go-xray/vision/dataset"
	"github.com/tsawler/go-xray/vision/preprocessing"
	"k8s.io/klog/v2"
)

// Phase names used in the run registry.
const (
	PhaseFrozen   = "frozen"
	PhaseFineTune = "fine_tune"
)

// Deps holds what Run needs from its caller.
type Deps struct {
	// Out receives summaries, progress bars and the report. Nil means stdout.
	Out io.Writer
}

func (d Deps) out() io.Writer {
	if d.Out == nil {
		return os.Stdout
	}
	return d.Out
}

// Result is everything a successful run produced.
type Result struct {
	Model      *model.Classifier
	History    *training.History
	Evaluation *report.Evaluation
	Report     *report.Files
	ModelPath  string
	ONNXPath   string // empty unless export_onnx is set
	RunID      string // empty without a run registry
}

// Run trains, evaluates and saves the classifier described by cfg. The
// dataset must already be extracted. Any failure aborts the run before the
// model is saved. Failing to mark the run finished in the registry is only
// logged, and leaves Result.RunID empty.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (*Result, error) {
	var run *runlog.Run
	if cfg.RunDB != "" {
		store, err := runlog.Open(cfg.RunDB)
		if err != nil {
			return nil, errors.Wrap(err, "run registry")
		}
		defer store.Close()
		if run, err = store.Start(cfg); err != nil {
			return nil, err
		}
	}

	res, err := train(ctx, cfg, deps, run)
	if err != nil {
		if run != nil {
			if ferr := run.Fail(err); ferr != nil {
				klog.Warningf("Could not record failure of run %s: %v", run.ID, ferr)
			}
		}
		return nil, err
	}
	if run != nil {
		finishRun(run, res)
	}
	return res, nil
}

// finishRun records the outcome of a successful run. The model is already
// saved at this point, so a registry failure only costs the record.
func finishRun(run *runlog.Run, res *Result) {
	if err := run.Finish(res.Evaluation, res.ModelPath); err != nil {
		klog.Warningf("Model saved to %s but run %s could not be recorded: %v", res.ModelPath, run.ID, err)
		return
	}
	res.RunID = run.ID
	klog.Infof("Run %s recorded", run.ID)
}

func train(ctx context.Context, cfg *config.Config, deps Deps, run *runlog.Run) (*Result, error) {
	out := deps.out()

	if err := dataset.VerifyLayout(cfg.DatasetRoot(), cfg.DataPaths.TrainSubDir, cfg.DataPaths.TestSubDir); err != nil {
		return nil, err
	}

	seeds := cfg.Seeds()
	trainGen, testGen, err := dataloader.NewGenerators(cfg.TrainDir(), cfg.TestDir(), generatorOptions(cfg, seeds))
	if err != nil {
		return nil, errors.Wrap(err, "create generators")
	}

	clf, err := buildModel(ctx, cfg, seeds)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(out, clf.Summary())

	tp := cfg.TrainingParams
	klog.Infof("Phase 1: training the classification head for up to %d epochs", tp.Epochs)
	cbs, err := callbacks(cfg)
	if err != nil {
		return nil, err
	}
	history, err := training.Fit(clf, trainGen, testGen, training.FitConfig{
		Epochs:       tp.Epochs,
		LearningRate: tp.InitialLearningRate,
		Callbacks:    cbs,
		Output:       out,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initial training")
	}
	if err := clf.MarkTrained(); err != nil {
		return nil, err
	}
	if err := record(run, PhaseFrozen, history); err != nil {
		return nil, err
	}

	if tp.FineTuneEpochs > 0 {
		klog.Infof("Phase 2: fine-tuning the last %d backbone layers for up to %d epochs",
			tp.FineTuneUnfreezeLayers, tp.FineTuneEpochs)
		if clf, err = clf.FineTune(tp.FineTuneUnfreezeLayers, tp.FineTuneLearningRate); err != nil {
			return nil, err
		}
		fmt.Fprintln(out, clf.Summary())

		if cbs, err = callbacks(cfg); err != nil {
			return nil, err
		}
		fine, err := training.Fit(clf, trainGen, testGen, training.FitConfig{
			Epochs:       tp.FineTuneEpochs,
			LearningRate: tp.FineTuneLearningRate,
			Callbacks:    cbs,
			Output:       out,
		})
		if err != nil {
			return nil, errors.Wrap(err, "fine-tuning")
		}
		if err := clf.MarkTrained(); err != nil {
			return nil, err
		}
		if err := record(run, PhaseFineTune, fine); err != nil {
			return nil, err
		}
		if history, err = history.Merge(fine); err != nil {
			return nil, err
		}
	} else {
		klog.Infof("fine_tune_epochs is 0, skipping fine-tuning")
	}

	eval, files, err := evaluateAndRender(cfg, clf, testGen, history, out)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Model:      clf,
		History:    history,
		Evaluation: eval,
		Report:     files,
		ModelPath:  cfg.ModelPath(),
	}
	if err := os.MkdirAll(cfg.ModelSaveDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", cfg.ModelSaveDir)
	}
	if err := clf.Save(res.ModelPath); err != nil {
		return nil, errors.Wrap(err, "save model")
	}
	fmt.Fprintf(out, "Model saved to %s\n", res.ModelPath)

	if cfg.ExportONNX {
		res.ONNXPath = cfg.ONNXPath()
		if err := clf.Save(res.ONNXPath); err != nil {
			return nil, errors.Wrap(err, "export onnx")
		}
		fmt.Fprintf(out, "ONNX model exported to %s\n", res.ONNXPath)
	}
	return res, nil
}

func record(run *runlog.Run, phase string, h *training.History) error {
	if run == nil {
		return nil
	}
	return run.RecordHistory(phase, h)
}

func evaluateAndRender(cfg *config.Config, clf *model.Classifier, test *dataloader.DataLoader, history *training.History, out io.Writer) (*report.Evaluation, *report.Files, error) {
	eval, err := report.Evaluate(clf, test, cfg.ModelParams.ClassNames)
	if err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("Test generator %s", test.Stats())
	fmt.Fprintln(out)
	eval.Print(out)

	files, err := report.Render(cfg.ReportDir, clf.Name(), history, eval)
	if err != nil {
		return nil, nil, errors.Wrap(err, "render report")
	}
	return eval, files, nil
}

func generatorOptions(cfg *config.Config, seeds config.Seeds) dataloader.GeneratorOptions {
	h, w := cfg.TargetHW()
	aug := cfg.Augmentation
	return dataloader.GeneratorOptions{
		Height:        h,
		Width:         w,
		BatchSize:     cfg.TrainingParams.BatchSize,
		NumWorkers:    cfg.TrainingParams.NumWorkers,
		TestCacheSize: cfg.TrainingParams.TestCacheSize,
		Augment: preprocessing.AugmentConfig{
			RotationRange:    aug.RotationRange,
			WidthShiftRange:  aug.WidthShiftRange,
			HeightShiftRange: aug.HeightShiftRange,
			ShearRange:       aug.ShearRange,
			ZoomRange:        aug.ZoomRange,
			HorizontalFlip:   aug.HorizontalFlip,
		},
		ShuffleSeed: seeds.Shuffle,
		AugmentSeed: seeds.Augmentation,
	}
}

func buildModel(ctx context.Context, cfg *config.Config, seeds config.Seeds) (*model.Classifier, error) {
	mp := cfg.ModelParams
	backbone, err := model.BackboneByName(mp.Backbone)
	if err != nil {
		return nil, err
	}
	clf, err := model.Build(model.BuildSpec{
		InputShape:   mp.InputShape,
		Backbone:     backbone,
		DenseUnits:   mp.DenseUnits,
		DropoutRate:  mp.DropoutRate,
		LearningRate: cfg.TrainingParams.InitialLearningRate,
		ClassNames:   mp.ClassNames,
	}, config.NewRand(seeds.Init), config.NewRand(seeds.Dropout))
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	if err := clf.InitBackbone(ctx, mp.PretrainedWeights, mp.PretrainedWeightsURL); err != nil {
		return nil, err
	}
	return clf, nil
}

// callbacks returns fresh early stopping and learning-rate reduction
// callbacks for one phase.
func callbacks(cfg *config.Config) ([]training.Callback, error) {
	cb := cfg.Callbacks
	plateau, err := training.NewReduceLROnPlateau(cb.ReduceLRMonitor, cb.ReduceLRFactor, cb.ReduceLRPatience, cb.ReduceLRMinLR)
	if err != nil {
		return nil, errors.Wrap(err, "callbacks")
	}
	return []training.Callback{
		training.NewEarlyStopping(cb.EarlyStoppingMonitor, cb.EarlyStoppingPatience, cb.EarlyStoppingRestoreBestWeights),
		plateau,
	}, nil
}
