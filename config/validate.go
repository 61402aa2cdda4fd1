package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Monitors lists the metric names a callback may watch.
var Monitors = []string{"loss", "accuracy", "val_loss", "val_accuracy"}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	dp := c.DataPaths
	for key, val := range map[string]string{
		"data_paths.base_data_dir":          dp.BaseDataDir,
		"data_paths.kaggle_dataset_name":    dp.KaggleDatasetName,
		"data_paths.zip_file_name":          dp.ZipFileName,
		"data_paths.extracted_sub_dir_name": dp.ExtractedSubDirName,
		"data_paths.train_sub_dir":          dp.TrainSubDir,
		"data_paths.test_sub_dir":           dp.TestSubDir,
		"model_save_dir":                    c.ModelSaveDir,
	} {
		if strings.TrimSpace(val) == "" {
			add("%s is required", key)
		}
	}
	if dp.KaggleDatasetName != "" && !strings.Contains(dp.KaggleDatasetName, "/") {
		add("data_paths.kaggle_dataset_name must have the form owner/dataset, got %q", dp.KaggleDatasetName)
	}

	mp := c.ModelParams
	if len(mp.InputShape) != 3 {
		add("model_params.input_shape must be [height, width, channels], got %v", mp.InputShape)
	} else if mp.InputShape[2] != 3 {
		add("model_params.input_shape must have 3 channels, got %d", mp.InputShape[2])
	}
	if len(mp.TargetSize) != 2 {
		add("model_params.target_size must be [height, width], got %v", mp.TargetSize)
	} else {
		if mp.TargetSize[0] <= 0 || mp.TargetSize[1] <= 0 {
			add("model_params.target_size must be positive, got %v", mp.TargetSize)
		}
		if len(mp.InputShape) == 3 && (mp.InputShape[0] != mp.TargetSize[0] || mp.InputShape[1] != mp.TargetSize[1]) {
			add("model_params.input_shape %v does not match target_size %v", mp.InputShape, mp.TargetSize)
		}
	}
	if mp.DenseUnits <= 0 {
		add("model_params.dense_units must be positive, got %d", mp.DenseUnits)
	}
	if mp.DropoutRate < 0 || mp.DropoutRate >= 1 {
		add("model_params.dropout_rate must be in [0, 1), got %g", mp.DropoutRate)
	}
	if mp.Backbone == "" {
		add("model_params.backbone is required")
	}
	if len(mp.ClassNames) != 2 {
		add("model_params.class_names must name exactly two classes, got %v", mp.ClassNames)
	}

	tp := c.TrainingParams
	if tp.BatchSize <= 0 {
		add("training_params.batch_size must be positive, got %d", tp.BatchSize)
	}
	if tp.InitialLearningRate <= 0 {
		add("training_params.initial_learning_rate must be positive, got %g", tp.InitialLearningRate)
	}
	if tp.Epochs < 1 {
		add("training_params.epochs must be at least 1, got %d", tp.Epochs)
	}
	if tp.FineTuneEpochs < 0 {
		add("training_params.fine_tune_epochs must not be negative, got %d", tp.FineTuneEpochs)
	}
	if tp.FineTuneEpochs > 0 && tp.FineTuneLearningRate <= 0 {
		add("training_params.fine_tune_learning_rate must be positive, got %g", tp.FineTuneLearningRate)
	}
	if tp.FineTuneUnfreezeLayers < 0 {
		add("training_params.fine_tune_unfreeze_layers must not be negative, got %d", tp.FineTuneUnfreezeLayers)
	}
	if tp.NumWorkers < 1 {
		add("training_params.num_workers must be at least 1, got %d", tp.NumWorkers)
	}
	if tp.TestCacheSize < 0 {
		add("training_params.test_cache_size must not be negative, got %d", tp.TestCacheSize)
	}

	aug := c.Augmentation
	if aug.RotationRange < 0 || aug.WidthShiftRange < 0 || aug.HeightShiftRange < 0 || aug.ShearRange < 0 {
		add("augmentation ranges must not be negative")
	}
	if aug.ZoomRange < 0 || aug.ZoomRange >= 1 {
		add("augmentation.zoom_range must be in [0, 1), got %g", aug.ZoomRange)
	}
	if aug.FillMode != "nearest" {
		add("augmentation.fill_mode %q is not supported (only \"nearest\")", aug.FillMode)
	}

	cb := c.Callbacks
	if !isMonitor(cb.EarlyStoppingMonitor) {
		add("callbacks.early_stopping_monitor must be one of %v, got %q", Monitors, cb.EarlyStoppingMonitor)
	}
	if cb.EarlyStoppingPatience < 0 {
		add("callbacks.early_stopping_patience must not be negative, got %d", cb.EarlyStoppingPatience)
	}
	if !isMonitor(cb.ReduceLRMonitor) {
		add("callbacks.reduce_lr_monitor must be one of %v, got %q", Monitors, cb.ReduceLRMonitor)
	}
	if cb.ReduceLRFactor <= 0 || cb.ReduceLRFactor >= 1 {
		add("callbacks.reduce_lr_factor must be in (0, 1), got %g", cb.ReduceLRFactor)
	}
	if cb.ReduceLRPatience < 0 {
		add("callbacks.reduce_lr_patience must not be negative, got %d", cb.ReduceLRPatience)
	}
	if cb.ReduceLRMinLR < 0 {
		add("callbacks.reduce_lr_min_lr must not be negative, got %g", cb.ReduceLRMinLR)
	}

	if len(problems) == 0 {
		return nil
	}
	// map iteration order is random
	sort.Strings(problems)
	return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
}

func isMonitor(name string) bool {
	for _, m := range Monitors {
		if m == name {
			return true
		}
	}
	return false
}
