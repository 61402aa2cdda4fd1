package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelFileName is the base name of the persisted classifier.
const ModelFileName = "pneumonia_classifier_model"

var (
	// ErrNotFound is returned when the configuration document does not exist.
	ErrNotFound = errors.New("configuration file not found")
	// ErrMalformed is returned when the document cannot be parsed into Config.
	ErrMalformed = errors.New("malformed configuration")
	// ErrInvalid is returned when a parsed configuration fails validation.
	ErrInvalid = errors.New("invalid configuration")
)

// Config is the complete, immutable run configuration.
type Config struct {
	DataPaths      DataPaths      `yaml:"data_paths" toml:"data_paths"`
	ModelParams    ModelParams    `yaml:"model_params" toml:"model_params"`
	TrainingParams TrainingParams `yaml:"training_params" toml:"training_params"`
	Augmentation   Augmentation   `yaml:"augmentation" toml:"augmentation"`
	Callbacks      Callbacks      `yaml:"callbacks" toml:"callbacks"`

	Seed         int64  `yaml:"seed" toml:"seed"`
	ModelSaveDir string `yaml:"model_save_dir" toml:"model_save_dir"`
	ReportDir    string `yaml:"report_dir" toml:"report_dir"`
	RunDB        string `yaml:"run_db" toml:"run_db"`           // SQLite run registry, empty disables it
	ExportONNX   bool   `yaml:"export_onnx" toml:"export_onnx"` // also write an .onnx copy of the model
}

// DataPaths locates the dataset archive and its extracted splits.
type DataPaths struct {
	BaseDataDir         string `yaml:"base_data_dir" toml:"base_data_dir"`
	KaggleDatasetName   string `yaml:"kaggle_dataset_name" toml:"kaggle_dataset_name"`
	ZipFileName         string `yaml:"zip_file_name" toml:"zip_file_name"`
	ExtractedSubDirName string `yaml:"extracted_sub_dir_name" toml:"extracted_sub_dir_name"`
	TrainSubDir         string `yaml:"train_sub_dir" toml:"train_sub_dir"`
	TestSubDir          string `yaml:"test_sub_dir" toml:"test_sub_dir"`
}

// ModelParams describes the classifier architecture.
type ModelParams struct {
	InputShape           []int    `yaml:"input_shape" toml:"input_shape"` // [height, width, channels]
	TargetSize           []int    `yaml:"target_size" toml:"target_size"` // [height, width]
	DenseUnits           int      `yaml:"dense_units" toml:"dense_units"`
	DropoutRate          float64  `yaml:"dropout_rate" toml:"dropout_rate"`
	Backbone             string   `yaml:"backbone" toml:"backbone"`
	PretrainedWeights    string   `yaml:"pretrained_weights" toml:"pretrained_weights"`
	PretrainedWeightsURL string   `yaml:"pretrained_weights_url" toml:"pretrained_weights_url"`
	ClassNames           []string `yaml:"class_names" toml:"class_names"`
}

// TrainingParams holds both training phases.
type TrainingParams struct {
	BatchSize              int     `yaml:"batch_size" toml:"batch_size"`
	InitialLearningRate    float64 `yaml:"initial_learning_rate" toml:"initial_learning_rate"`
	Epochs                 int     `yaml:"epochs" toml:"epochs"`
	FineTuneEpochs         int     `yaml:"fine_tune_epochs" toml:"fine_tune_epochs"`
	FineTuneLearningRate   float64 `yaml:"fine_tune_learning_rate" toml:"fine_tune_learning_rate"`
	FineTuneUnfreezeLayers int     `yaml:"fine_tune_unfreeze_layers" toml:"fine_tune_unfreeze_layers"`
	NumWorkers             int     `yaml:"num_workers" toml:"num_workers"`
	TestCacheSize          int     `yaml:"test_cache_size" toml:"test_cache_size"`
}

// Augmentation configures the random transforms applied to training images.
type Augmentation struct {
	RotationRange    float64 `yaml:"rotation_range" toml:"rotation_range"` // degrees
	WidthShiftRange  float64 `yaml:"width_shift_range" toml:"width_shift_range"`
	HeightShiftRange float64 `yaml:"height_shift_range" toml:"height_shift_range"`
	ShearRange       float64 `yaml:"shear_range" toml:"shear_range"` // degrees
	ZoomRange        float64 `yaml:"zoom_range" toml:"zoom_range"`
	HorizontalFlip   bool    `yaml:"horizontal_flip" toml:"horizontal_flip"`
	FillMode         string  `yaml:"fill_mode" toml:"fill_mode"`
}

// Callbacks configures early stopping and learning-rate reduction.
type Callbacks struct {
	EarlyStoppingMonitor            string  `yaml:"early_stopping_monitor" toml:"early_stopping_monitor"`
	EarlyStoppingPatience           int     `yaml:"early_stopping_patience" toml:"early_stopping_patience"`
	EarlyStoppingRestoreBestWeights bool    `yaml:"early_stopping_restore_best_weights" toml:"early_stopping_restore_best_weights"`
	ReduceLRMonitor                 string  `yaml:"reduce_lr_monitor" toml:"reduce_lr_monitor"`
	ReduceLRFactor                  float64 `yaml:"reduce_lr_factor" toml:"reduce_lr_factor"`
	ReduceLRPatience                int     `yaml:"reduce_lr_patience" toml:"reduce_lr_patience"`
	ReduceLRMinLR                   float64 `yaml:"reduce_lr_min_lr" toml:"reduce_lr_min_lr"`
}

// Default returns the configuration used for any key the document omits.
func Default() *Config {
	return &Config{
		DataPaths: DataPaths{
			BaseDataDir:         "data",
			KaggleDatasetName:   "paultimothymooney/chest-xray-pneumonia",
			ZipFileName:         "chest-xray-pneumonia.zip",
			ExtractedSubDirName: "chest_xray",
			TrainSubDir:         "train",
			TestSubDir:          "test",
		},
		ModelParams: ModelParams{
			InputShape:  []int{224, 224, 3},
			TargetSize:  []int{224, 224},
			DenseUnits:  256,
			DropoutRate: 0.5,
			Backbone:    "vgg16",
			ClassNames:  []string{"Normal", "Pneumonia"},
		},
		TrainingParams: TrainingParams{
			BatchSize:              32,
			InitialLearningRate:    1e-4,
			Epochs:                 20,
			FineTuneEpochs:         0,
			FineTuneLearningRate:   1e-5,
			FineTuneUnfreezeLayers: 4,
			NumWorkers:             4,
			TestCacheSize:          1024,
		},
		Augmentation: Augmentation{
			RotationRange:    20,
			WidthShiftRange:  0.2,
			HeightShiftRange: 0.2,
			ShearRange:       0.2,
			ZoomRange:        0.2,
			HorizontalFlip:   true,
			FillMode:         "nearest",
		},
		Callbacks: Callbacks{
			EarlyStoppingMonitor:            "val_loss",
			EarlyStoppingPatience:           5,
			EarlyStoppingRestoreBestWeights: true,
			ReduceLRMonitor:                 "val_loss",
			ReduceLRFactor:                  0.2,
			ReduceLRPatience:                3,
			ReduceLRMinLR:                   1e-7,
		},
		Seed:         42,
		ModelSaveDir: "models",
		ReportDir:    "reports",
	}
}

// Load reads the document at path, overlays it on Default and validates the result.
// Files ending in .toml are parsed as TOML, anything else as YAML. Unknown keys
// are rejected so that a typo cannot silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = decodeTOML(data, cfg)
	} else {
		err = decodeYAML(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// DatasetRoot is the directory holding the extracted train and test splits.
func (c *Config) DatasetRoot() string {
	return filepath.Join(c.DataPaths.BaseDataDir, c.DataPaths.ExtractedSubDirName)
}

// TrainDir returns the training split directory.
func (c *Config) TrainDir() string {
	return filepath.Join(c.DatasetRoot(), c.DataPaths.TrainSubDir)
}

// TestDir returns the test split directory.
func (c *Config) TestDir() string {
	return filepath.Join(c.DatasetRoot(), c.DataPaths.TestSubDir)
}

// ArchivePath is where the downloader leaves the dataset archive.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataPaths.BaseDataDir, c.DataPaths.ZipFileName)
}

// ModelPath is the destination of the persisted classifier in the native format.
func (c *Config) ModelPath() string {
	return filepath.Join(c.ModelSaveDir, ModelFileName+".json")
}

// ONNXPath is the destination of the optional ONNX export.
func (c *Config) ONNXPath() string {
	return filepath.Join(c.ModelSaveDir, ModelFileName+".onnx")
}

// TargetHW returns the resize target as height, width.
func (c *Config) TargetHW() (int, int) {
	return c.ModelParams.TargetSize[0], c.ModelParams.TargetSize[1]
}
