package dataloader

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/vision/dataset"
	"github.com/tsawler/go-xray/vision/preprocessing"
	"k8s.io/klog/v2"
)

// GeneratorOptions configures the train and test generators.
type GeneratorOptions struct {
	Height, Width int
	BatchSize     int
	NumWorkers    int
	TestCacheSize int
	Augment       preprocessing.AugmentConfig
	ShuffleSeed   int64
	AugmentSeed   int64
}

// NewGenerators builds the training generator (rescaled, augmented and
// shuffled) and the test generator (rescaled only, fixed order). Both
// splits must contain the same two classes.
func NewGenerators(trainDir, testDir string, opts GeneratorOptions) (*DataLoader, *DataLoader, error) {
	trainSet, err := dataset.NewChestXRayDataset(trainDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "training split")
	}
	testSet, err := dataset.NewChestXRayDataset(testDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "test split")
	}
	if a, b := trainSet.ClassNames(), testSet.ClassNames(); a[0] != b[0] || a[1] != b[1] {
		return nil, nil, errors.Errorf("class directories differ between splits: %v vs %v", a, b)
	}
	fmt.Print(trainSet.String())
	fmt.Print(testSet.String())
	klog.V(1).Info(trainSet.Summary())
	klog.V(1).Info(testSet.Summary())

	augment := opts.Augment
	train, err := NewDataLoader(trainSet, Config{
		Height:      opts.Height,
		Width:       opts.Width,
		BatchSize:   opts.BatchSize,
		Shuffle:     true,
		ShuffleSeed: opts.ShuffleSeed,
		Augment:     &augment,
		AugmentSeed: opts.AugmentSeed,
		Rescale:     1.0 / 255,
		NumWorkers:  opts.NumWorkers,
	})
	if err != nil {
		return nil, nil, err
	}
	test, err := newTestLoader(testSet, opts)
	if err != nil {
		return nil, nil, err
	}

	klog.V(1).Infof("Generators ready: %d training batches, %d test batches of up to %d images",
		train.BatchesPerEpoch(), test.BatchesPerEpoch(), opts.BatchSize)
	return train, test, nil
}

// NewTestGenerator builds only the ordered, cached test generator, for
// evaluating a saved model.
func NewTestGenerator(testDir string, opts GeneratorOptions) (*DataLoader, error) {
	testSet, err := dataset.NewChestXRayDataset(testDir)
	if err != nil {
		return nil, errors.Wrap(err, "test split")
	}
	fmt.Print(testSet.String())
	klog.V(1).Info(testSet.Summary())
	return newTestLoader(testSet, opts)
}

func newTestLoader(ds Dataset, opts GeneratorOptions) (*DataLoader, error) {
	return NewDataLoader(ds, Config{
		Height:     opts.Height,
		Width:      opts.Width,
		BatchSize:  opts.BatchSize,
		Rescale:    1.0 / 255,
		NumWorkers: opts.NumWorkers,
		CacheSize:  opts.TestCacheSize,
	})
}
