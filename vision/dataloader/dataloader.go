package dataloader

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/tensor"
	"github.com/tsawler/go-xray/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	NumClasses() int
	ClassNames() []string
}

// Config holds configuration for DataLoader
type Config struct {
	Height, Width int
	BatchSize     int
	Shuffle       bool
	ShuffleSeed   int64
	// Augment enables random transforms drawn from AugmentSeed.
	Augment     *preprocessing.AugmentConfig
	AugmentSeed int64
	Rescale     float32
	NumWorkers  int
	// CacheSize is the number of preprocessed images to memoise. Only
	// loaders without augmentation use the cache.
	CacheSize int
}

// DataLoader produces batches of preprocessed images in NCHW layout with
// binary float labels. A pass covers every sample once; the last batch of
// a pass may be short. Calling NextBatch after the end of a pass starts the
// next one.
type DataLoader struct {
	mu sync.Mutex

	dataset   Dataset
	cfg       Config
	indices   []int
	position  int
	processor *preprocessing.ImageProcessor

	shuffleRng *rand.Rand
	augmenter  *preprocessing.Augmenter
	augmentRng *rand.Rand
	cache      *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, cfg Config) (*DataLoader, error) {
	if dataset.Len() == 0 {
		return nil, errors.New("dataloader: empty dataset")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("dataloader: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errors.Errorf("dataloader: invalid target size %dx%d", cfg.Height, cfg.Width)
	}
	if cfg.Rescale == 0 {
		cfg.Rescale = 1
	}

	dl := &DataLoader{
		dataset:   dataset,
		cfg:       cfg,
		indices:   make([]int, dataset.Len()),
		processor: preprocessing.NewImageProcessor(cfg.Height, cfg.Width),
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	if cfg.Shuffle {
		dl.shuffleRng = rand.New(rand.NewSource(cfg.ShuffleSeed))
		dl.shuffle()
	}
	if cfg.Augment != nil {
		dl.augmenter = preprocessing.NewAugmenter(*cfg.Augment)
		dl.augmentRng = rand.New(rand.NewSource(cfg.AugmentSeed))
	} else {
		dl.cache = NewCacheManager(cfg.CacheSize)
	}
	return dl, nil
}

func (dl *DataLoader) shuffle() {
	dl.shuffleRng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Len returns the number of samples.
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// NumClasses returns the number of classes in the underlying dataset.
func (dl *DataLoader) NumClasses() int {
	return dl.dataset.NumClasses()
}

// ClassNames returns the class names, index i naming label i.
func (dl *DataLoader) ClassNames() []string {
	return dl.dataset.ClassNames()
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.cfg.BatchSize
}

// BatchesPerEpoch is ceil(samples / batch size).
func (dl *DataLoader) BatchesPerEpoch() int {
	return (len(dl.indices) + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// Labels returns the labels of the current pass in the order NextBatch
// will yield them.
func (dl *DataLoader) Labels() ([]int, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	labels := make([]int, len(dl.indices))
	for i, idx := range dl.indices {
		_, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "label of sample %d", idx)
		}
		labels[i] = label
	}
	return labels, nil
}

// Reset rewinds to the start of a pass, reshuffling when shuffling is enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.rewind()
}

func (dl *DataLoader) rewind() {
	dl.position = 0
	if dl.shuffleRng != nil {
		dl.shuffle()
	}
}

// NextBatch loads the next batch. Images are decoded by up to NumWorkers
// goroutines. Any unreadable image fails the whole batch.
func (dl *DataLoader) NextBatch() (*tensor.Tensor, []float32, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.position >= len(dl.indices) {
		dl.rewind()
	}
	n := dl.cfg.BatchSize
	if remaining := len(dl.indices) - dl.position; remaining < n {
		n = remaining
	}
	batch := dl.indices[dl.position : dl.position+n]
	dl.position += n

	// seeds are drawn here so the result does not depend on worker scheduling
	var seeds []int64
	if dl.augmenter != nil {
		seeds = make([]int64, n)
		for i := range seeds {
			seeds[i] = dl.augmentRng.Int63()
		}
	}

	h, w := dl.cfg.Height, dl.cfg.Width
	per := preprocessing.Channels * h * w
	images := tensor.New(n, preprocessing.Channels, h, w)
	labels := make([]float32, n)

	err := parallel(n, dl.cfg.NumWorkers, func(i int) error {
		path, label, err := dl.dataset.GetItem(batch[i])
		if err != nil {
			return err
		}
		labels[i] = float32(label)

		var data []float32
		if seeds != nil {
			data, err = dl.loadAugmented(path, seeds[i])
		} else {
			data, err = dl.loadCached(path)
		}
		if err != nil {
			return err
		}
		copy(images.Data[i*per:(i+1)*per], data)
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "load batch")
	}
	return images, labels, nil
}

func (dl *DataLoader) loadAugmented(path string, seed int64) ([]float32, error) {
	img, err := dl.processor.LoadFile(path)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	data := dl.augmenter.Augment(img.Data, img.Channels, img.Height, img.Width, rng)
	preprocessing.Rescale(data, dl.cfg.Rescale)
	return data, nil
}

// loadCached loads an image with caching support
func (dl *DataLoader) loadCached(path string) ([]float32, error) {
	if data, ok := dl.cache.Get(path); ok {
		return data, nil
	}
	img, err := dl.processor.LoadFile(path)
	if err != nil {
		return nil, err
	}
	preprocessing.Rescale(img.Data, dl.cfg.Rescale)
	dl.cache.Put(path, img.Data)
	return img.Data, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.cache == nil {
		return "Cache: disabled"
	}
	return dl.cache.Stats().String()
}
