package dataset

import (
	"fmt"

	"github.com/pkg/errors"
)

// ChestXRayDataset is an image folder with exactly two classes, the first
// (alphabetically) labelled 0 and the second labelled 1.
type ChestXRayDataset struct {
	*ImageFolderDataset
}

// NewChestXRayDataset scans dir and checks it holds a binary split.
func NewChestXRayDataset(dir string) (*ChestXRayDataset, error) {
	d, err := NewImageFolderDataset(dir)
	if err != nil {
		return nil, err
	}
	if d.NumClasses() != 2 {
		return nil, errors.Errorf("%s: binary classification needs exactly 2 class directories, found %d %v",
			dir, d.NumClasses(), d.classNames)
	}
	return &ChestXRayDataset{ImageFolderDataset: d}, nil
}

// Summary returns a summary of the dataset
func (d *ChestXRayDataset) Summary() string {
	dist := d.ClassDistribution()
	return fmt.Sprintf("Chest X-ray split %s: %d images (%s: %d, %s: %d)",
		d.root, d.Len(), d.classNames[0], dist[d.classNames[0]], d.classNames[1], dist[d.classNames[1]])
}
