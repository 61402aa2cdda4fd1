package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ImageExtensions lists the file suffixes recognised as images, lower case.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Classes are ordered by name and
// images are ordered by path within each class, so two scans of the same tree
// always produce the same sample order.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
}

// NewImageFolderDataset scans root. Hidden directories are skipped and class
// directories are searched recursively.
func NewImageFolderDataset(root string) (*ImageFolderDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}

	d := &ImageFolderDataset{root: root}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		d.classNames = append(d.classNames, e.Name())
	}
	sort.Strings(d.classNames)

	for idx, className := range d.classNames {
		files, err := listImages(filepath.Join(root, className))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			d.imagePaths = append(d.imagePaths, f)
			d.labels = append(d.labels, idx)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return d, nil
}

func listImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			if path != dir && strings.HasPrefix(e.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile reports whether path carries one of ImageExtensions.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Root returns the scanned directory.
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// Labels returns the label of every sample in dataset order.
func (d *ImageFolderDataset) Labels() []int {
	return append([]int(nil), d.labels...)
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d images belonging to %d classes.\n", len(d.imagePaths), len(d.classNames)))

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}
