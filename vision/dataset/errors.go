package dataset

import (
	"github.com/pkg/errors"
)

var (
	// ErrDownload is returned when the external download tool fails.
	ErrDownload = errors.New("dataset download failed")
	// ErrArchiveMissing is returned when the download reported success but left no archive.
	ErrArchiveMissing = errors.New("dataset archive not found after download")
	// ErrArchiveCorrupt is returned when the archive cannot be read as a zip file.
	ErrArchiveCorrupt = errors.New("dataset archive is not a valid zip file")
	// ErrExtraction is returned for I/O failures while unpacking the archive.
	ErrExtraction = errors.New("dataset extraction failed")
	// ErrDatasetMissing is returned when training starts without an extracted dataset.
	ErrDatasetMissing = errors.New("dataset not found")
)

// Hint returns operator guidance for an acquisition or precondition error,
// or the empty string when there is none.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrDownload), errors.Is(err, ErrArchiveMissing):
		return "make sure the kaggle CLI is installed (pip install kaggle) and that your API token " +
			"is stored in ~/.kaggle/kaggle.json with permissions 600 (chmod 600 ~/.kaggle/kaggle.json)"
	case errors.Is(err, ErrArchiveCorrupt):
		return "the downloaded archive is damaged; delete it and run the download command again"
	case errors.Is(err, ErrDatasetMissing):
		return "run the download command first (xray download) or check data_paths in the configuration"
	}
	return ""
}
