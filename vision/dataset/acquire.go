package dataset

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Downloader fetches a named dataset archive into destDir.
type Downloader interface {
	Download(ctx context.Context, dataset, destDir string) error
}

// KaggleCLI downloads datasets with the kaggle command line tool.
type KaggleCLI struct {
	// Binary defaults to "kaggle" looked up on PATH.
	Binary string
}

// Download runs `kaggle datasets download -d <dataset> -p <destDir>`.
func (k KaggleCLI) Download(ctx context.Context, dataset, destDir string) error {
	bin := k.Binary
	if bin == "" {
		bin = "kaggle"
	}
	cmd := exec.CommandContext(ctx, bin, "datasets", "download", "-d", dataset, "-p", destDir)
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(ErrDownload, "%s datasets download -d %s: %v: %s",
			bin, dataset, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Acquirer makes the extracted dataset available under BaseDir/ExtractedDir.
type Acquirer struct {
	Downloader   Downloader
	BaseDir      string
	DatasetName  string
	ArchivePath  string // where the downloader leaves the archive
	ExtractedDir string
	TrainSubDir  string
	TestSubDir   string
}

// Root returns the directory holding the train and test splits.
func (a *Acquirer) Root() string {
	return filepath.Join(a.BaseDir, a.ExtractedDir)
}

// Present reports whether both splits already exist.
func (a *Acquirer) Present() bool {
	return isDir(filepath.Join(a.Root(), a.TrainSubDir)) && isDir(filepath.Join(a.Root(), a.TestSubDir))
}

// Acquire downloads and extracts the dataset unless both splits are already
// present, and returns the dataset root. The archive is removed after a
// successful extraction.
func (a *Acquirer) Acquire(ctx context.Context) (string, error) {
	root := a.Root()
	if a.Present() {
		klog.Infof("Dataset already present at %s, skipping download", root)
		return root, nil
	}

	if err := os.MkdirAll(a.BaseDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", a.BaseDir)
	}

	klog.Infof("Downloading %s into %s", a.DatasetName, a.BaseDir)
	if err := a.Downloader.Download(ctx, a.DatasetName, a.BaseDir); err != nil {
		if errors.Is(err, ErrDownload) {
			return "", err
		}
		return "", errors.Wrap(ErrDownload, err.Error())
	}

	archive := a.ArchivePath
	if _, err := os.Stat(archive); err != nil {
		return "", errors.Wrapf(ErrArchiveMissing, "%s", archive)
	}

	klog.Infof("Extracting %s", archive)
	n, err := ExtractZip(archive, root, a.ExtractedDir)
	if err != nil {
		return "", err
	}
	klog.V(1).Infof("Extracted %d files into %s", n, root)

	if err := os.Remove(archive); err != nil {
		return "", errors.Wrapf(err, "remove archive %s", archive)
	}
	klog.Infof("Dataset ready at %s", root)
	return root, nil
}

// VerifyLayout checks that root holds both splits and that every class
// directory in them contains at least one image.
func VerifyLayout(root, trainSubDir, testSubDir string) error {
	for _, split := range []string{trainSubDir, testSubDir} {
		dir := filepath.Join(root, split)
		if !isDir(dir) {
			return errors.Wrapf(ErrDatasetMissing, "%s does not exist", dir)
		}
		ds, err := NewImageFolderDataset(dir)
		if err != nil {
			return errors.Wrapf(ErrDatasetMissing, "%s: %v", dir, err)
		}
		dist := ds.ClassDistribution()
		for _, name := range ds.ClassNames() {
			if dist[name] == 0 {
				return errors.Wrapf(ErrDatasetMissing, "class directory %s has no images",
					filepath.Join(dir, name))
			}
		}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
