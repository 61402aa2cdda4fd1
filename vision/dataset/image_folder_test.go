package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestDataset creates a temporary directory structure with test images
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	tempDir := t.TempDir()

	for _, className := range classes {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}

		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%d.jpeg", i))
			if err := createMockImageFile(imagePath); err != nil {
				t.Fatalf("Failed to create mock image %s: %v", imagePath, err)
			}
		}
	}

	return tempDir
}

// createMockImageFile creates a simple file to simulate an image
func createMockImageFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("mock image content"), 0644)
}

func TestNewImageFolderDataset(t *testing.T) {
	t.Run("ValidDataset", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"PNEUMONIA", "NORMAL"}, 5)

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if dataset.Len() != 10 {
			t.Errorf("Expected 10 images, got %d", dataset.Len())
		}

		names := dataset.ClassNames()
		if len(names) != 2 || names[0] != "NORMAL" || names[1] != "PNEUMONIA" {
			t.Errorf("Expected sorted classes [NORMAL PNEUMONIA], got %v", names)
		}

		labels := dataset.Labels()
		for i := 0; i < 5; i++ {
			if labels[i] != 0 || labels[i+5] != 1 {
				t.Fatalf("Unexpected label order %v", labels)
			}
		}

		dist := dataset.ClassDistribution()
		if dist["NORMAL"] != 5 || dist["PNEUMONIA"] != 5 {
			t.Errorf("Unexpected distribution %v", dist)
		}
	})

	t.Run("ExtensionsAreCaseInsensitive", func(t *testing.T) {
		tempDir := t.TempDir()
		for i, ext := range []string{".JPG", ".png", ".bmp", ".TIFF", ".webp", ".gif", ".txt"} {
			path := filepath.Join(tempDir, "a", fmt.Sprintf("image_%d%s", i, ext))
			if err := createMockImageFile(path); err != nil {
				t.Fatalf("Failed to create image: %v", err)
			}
		}

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 5 {
			t.Errorf("Expected 5 images, got %d", dataset.Len())
		}
	})

	t.Run("NestedAndHiddenDirectories", func(t *testing.T) {
		tempDir := t.TempDir()
		files := []string{
			"a/x.png",
			"a/sub/y.png",
			"a/.thumbs/z.png",
			".cache/w.png",
		}
		for _, f := range files {
			if err := createMockImageFile(filepath.Join(tempDir, f)); err != nil {
				t.Fatal(err)
			}
		}

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.NumClasses() != 1 {
			t.Errorf("Hidden directory was treated as a class: %v", dataset.ClassNames())
		}
		if dataset.Len() != 2 {
			t.Errorf("Expected 2 images, got %d", dataset.Len())
		}
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		_, err := NewImageFolderDataset(t.TempDir())
		if err == nil || !strings.Contains(err.Error(), "no images found") {
			t.Errorf("Expected 'no images found' error, got: %v", err)
		}
	})

	t.Run("NonexistentDirectory", func(t *testing.T) {
		if _, err := NewImageFolderDataset("/nonexistent/path"); err == nil {
			t.Error("Expected error for nonexistent directory")
		}
	})

	t.Run("ClassWithNoImages", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"full_class"}, 3)
		if err := os.MkdirAll(filepath.Join(tempDir, "empty_class"), 0755); err != nil {
			t.Fatal(err)
		}

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.NumClasses() != 2 {
			t.Errorf("Expected 2 classes, got %d", dataset.NumClasses())
		}
		if dist := dataset.ClassDistribution(); dist["empty_class"] != 0 || dist["full_class"] != 3 {
			t.Errorf("Unexpected distribution %v", dist)
		}
	})
}

func TestImageFolderDatasetGetItem(t *testing.T) {
	tempDir := createTestDataset(t, []string{"NORMAL", "PNEUMONIA"}, 3)
	dataset, err := NewImageFolderDataset(tempDir)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	path, label, err := dataset.GetItem(4)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if label != 1 || filepath.Base(filepath.Dir(path)) != "PNEUMONIA" {
		t.Errorf("Unexpected item %s with label %d", path, label)
	}

	for _, idx := range []int{-1, 6} {
		if _, _, err := dataset.GetItem(idx); err == nil {
			t.Errorf("Expected error for index %d", idx)
		}
	}
}

func TestImageFolderDatasetOrderIsStable(t *testing.T) {
	tempDir := createTestDataset(t, []string{"NORMAL", "PNEUMONIA"}, 12)

	a, err := NewImageFolderDataset(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewImageFolderDataset(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < a.Len(); i++ {
		pa, _, _ := a.GetItem(i)
		pb, _, _ := b.GetItem(i)
		if pa != pb {
			t.Fatalf("Item %d differs between scans: %s vs %s", i, pa, pb)
		}
	}
}

func TestChestXRayDataset(t *testing.T) {
	dir := createTestDataset(t, []string{"NORMAL", "PNEUMONIA"}, 2)
	ds, err := NewChestXRayDataset(dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(ds.Summary(), "NORMAL: 2") {
		t.Errorf("Unexpected summary %q", ds.Summary())
	}

	three := createTestDataset(t, []string{"a", "b", "c"}, 1)
	if _, err := NewChestXRayDataset(three); err == nil {
		t.Error("Expected error for three classes")
	}
}

func TestString(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"NORMAL", "PNEUMONIA"}, 4))
	if err != nil {
		t.Fatal(err)
	}
	s := dataset.String()
	if !strings.Contains(s, "Found 8 images belonging to 2 classes.") {
		t.Errorf("Unexpected string %q", s)
	}
}
