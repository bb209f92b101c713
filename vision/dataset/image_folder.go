// Package dataset enumerates training images. Datasets are unlabeled: the
// generator learns the distribution of every image found.
package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/vision/preprocessing"
)

// Dataset is a finite, indexable collection of square RGB images. Load
// returns CHW data of shape [3, ImageSize, ImageSize] normalised to [-1, 1].
type Dataset interface {
	Len() int
	ImageSize() int
	Load(index int) ([]float64, error)
}

// ImageFolderDataset represents every image below a root directory
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	processor  *preprocessing.ImageProcessor
	size       int
}

// DefaultExtensions are the file types the decoders understand
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// NewImageFolderDataset scans root recursively for images with the given
// extensions (case-insensitive). Paths are sorted so every worker sees the
// same order.
func NewImageFolderDataset(root string, size int, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	wanted := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		wanted[strings.ToLower(ext)] = true
	}

	dataset := &ImageFolderDataset{
		root:      root,
		processor: preprocessing.NewImageProcessor(size),
		size:      size,
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && wanted[strings.ToLower(filepath.Ext(path))] {
			dataset.imagePaths = append(dataset.imagePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", root)
	}
	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	sort.Strings(dataset.imagePaths)

	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

func (d *ImageFolderDataset) ImageSize() int {
	return d.size
}

// Path returns the file path at the given index
func (d *ImageFolderDataset) Path(index int) (string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], nil
}

// Load decodes the image at index.
func (d *ImageFolderDataset) Load(index int) ([]float64, error) {
	path, err := d.Path(index)
	if err != nil {
		return nil, err
	}
	img, err := d.processor.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return img.Data, nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		processor:  d.processor,
		size:       d.size,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	return fmt.Sprintf("ImageFolderDataset: %d images in %s at %dx%d", len(d.imagePaths), d.root, d.size, d.size)
}
