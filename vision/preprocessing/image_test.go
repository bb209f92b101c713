package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-stylegan/tensor"
)

// createMockJPEGImage creates a simple colored JPEG image for testing
func createMockJPEGImage(width, height int, baseColor color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			factor := float64(x+y) / float64(width+height)
			r := uint8(float64(baseColor.R) * factor)
			g := uint8(float64(baseColor.G) * factor)
			b := uint8(float64(baseColor.B) * factor)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes(), err
}

// createSolidPNG creates a PNG filled with one colour
func createSolidPNG(width, height int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func TestNewImageProcessor(t *testing.T) {
	processor := NewImageProcessor(32)
	if processor.targetSize != 32 {
		t.Errorf("Expected target size 32, got %d", processor.targetSize)
	}
	if processor.tempImageBuffer != nil || processor.processBuffer != nil {
		t.Error("Expected buffers to be allocated lazily")
	}
}

func TestImageProcessorDecodeAndPreprocess(t *testing.T) {
	processor := NewImageProcessor(16)

	t.Run("ValidJPEGImage", func(t *testing.T) {
		jpegData, err := createMockJPEGImage(40, 30, color.RGBA{255, 128, 64, 255})
		if err != nil {
			t.Fatalf("Failed to create mock image: %v", err)
		}
		result, err := processor.DecodeAndPreprocess(bytes.NewReader(jpegData))
		if err != nil {
			t.Fatalf("Failed to preprocess image: %v", err)
		}
		if result.Width != 16 || result.Height != 16 || result.Channels != 3 {
			t.Errorf("Unexpected dimensions %dx%dx%d", result.Channels, result.Height, result.Width)
		}
		if len(result.Data) != 3*16*16 {
			t.Fatalf("Expected %d values, got %d", 3*16*16, len(result.Data))
		}
		for i, v := range result.Data {
			if v < -1 || v > 1 || math.IsNaN(v) {
				t.Fatalf("value %d = %v outside [-1, 1]", i, v)
			}
		}
	})

	t.Run("SolidPNGNormalisation", func(t *testing.T) {
		data := createSolidPNG(8, 8, color.RGBA{255, 0, 255, 255})
		result, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Failed to preprocess PNG: %v", err)
		}
		plane := 16 * 16
		if result.Data[0] != 1 || result.Data[plane] != -1 || result.Data[2*plane] != 1 {
			t.Errorf("Expected R=1 G=-1 B=1, got %v %v %v", result.Data[0], result.Data[plane], result.Data[2*plane])
		}
	})

	t.Run("InvalidData", func(t *testing.T) {
		if _, err := processor.DecodeAndPreprocess(strings.NewReader("not an image")); err == nil {
			t.Error("Expected error for invalid data")
		}
	})
}

func TestHorizontalFlip(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	HorizontalFlip(data, 3)
	want := []float64{3, 2, 1, 6, 5, 4}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("flipped = %v, expected %v", data, want)
		}
	}
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, createSolidPNG(10, 12, color.RGBA{0, 0, 0, 255}), 0644); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
		paths = append(paths, path)
	}

	results, err := PreprocessBatch(paths, 8, 2)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	if len(results) != 3 || results[2].Data[0] != -1 {
		t.Errorf("unexpected batch results")
	}

	if _, err := PreprocessBatch(append(paths, filepath.Join(dir, "missing.png")), 8, 2); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestGrid(t *testing.T) {
	if GridRows(8) != 2 || GridRows(16) != 4 || GridRows(0) != 1 {
		t.Errorf("GridRows: %d %d %d", GridRows(8), GridRows(16), GridRows(0))
	}

	batch := tensor.Full(1, 3, 3, 2, 2)
	grid, err := MakeGrid(batch, 2, 2)
	if err != nil {
		t.Fatalf("MakeGrid failed: %v", err)
	}
	// 2 columns and 2 rows of 2x2 images with padding 2
	if b := grid.Bounds(); b.Dx() != 10 || b.Dy() != 10 {
		t.Errorf("grid size %v, expected 10x10", b)
	}
	if c := grid.RGBAAt(2, 2); c.R != 255 {
		t.Errorf("image pixel = %v, expected white", c)
	}
	if c := grid.RGBAAt(0, 0); c.R != 0 || c.A != 255 {
		t.Errorf("padding pixel = %v, expected opaque black", c)
	}

	path := filepath.Join(t.TempDir(), "img-000100.png")
	if err := SaveGrid(path, batch, GridRows(3), 2); err != nil {
		t.Fatalf("SaveGrid failed: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("grid not written: %v", err)
	}
	defer file.Close()
	if _, err := png.Decode(file); err != nil {
		t.Errorf("written grid is not a PNG: %v", err)
	}

	if _, err := MakeGrid(tensor.Zeros(2, 2), 1, 0); err == nil {
		t.Error("Expected error for non-image batch")
	}
}
