package preprocessing

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/tensor"
)

// GridRows returns the grid width used for n samples: floor(sqrt(n)), at least 1.
func GridRows(n int) int {
	nrow := int(math.Sqrt(float64(n)))
	if nrow < 1 {
		nrow = 1
	}
	return nrow
}

// MakeGrid tiles a batch [B, 3, H, W] with values in [-1, 1] into one RGB
// image, nrow images per row, separated by padding pixels of black.
func MakeGrid(batch *tensor.Tensor, nrow, padding int) (*image.RGBA, error) {
	if batch.Dim() != 4 || batch.Shape[1] != 3 {
		return nil, errors.Errorf("grid expects [B, 3, H, W], got %v", batch.Shape)
	}
	if nrow < 1 {
		nrow = 1
	}
	n, h, w := batch.Shape[0], batch.Shape[2], batch.Shape[3]
	cols := nrow
	if n < cols {
		cols = n
	}
	rows := (n + nrow - 1) / nrow

	width := cols*(w+padding) + padding
	height := rows*(h+padding) + padding
	grid := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range grid.Pix {
		if i%4 == 3 {
			grid.Pix[i] = 255
		}
	}

	plane := h * w
	for k := 0; k < n; k++ {
		ox := padding + (k%nrow)*(w+padding)
		oy := padding + (k/nrow)*(h+padding)
		base := k * 3 * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := base + y*w + x
				grid.SetRGBA(ox+x, oy+y, color.RGBA{
					R: toByte(batch.Data[idx]),
					G: toByte(batch.Data[idx+plane]),
					B: toByte(batch.Data[idx+2*plane]),
					A: 255,
				})
			}
		}
	}
	return grid, nil
}

// toByte maps [-1, 1] to [0, 255], clamping out-of-range and NaN values.
func toByte(v float64) uint8 {
	v = (v + 1) / 2 * 255
	if !(v >= 0) {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// SaveGrid writes the batch as a PNG grid to path.
func SaveGrid(path string, batch *tensor.Tensor, nrow, padding int) error {
	grid, err := MakeGrid(batch, nrow, padding)
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create sample image")
	}
	if err := png.Encode(file, grid); err != nil {
		file.Close()
		return errors.Wrap(err, "failed to encode sample image")
	}
	return errors.Wrap(file.Close(), "failed to close sample image")
}
