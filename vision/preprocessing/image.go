// Package preprocessing converts between image files and the CHW float
// tensors the networks consume.
package preprocessing

import (
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ImageProcessor decodes images into square CHW float data in [-1, 1] with
// buffer reuse. It is safe for concurrent use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float64
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float64 // CHW
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image, centre-crops it to a
// square, resizes it to the target size and returns CHW data normalised to
// [-1, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return p.Preprocess(img), nil
}

// Preprocess converts an already decoded image.
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	side := bounds.Dx()
	if bounds.Dy() < side {
		side = bounds.Dy()
	}
	x0 := bounds.Min.X + (bounds.Dx()-side)/2
	y0 := bounds.Min.Y + (bounds.Dy()-side)/2

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != size {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	targetImg := p.tempImageBuffer

	// Nearest-neighbour resize of the centre square
	scale := float64(side) / float64(size)
	for y := 0; y < size; y++ {
		srcY := y0 + int((float64(y)+0.5)*scale)
		if srcY >= y0+side {
			srcY = y0 + side - 1
		}
		for x := 0; x < size; x++ {
			srcX := x0 + int((float64(x)+0.5)*scale)
			if srcX >= x0+side {
				srcX = x0 + side - 1
			}
			targetImg.Set(x, y, img.At(srcX, srcY))
		}
	}

	plane := size * size
	if len(p.processBuffer) < 3*plane {
		p.processBuffer = make([]float64, 3*plane)
	}
	data := p.processBuffer[:3*plane]

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := targetImg.At(x, y).RGBA()
			idx := y*size + x
			data[idx] = toSigned(r)
			data[plane+idx] = toSigned(g)
			data[2*plane+idx] = toSigned(b)
		}
	}

	// Copy out of the reusable buffer
	result := make([]float64, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: 3,
	}
}

// toSigned maps a 16-bit colour component to [-1, 1].
func toSigned(c uint32) float64 {
	return float64(c)/65535.0*2 - 1
}

// HorizontalFlip mirrors CHW data of the given width in place.
func HorizontalFlip(data []float64, width int) {
	for row := 0; row < len(data)/width; row++ {
		line := data[row*width : (row+1)*width]
		for i, j := 0, width-1; i < j; i, j = i+1, j-1 {
			line[i], line[j] = line[j], line[i]
		}
	}
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				img, err := processor.DecodeFile(j.path)
				if err != nil {
					errs[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}

	return results, nil
}

// DecodeFile opens and preprocesses the image at path.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return img, nil
}
