package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// SyntheticDataset generates smooth colour gradients from a fixed seed.
// Sample i is the same on every call and every worker, so it stands in for a
// real image folder in smoke runs and tests.
type SyntheticDataset struct {
	n      int
	size   int
	params [][6]float64
}

func NewSyntheticDataset(n, size int, seed int64) (*SyntheticDataset, error) {
	if n <= 0 || size <= 0 {
		return nil, errors.Errorf("synthetic dataset needs positive count and size, got %d and %d", n, size)
	}
	rng := rand.New(rand.NewSource(seed))
	params := make([][6]float64, n)
	for i := range params {
		for j := range params[i] {
			params[i][j] = rng.Float64()*2 - 1
		}
	}
	return &SyntheticDataset{n: n, size: size, params: params}, nil
}

func (d *SyntheticDataset) Len() int { return d.n }

func (d *SyntheticDataset) ImageSize() int { return d.size }

// Load renders sample index: each channel is a tilted sinusoid whose phase
// and direction come from the sample's parameters.
func (d *SyntheticDataset) Load(index int) ([]float64, error) {
	if index < 0 || index >= d.n {
		return nil, errors.Errorf("index %d out of range [0, %d)", index, d.n)
	}
	p := d.params[index]
	plane := d.size * d.size
	data := make([]float64, 3*plane)
	for c := 0; c < 3; c++ {
		fx, fy := p[c], p[(c+3)%6]
		for y := 0; y < d.size; y++ {
			for x := 0; x < d.size; x++ {
				u := float64(x) / float64(d.size)
				v := float64(y) / float64(d.size)
				data[c*plane+y*d.size+x] = math.Sin(math.Pi * (fx*u + fy*v + p[(c+1)%6]))
			}
		}
	}
	return data, nil
}
