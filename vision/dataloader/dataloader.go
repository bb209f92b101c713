// Package dataloader turns a dataset into batches of image tensors.
package dataloader

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/tensor"
	"github.com/tsawler/go-stylegan/vision/dataset"
	"github.com/tsawler/go-stylegan/vision/preprocessing"
)

// ErrShardTooSmall is returned when a worker's shard cannot fill one batch.
var ErrShardTooSmall = errors.New("dataset shard smaller than one batch")

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Flip         bool // random horizontal flip with probability 0.5
	MaxCacheSize int  // maximum number of decoded images to cache
	NumWorkers   int  // parallel decoders per batch
	Seed         int64

	// Distributed sharding: worker Rank of WorldSize sees every
	// WorldSize-th sample of the shuffled order.
	Rank      int
	WorldSize int

	CacheManager *CacheManager // optional shared cache
}

// DataLoader yields drop-last batches of [B, 3, S, S] tensors. Each epoch
// visits the worker's shard once.
type DataLoader struct {
	dataset   dataset.Dataset
	config    Config
	shuffle   *rand.Rand // same seed on every worker
	augment   *rand.Rand // per-worker
	all       []int
	indices   []int
	position  int
	epoch     int
	mu        sync.Mutex
	imageSize int

	cacheManager *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	cacheManager := config.CacheManager
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize)
	}

	all := make([]int, ds.Len())
	for i := range all {
		all[i] = i
	}

	dl := &DataLoader{
		dataset:      ds,
		config:       config,
		shuffle:      rand.New(rand.NewSource(config.Seed)),
		augment:      rand.New(rand.NewSource(config.Seed + 1 + int64(config.Rank))),
		all:          all,
		imageSize:    ds.ImageSize(),
		cacheManager: cacheManager,
	}
	dl.reshard()
	return dl, nil
}

// reshard shuffles the global order (identically on every worker) and takes
// this worker's slice of it.
func (dl *DataLoader) reshard() {
	if dl.config.Shuffle {
		dl.shuffle.Shuffle(len(dl.all), func(i, j int) {
			dl.all[i], dl.all[j] = dl.all[j], dl.all[i]
		})
	}
	dl.indices = dl.indices[:0]
	for i := dl.config.Rank; i < len(dl.all); i += dl.config.WorldSize {
		dl.indices = append(dl.indices, dl.all[i])
	}
	dl.position = 0
}

// Reset starts a new epoch
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.epoch++
	dl.reshard()
}

// BatchesPerEpoch is the number of full batches in this worker's shard.
func (dl *DataLoader) BatchesPerEpoch() int {
	return len(dl.indices) / dl.config.BatchSize
}

// NextBatch loads the next batch. It returns nil, nil once fewer than
// BatchSize samples remain in the epoch.
func (dl *DataLoader) NextBatch() (*tensor.Tensor, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	batchSize := dl.config.BatchSize
	if len(dl.indices)-dl.position < batchSize {
		return nil, nil
	}
	batch := dl.indices[dl.position : dl.position+batchSize]
	dl.position += batchSize

	pixels := 3 * dl.imageSize * dl.imageSize
	data := make([]float64, batchSize*pixels)
	errs := make([]error, batchSize)

	jobs := make(chan int, batchSize)
	var wg sync.WaitGroup
	for w := 0; w < dl.config.NumWorkers && w < batchSize; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range jobs {
				img, err := dl.loadImageWithCache(batch[slot])
				if err != nil {
					errs[slot] = err
					continue
				}
				copy(data[slot*pixels:(slot+1)*pixels], img)
			}
		}()
	}
	for slot := range batch {
		jobs <- slot
	}
	close(jobs)
	wg.Wait()

	for slot, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "load sample %d", batch[slot])
		}
	}

	if dl.config.Flip {
		for slot := range batch {
			if dl.augment.Float64() < 0.5 {
				preprocessing.HorizontalFlip(data[slot*pixels:(slot+1)*pixels], dl.imageSize)
			}
		}
	}

	return tensor.New([]int{batchSize, 3, dl.imageSize, dl.imageSize}, data)
}

// loadImageWithCache loads an image with caching support
func (dl *DataLoader) loadImageWithCache(index int) ([]float64, error) {
	if cachedData, exists := dl.cacheManager.Get(index); exists {
		return cachedData, nil
	}

	img, err := dl.dataset.Load(index)
	if err != nil {
		return nil, err
	}
	if len(img) != 3*dl.imageSize*dl.imageSize {
		return nil, errors.Errorf("sample %d has %d values, expected %d", index, len(img), 3*dl.imageSize*dl.imageSize)
	}

	dl.cacheManager.Put(index, img)
	return img, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the epoch
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// Epoch returns how many times the loader has been reset.
func (dl *DataLoader) Epoch() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.epoch
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}

// Infinite produces batches indefinitely: when the underlying loader runs
// out it starts a new epoch with a fresh shuffle.
type Infinite struct {
	loader *DataLoader
}

func NewInfinite(loader *DataLoader) (*Infinite, error) {
	if loader.BatchesPerEpoch() == 0 {
		return nil, errors.Wrapf(ErrShardTooSmall, "%d samples for batch size %d", len(loader.indices), loader.config.BatchSize)
	}
	return &Infinite{loader: loader}, nil
}

// Sample returns the next batch, rewinding the loader on exhaustion.
func (it *Infinite) Sample(ctx context.Context) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := it.loader.NextBatch()
	if err != nil || batch != nil {
		return batch, err
	}
	it.loader.Reset()
	return it.loader.NextBatch()
}

func (it *Infinite) Loader() *DataLoader {
	return it.loader
}
