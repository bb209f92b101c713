// Package async overlaps batch preparation with training.
package async

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/tensor"
)

// BatchSource produces training batches on demand. dataloader.Infinite and
// Prefetcher both implement it.
type BatchSource interface {
	Sample(ctx context.Context) (*tensor.Tensor, error)
}

// ErrStopped is returned by Sample after Stop.
var ErrStopped = errors.New("prefetcher has been stopped")

// Prefetcher pulls batches from a source in background goroutines and keeps
// up to Depth of them ready.
type Prefetcher struct {
	source  BatchSource
	depth   int
	workers int

	batchChannel chan *tensor.Tensor
	errorChannel chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchCounter atomic.Uint64
	isRunning    bool
	mutex        sync.RWMutex
}

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	Depth   int // batches kept ready (default: 2)
	Workers int // background goroutines (default: 1, which preserves order)
}

func NewPrefetcher(source BatchSource, config PrefetcherConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("batch source cannot be nil")
	}
	if config.Depth <= 0 {
		config.Depth = 2
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Prefetcher{
		source:       source,
		depth:        config.Depth,
		workers:      config.Workers,
		batchChannel: make(chan *tensor.Tensor, config.Depth),
		errorChannel: make(chan error, config.Workers),
	}, nil
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return errors.New("prefetcher is already running")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.isRunning = true
	return nil
}

// Stop cancels the workers and waits for them to exit.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return
	}
	p.cancel()
	p.mutex.Unlock()

	// The mutex is not held while waiting on the workers.
	p.wg.Wait()

	p.mutex.Lock()
	p.isRunning = false
	p.mutex.Unlock()
}

// Sample returns the next ready batch, blocking until one is available.
func (p *Prefetcher) Sample(ctx context.Context) (*tensor.Tensor, error) {
	p.mutex.RLock()
	running := p.isRunning
	done := p.ctx
	p.mutex.RUnlock()
	if !running {
		return nil, ErrStopped
	}

	select {
	case batch := <-p.batchChannel:
		return batch, nil
	case err := <-p.errorChannel:
		return nil, errors.Wrap(err, "prefetch")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
		return nil, ErrStopped
	}
}

// worker runs in background to load batches
func (p *Prefetcher) worker(workerID int) {
	defer p.wg.Done()

	for {
		batch, err := p.source.Sample(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			select {
			case p.errorChannel <- errors.Wrapf(err, "worker %d", workerID):
			case <-p.ctx.Done():
			}
			return
		}

		select {
		case p.batchChannel <- batch:
			p.batchCounter.Add(1)
		case <-p.ctx.Done():
			return
		}
	}
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.batchCounter.Load(),
		QueuedBatches:   len(p.batchChannel),
		QueueCapacity:   cap(p.batchChannel),
		Workers:         p.workers,
	}
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
}
