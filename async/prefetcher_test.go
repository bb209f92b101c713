package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tsawler/go-stylegan/tensor"
)

// countingSource returns batches holding 0, 1, 2, ... and fails after limit.
type countingSource struct {
	mu    sync.Mutex
	next  int
	limit int
}

func (s *countingSource) Sample(ctx context.Context) (*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.next >= s.limit {
		return nil, errors.New("source exhausted")
	}
	b := tensor.Scalar(float64(s.next))
	s.next++
	return b, nil
}

func TestPrefetcherOrder(t *testing.T) {
	p, err := NewPrefetcher(&countingSource{}, PrefetcherConfig{Depth: 3})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	ctx := context.Background()
	if _, err := p.Sample(ctx); err != ErrStopped {
		t.Errorf("Sample before Start = %v, expected ErrStopped", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Error("Expected error starting twice")
	}

	for i := 0; i < 10; i++ {
		b, err := p.Sample(ctx)
		if err != nil {
			t.Fatalf("Sample %d failed: %v", i, err)
		}
		if b.Item() != float64(i) {
			t.Fatalf("batch %d holds %v", i, b.Item())
		}
	}

	stats := p.Stats()
	if !stats.IsRunning || stats.BatchesProduced < 10 || stats.QueueCapacity != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}

	p.Stop()
	p.Stop()
	if _, err := p.Sample(ctx); err != ErrStopped {
		t.Errorf("Sample after Stop = %v, expected ErrStopped", err)
	}
}

func TestPrefetcherSourceError(t *testing.T) {
	p, _ := NewPrefetcher(&countingSource{limit: 1}, PrefetcherConfig{Depth: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = p.Sample(ctx)
	}
	if err == nil || ctx.Err() != nil {
		t.Errorf("Expected the source error to surface, got %v", err)
	}
}

func TestPrefetcherCallerCancel(t *testing.T) {
	p, _ := NewPrefetcher(&countingSource{limit: 0}, PrefetcherConfig{})
	p.Start(context.Background())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A ready batch may win the select; a cancelled caller must never block.
	done := make(chan struct{})
	go func() {
		p.Sample(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sample blocked with a cancelled context")
	}

	if _, err := NewPrefetcher(nil, PrefetcherConfig{}); err == nil {
		t.Error("Expected error for nil source")
	}
}

func TestPrefetcherStopAfterBurst(t *testing.T) {
	for run := 0; run < 50; run++ {
		p, err := NewPrefetcher(&countingSource{}, PrefetcherConfig{Depth: 3})
		if err != nil {
			t.Fatalf("NewPrefetcher failed: %v", err)
		}
		ctx := context.Background()
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		for i := 0; i < 10; i++ {
			if _, err := p.Sample(ctx); err != nil {
				t.Fatalf("run %d: Sample %d failed: %v", run, i, err)
			}
		}

		stopped := make(chan struct{})
		go func() {
			p.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatalf("run %d: Stop did not return", run)
		}
		if p.Stats().IsRunning {
			t.Fatalf("run %d: still running after Stop", run)
		}
	}
}
