package dataloader

import (
	"sync"
	"testing"
)

func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(2)

	if data, exists := cm.Get(7); exists || data != nil {
		t.Error("Get should return false and nil for a missing key")
	}

	cm.Put(1, []float64{1})
	cm.Put(2, []float64{2})
	if data, ok := cm.Get(1); !ok || data[0] != 1 {
		t.Errorf("Get(1) = %v, %v", data, ok)
	}

	// 2 is now least recently used and gets evicted
	cm.Put(3, []float64{3})
	if _, ok := cm.Get(2); ok {
		t.Error("Expected key 2 to be evicted")
	}
	if _, ok := cm.Get(1); !ok {
		t.Error("Expected key 1 to survive")
	}

	stats := cm.Stats()
	if stats.Size != 2 || stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("unexpected stats %s", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("hit rate = %v, expected 50", stats.HitRate)
	}

	cm.Clear()
	if cm.Stats().Size != 0 || cm.Stats().Hits != 2 {
		t.Errorf("Clear should empty the cache and keep statistics: %s", cm.Stats())
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put(1, []float64{1})
	if _, ok := cm.Get(1); ok {
		t.Error("a zero-size cache should not store anything")
	}
}

func TestCacheManagerConcurrentAccess(t *testing.T) {
	cm := NewCacheManager(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := (w*100 + i) % 32
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, []float64{float64(key)})
				}
			}
		}(w)
	}
	wg.Wait()
	if size := cm.Stats().Size; size > 16 {
		t.Errorf("cache grew to %d items, limit 16", size)
	}
}
