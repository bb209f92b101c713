package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrGroupBroken is returned by every collective after a member abandoned one.
var ErrGroupBroken = errors.New("process group broken by an abandoned collective")

type memoryHub struct {
	mu         sync.Mutex
	cond       *sync.Cond
	world      int
	arrived    int
	generation int
	acc        []float64
	accErr     error
	result     []float64
	resultErr  error
	broken     bool
}

// MemoryGroup is one member of an in-process group. It runs the same
// collective protocol as a multi-process group, with goroutines standing in
// for workers.
type MemoryGroup struct {
	hub  *memoryHub
	rank int
}

// NewMemoryGroups returns n members sharing one hub. Each member must be
// driven from its own goroutine.
func NewMemoryGroups(n int) []*MemoryGroup {
	hub := &memoryHub{world: n}
	hub.cond = sync.NewCond(&hub.mu)
	groups := make([]*MemoryGroup, n)
	for i := range groups {
		groups[i] = &MemoryGroup{hub: hub, rank: i}
	}
	return groups
}

func (m *MemoryGroup) Rank() int      { return m.rank }
func (m *MemoryGroup) WorldSize() int { return m.hub.world }
func (m *MemoryGroup) Close() error   { return nil }

func (m *MemoryGroup) Barrier(ctx context.Context) error {
	return m.AllReduceSum(ctx, nil)
}

func (m *MemoryGroup) AllReduceSum(ctx context.Context, values []float64) error {
	h := m.hub
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.broken {
		return ErrGroupBroken
	}

	gen := h.generation
	if h.arrived == 0 {
		h.acc = make([]float64, len(values))
		h.accErr = nil
	}
	if len(h.acc) != len(values) {
		h.accErr = errors.Errorf("rank %d contributed %d values, expected %d", m.rank, len(values), len(h.acc))
	} else {
		floats.Add(h.acc, values)
	}
	h.arrived++

	if h.arrived == h.world {
		h.result, h.resultErr = h.acc, h.accErr
		h.acc, h.arrived = nil, 0
		h.generation++
		h.cond.Broadcast()
	} else {
		for gen == h.generation && !h.broken {
			if err := ctx.Err(); err != nil {
				h.broken = true
				h.cond.Broadcast()
				return errors.Wrapf(err, "rank %d waiting for collective", m.rank)
			}
			h.cond.Wait()
		}
		if gen == h.generation {
			return ErrGroupBroken
		}
	}

	if h.resultErr != nil {
		return h.resultErr
	}
	copy(values, h.result)
	return nil
}
