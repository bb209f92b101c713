// Package distributed provides the collectives used for data-parallel
// training: scalar and loss-dict reduction, gradient averaging and the
// process-group bootstrap.
package distributed

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Group is a set of cooperating worker processes. Every member must issue the
// same collectives in the same order.
type Group interface {
	Rank() int
	WorldSize() int
	// AllReduceSum replaces values on every member with the elementwise sum
	// over all members.
	AllReduceSum(ctx context.Context, values []float64) error
	Barrier(ctx context.Context) error
	Close() error
}

// Rank returns the rank of g, 0 for a nil group.
func Rank(g Group) int {
	if g == nil {
		return 0
	}
	return g.Rank()
}

// WorldSize returns the number of workers in g, 1 for a nil group.
func WorldSize(g Group) int {
	if g == nil {
		return 1
	}
	return g.WorldSize()
}

// IsMain reports whether this worker does the reporting.
func IsMain(g Group) bool {
	return Rank(g) == 0
}

func single(g Group) bool {
	return g == nil || g.WorldSize() <= 1
}

// ReduceSum sums value across all workers. A nil group or a single worker is
// the identity.
func ReduceSum(ctx context.Context, g Group, value float64) (float64, error) {
	if single(g) {
		return value, nil
	}
	buf := []float64{value}
	if err := g.AllReduceSum(ctx, buf); err != nil {
		return 0, errors.Wrap(err, "reduce sum")
	}
	return buf[0], nil
}

// AllReduce sums values elementwise across workers in place. A nil group or
// a single worker leaves values unchanged.
func AllReduce(ctx context.Context, g Group, values []float64) error {
	if single(g) {
		return nil
	}
	return errors.Wrap(g.AllReduceSum(ctx, values), "all-reduce")
}

// ReduceLossDict averages every entry of losses across workers with one
// collective. Keys are reduced in sorted order so all workers agree on the
// layout. The input map is not modified.
func ReduceLossDict(ctx context.Context, g Group, losses map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(losses))
	if single(g) {
		for k, v := range losses {
			out[k] = v
		}
		return out, nil
	}

	keys := maps.Keys(losses)
	slices.Sort(keys)
	buf := make([]float64, len(keys))
	for i, k := range keys {
		buf[i] = losses[k]
	}
	if err := g.AllReduceSum(ctx, buf); err != nil {
		return nil, errors.Wrap(err, "reduce loss dict")
	}
	world := float64(g.WorldSize())
	for i, k := range keys {
		out[k] = buf[i] / world
	}
	return out, nil
}

// AllReduceGradients averages the gradients of the trainable parameters of
// net across workers. Parameters without a gradient take part as zeros so
// every worker contributes the same layout.
func AllReduceGradients(ctx context.Context, g Group, net nn.Network) error {
	if single(g) {
		return nil
	}

	var params []*nn.Parameter
	size := 0
	for _, p := range net.Parameters() {
		if p.Trainable() {
			params = append(params, p)
			size += p.Value.Numel()
		}
	}
	if size == 0 {
		return nil
	}

	buf := make([]float64, 0, size)
	for _, p := range params {
		if grad := p.Grad(); grad != nil {
			buf = append(buf, grad.Data...)
		} else {
			buf = append(buf, make([]float64, p.Value.Numel())...)
		}
	}
	if err := g.AllReduceSum(ctx, buf); err != nil {
		return errors.Wrapf(err, "all-reduce gradients of %s", net.Name())
	}

	world := float64(g.WorldSize())
	off := 0
	for _, p := range params {
		n := p.Value.Numel()
		avg := make([]float64, n)
		for i := range avg {
			avg[i] = buf[off+i] / world
		}
		p.Value.SetGrad(tensor.MustNew(p.Value.Shape, avg))
		off += n
	}
	return nil
}

// Local is the single-worker group.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }

func (Local) AllReduceSum(context.Context, []float64) error { return nil }
func (Local) Barrier(context.Context) error                 { return nil }
func (Local) Close() error                                  { return nil }
