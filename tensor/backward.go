package tensor

import (
	"github.com/pkg/errors"
)

var (
	// ErrNoGraph is returned when differentiating a tensor that does not depend
	// on anything requiring gradients.
	ErrNoGraph = errors.New("tensor does not require gradients")
	// ErrNotScalar is returned when the differentiated output has more than one element.
	ErrNotScalar = errors.New("gradient root must have exactly one element")
)

// topoSort returns the tensors reachable from root that require gradients,
// inputs before the operations consuming them. Propagation stops at tensors
// in stop.
func topoSort(root *Tensor, stop map[*Tensor]bool) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil && !stop[t] {
			for _, in := range t.creator.Inputs() {
				if in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, t)
	}
	visit(root)
	return order
}

func backprop(root, seed *Tensor, stop map[*Tensor]bool) map[*Tensor]*Tensor {
	order := topoSort(root, stop)
	grads := map[*Tensor]*Tensor{root: seed}
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g, ok := grads[t]
		if !ok || t.creator == nil || stop[t] {
			continue
		}
		inputGrads := t.creator.Backward(g)
		for j, in := range t.creator.Inputs() {
			if !in.requiresGrad || inputGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				grads[in] = Add(prev, inputGrads[j])
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return grads
}

func checkRoot(t *Tensor) error {
	if t.Numel() != 1 {
		return errors.Wrapf(ErrNotScalar, "shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return ErrNoGraph
	}
	return nil
}

// Backward computes d loss / d leaf for every leaf reachable from loss that
// requires gradients and adds it to the leaf's accumulated gradient.
func Backward(loss *Tensor) error {
	if err := checkRoot(loss); err != nil {
		return errors.Wrap(err, "backward")
	}
	grads := backprop(loss, Ones(loss.Shape...), nil)
	for t, g := range grads {
		if t.creator != nil || !t.requiresGrad {
			continue
		}
		g = Detach(g)
		if t.grad == nil {
			t.grad = g
		} else {
			acc := t.grad.Clone()
			for i, v := range g.Data {
				acc.Data[i] += v
			}
			t.grad = acc
		}
	}
	return nil
}

// Grad returns d output / d inputs[i] without touching accumulated leaf
// gradients. Inputs that output does not depend on get zeros. With
// createGraph the results stay attached to the graph and can be
// differentiated again.
func Grad(output *Tensor, inputs []*Tensor, createGraph bool) ([]*Tensor, error) {
	if err := checkRoot(output); err != nil {
		return nil, errors.Wrap(err, "grad")
	}
	stop := make(map[*Tensor]bool, len(inputs))
	for _, in := range inputs {
		stop[in] = true
	}
	grads := backprop(output, Ones(output.Shape...), stop)
	result := make([]*Tensor, len(inputs))
	for i, in := range inputs {
		g, ok := grads[in]
		switch {
		case !ok:
			result[i] = Zeros(in.Shape...)
		case createGraph:
			result[i] = g
		default:
			result[i] = Detach(g)
		}
	}
	return result, nil
}
