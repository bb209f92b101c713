package checkpoints

import (
	"strings"

	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
)

// ExtractWeights copies every parameter of net into serializable tensors.
func ExtractWeights(net nn.Network) []WeightTensor {
	params := net.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float64(nil), p.Value.Data...),
			Layer: p.Group,
			Type:  parameterType(p.Name),
		})
	}
	return weights
}

// parameterType is the last dotted component of a parameter name.
func parameterType(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// LoadReport lists what LoadWeights could and could not restore.
type LoadReport struct {
	Loaded     int
	Missing    []string // in net, absent from the checkpoint
	Unexpected []string // in the checkpoint, absent from net
	Mismatched []string // present in both with different shapes
}

// Complete reports whether every parameter of the network was restored.
func (r LoadReport) Complete() bool {
	return len(r.Missing) == 0 && len(r.Mismatched) == 0
}

// LoadWeights copies weights into the parameters of net by name. Loading is
// lenient: unknown names and shape mismatches are reported, not fatal, so a
// source checkpoint can seed a network whose architecture differs slightly.
// Gradients and trainable flags are left untouched.
func LoadWeights(net nn.Network, weights []WeightTensor) LoadReport {
	var report LoadReport
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range net.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			continue
		}
		delete(byName, p.Name)
		if !sameShape(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			report.Mismatched = append(report.Mismatched, p.Name)
			continue
		}
		copy(p.Value.Data, w.Data)
		report.Loaded++
	}
	for _, w := range weights {
		if _, left := byName[w.Name]; left {
			report.Unexpected = append(report.Unexpected, w.Name)
		}
	}
	return report
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ToTensor rebuilds a detached tensor from a stored weight.
func (w WeightTensor) ToTensor() (*tensor.Tensor, error) {
	return tensor.New(append([]int(nil), w.Shape...), append([]float64(nil), w.Data...))
}
