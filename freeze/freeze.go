// Package freeze controls which generator and discriminator parameters are
// trainable during each phase of a training iteration.
package freeze

import (
	"strings"

	"github.com/tsawler/go-stylegan/nn"
)

// SetTrainable sets the trainable flag of every parameter of net when no
// group is given, otherwise only of the parameters in the named groups.
// Parameters outside those groups keep their flag.
func SetTrainable(net nn.Network, flag bool, groups ...string) {
	if len(groups) == 0 {
		for _, p := range net.Parameters() {
			p.SetTrainable(flag)
		}
		return
	}
	for _, g := range groups {
		for _, p := range net.Group(g) {
			p.SetTrainable(flag)
		}
	}
}

// SetTrainableMatching sets the flag of every parameter whose name contains
// pattern, or of all parameters when pattern is empty.
func SetTrainableMatching(net nn.Network, flag bool, pattern string) {
	for _, p := range net.Parameters() {
		if pattern == "" || strings.Contains(p.Name, pattern) {
			p.SetTrainable(flag)
		}
	}
}

// GroupInfo describes the freeze state of one layer group.
type GroupInfo struct {
	Name       string
	Parameters int
	Elements   int
	Trainable  bool
}

// Summary reports the trainable state of each group of net. A group counts as
// trainable when any of its parameters is.
func Summary(net nn.Network) []GroupInfo {
	groups := net.Groups()
	info := make([]GroupInfo, 0, len(groups))
	for _, name := range groups {
		gi := GroupInfo{Name: name}
		for _, p := range net.Group(name) {
			gi.Parameters++
			gi.Elements += p.Value.Numel()
			gi.Trainable = gi.Trainable || p.Trainable()
		}
		info = append(info, gi)
	}
	return info
}
