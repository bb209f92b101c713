package distributed

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Env is the process-group configuration exported by the launcher.
type Env struct {
	WorldSize  int
	Rank       int
	LocalRank  int
	MasterAddr string
	MasterPort int
}

// DefaultEnv describes a single worker.
func DefaultEnv() Env {
	return Env{WorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: 29500}
}

// EnvFromOS reads WORLD_SIZE, RANK, LOCAL_RANK, MASTER_ADDR and MASTER_PORT.
// Unset variables keep their single-worker defaults.
func EnvFromOS() (Env, error) {
	env := DefaultEnv()
	ints := []struct {
		name string
		dst  *int
	}{
		{"WORLD_SIZE", &env.WorldSize},
		{"RANK", &env.Rank},
		{"LOCAL_RANK", &env.LocalRank},
		{"MASTER_PORT", &env.MasterPort},
	}
	for _, v := range ints {
		s, ok := os.LookupEnv(v.name)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return env, errors.Wrapf(err, "parse %s", v.name)
		}
		*v.dst = n
	}
	if addr := os.Getenv("MASTER_ADDR"); addr != "" {
		env.MasterAddr = addr
	}
	return env, env.Validate()
}

func (e Env) Validate() error {
	if e.WorldSize < 1 {
		return errors.Errorf("WORLD_SIZE must be at least 1, got %d", e.WorldSize)
	}
	if e.Rank < 0 || e.Rank >= e.WorldSize {
		return errors.Errorf("RANK %d out of range for WORLD_SIZE %d", e.Rank, e.WorldSize)
	}
	return nil
}

// Distributed reports whether more than one worker takes part.
func (e Env) Distributed() bool {
	return e.WorldSize > 1
}

func (e Env) Addr() string {
	return net.JoinHostPort(e.MasterAddr, strconv.Itoa(e.MasterPort))
}

// Init sets up the process group described by env and synchronises all
// workers once. A single worker gets a Local group.
func Init(ctx context.Context, env Env, log *logrus.Entry) (Group, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if !env.Distributed() {
		return Local{}, nil
	}

	g, err := NewTCPGroup(ctx, env.Addr(), env.Rank, env.WorldSize, log)
	if err != nil {
		return nil, errors.Wrap(err, "init process group")
	}
	if err := g.Barrier(ctx); err != nil {
		g.Close()
		return nil, errors.Wrap(err, "initial barrier")
	}
	return g, nil
}
