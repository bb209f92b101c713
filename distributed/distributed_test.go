package distributed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
)

func TestSingleWorkerIdentity(t *testing.T) {
	ctx := context.Background()
	losses := map[string]float64{"d": 1.5, "g": -0.25, "r1": 0}

	for _, g := range []Group{nil, Local{}} {
		v, err := ReduceSum(ctx, g, 3.25)
		if err != nil || v != 3.25 {
			t.Errorf("ReduceSum(%T) = %v, %v; expected 3.25", g, v, err)
		}
		out, err := ReduceLossDict(ctx, g, losses)
		if err != nil {
			t.Fatalf("ReduceLossDict failed: %v", err)
		}
		if len(out) != len(losses) {
			t.Errorf("ReduceLossDict changed the key set: %v", out)
		}
		for k, v := range losses {
			if out[k] != v {
				t.Errorf("%s = %v, expected %v", k, out[k], v)
			}
		}
		if Rank(g) != 0 || WorldSize(g) != 1 || !IsMain(g) {
			t.Errorf("%T should be rank 0 of 1", g)
		}
	}
}

// runGroup drives fn concurrently on every member of an in-process group.
func runGroup(t *testing.T, n int, fn func(g Group) error) {
	t.Helper()
	groups := NewMemoryGroups(n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", i, err)
		}
	}
}

func TestMemoryGroupReduce(t *testing.T) {
	ctx := context.Background()
	runGroup(t, 3, func(g Group) error {
		r := float64(g.Rank())
		sum, err := ReduceSum(ctx, g, r+1)
		if err != nil {
			return err
		}
		if sum != 6 {
			return fmt.Errorf("sum = %v, expected 6", sum)
		}

		out, err := ReduceLossDict(ctx, g, map[string]float64{"d": r, "g": 2 * r})
		if err != nil {
			return err
		}
		if out["d"] != 1 || out["g"] != 2 {
			return fmt.Errorf("averaged dict = %v, expected d=1 g=2", out)
		}
		return g.Barrier(ctx)
	})
}

func TestMemoryGroupLengthMismatch(t *testing.T) {
	ctx := context.Background()
	groups := NewMemoryGroups(2)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *MemoryGroup) {
			defer wg.Done()
			errs[i] = g.AllReduceSum(ctx, make([]float64, i+1))
		}(i, g)
	}
	wg.Wait()
	if errs[0] == nil || errs[1] == nil {
		t.Errorf("Expected both members to see the mismatch, got %v", errs)
	}
}

func TestMemoryGroupCancel(t *testing.T) {
	groups := NewMemoryGroups(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := groups[0].AllReduceSum(ctx, []float64{1}); err == nil {
		t.Fatal("Expected error when the other member never arrives")
	}
	if err := groups[1].AllReduceSum(context.Background(), []float64{1}); err != ErrGroupBroken {
		t.Errorf("Expected ErrGroupBroken, got %v", err)
	}
}

func TestAllReduceGradients(t *testing.T) {
	ctx := context.Background()
	runGroup(t, 2, func(g Group) error {
		set := nn.NewParameterSet("net")
		a := set.Register("a", "a", tensor.Zeros(2))
		b := set.Register("b", "b", tensor.Zeros(1))
		frozen := set.Register("c", "c", tensor.Zeros(1))
		frozen.SetTrainable(false)

		r := float64(g.Rank())
		a.Value.SetGrad(tensor.MustNew([]int{2}, []float64{r, 2 * r}))
		if g.Rank() == 0 {
			b.Value.SetGrad(tensor.Scalar(4))
		}
		frozen.Value.SetGrad(tensor.Scalar(r))

		if err := AllReduceGradients(ctx, g, set); err != nil {
			return err
		}
		if a.Grad().Data[0] != 0.5 || a.Grad().Data[1] != 1 {
			return fmt.Errorf("a grad = %v, expected [0.5 1]", a.Grad().Data)
		}
		if b.Grad().Data[0] != 2 {
			return fmt.Errorf("b grad = %v, expected [2]", b.Grad().Data)
		}
		if frozen.Grad().Data[0] != r {
			return fmt.Errorf("frozen grad changed to %v", frozen.Grad().Data)
		}
		return nil
	})
}

func TestFrameRoundTrip(t *testing.T) {
	values := []float64{0, -1.5, math.Pi, math.Inf(1)}
	var buf bytes.Buffer
	if err := writeFrame(&buf, frame{rank: 3, values: values}); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	if err := writeFrame(&buf, frame{rank: 1}); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}

	r := bufio.NewReader(&buf)
	f, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if f.rank != 3 || len(f.values) != len(values) {
		t.Fatalf("decoded %+v", f)
	}
	for i := range values {
		if f.values[i] != values[i] {
			t.Errorf("value %d = %v, expected %v", i, f.values[i], values[i])
		}
	}
	if f, err = readFrame(r); err != nil || f.rank != 1 || len(f.values) != 0 {
		t.Errorf("second frame %+v, %v", f, err)
	}
}

func TestTCPGroup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const world = 3
	var wg sync.WaitGroup
	errs := make([]error, world)
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g, err := NewTCPGroup(ctx, addr, rank, world, nil)
			if err != nil {
				errs[rank] = err
				return
			}
			defer g.Close()

			if err := g.Barrier(ctx); err != nil {
				errs[rank] = err
				return
			}
			for round := 0; round < 3; round++ {
				values := []float64{float64(rank), 1}
				if err := g.AllReduceSum(ctx, values); err != nil {
					errs[rank] = err
					return
				}
				if values[0] != 3 || values[1] != world {
					errs[rank] = fmt.Errorf("round %d: reduced %v, expected [3 %d]", round, values, world)
					return
				}
			}
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	}
}

func TestEnvValidate(t *testing.T) {
	env := DefaultEnv()
	if err := env.Validate(); err != nil || env.Distributed() {
		t.Errorf("default env should be a valid single worker, got %v", err)
	}
	env.WorldSize, env.Rank = 2, 2
	if err := env.Validate(); err == nil {
		t.Error("Expected error for rank outside the world")
	}
	g, err := Init(context.Background(), DefaultEnv(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if _, ok := g.(Local); !ok {
		t.Errorf("single worker should get a Local group, got %T", g)
	}
}

func TestEnvFromOS(t *testing.T) {
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("RANK", "2")
	t.Setenv("MASTER_ADDR", "10.0.0.1")
	t.Setenv("MASTER_PORT", "1234")

	env, err := EnvFromOS()
	if err != nil {
		t.Fatalf("EnvFromOS failed: %v", err)
	}
	if env.WorldSize != 4 || env.Rank != 2 || env.Addr() != "10.0.0.1:1234" {
		t.Errorf("unexpected env %+v", env)
	}

	t.Setenv("RANK", "x")
	if _, err := EnvFromOS(); err == nil {
		t.Error("Expected parse error")
	}
}
