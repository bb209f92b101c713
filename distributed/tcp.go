package distributed

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

const dialRetryInterval = 200 * time.Millisecond

type peerConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, r: bufio.NewReader(conn)}
}

// TCPGroup is a star-shaped process group: rank 0 listens and reduces,
// every other rank connects to it.
type TCPGroup struct {
	rank     int
	world    int
	listener net.Listener
	peers    []*peerConn // rank 0 only, indexed by rank
	hub      *peerConn   // other ranks
	log      *logrus.Entry
}

// NewTCPGroup joins a group of world workers whose rank 0 listens on addr.
// It blocks until every worker has connected or ctx is done.
func NewTCPGroup(ctx context.Context, addr string, rank, world int, log *logrus.Entry) (*TCPGroup, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, world)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &TCPGroup{rank: rank, world: world, log: log.WithField("rank", rank)}

	var err error
	if rank == 0 {
		err = g.accept(ctx, addr)
	} else {
		err = g.dial(ctx, addr)
	}
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *TCPGroup) accept(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	g.listener = ln
	g.peers = make([]*peerConn, g.world)
	g.log.WithField("addr", ln.Addr().String()).Infof("Waiting for %d workers", g.world-1)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for joined := 1; joined < g.world; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "accept workers")
			}
			return errors.Wrap(err, "accept worker")
		}
		p := newPeerConn(conn)
		hello, err := readFrame(p.r)
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "read hello")
		}
		if hello.rank <= 0 || hello.rank >= g.world || g.peers[hello.rank] != nil {
			conn.Close()
			return errors.Errorf("unexpected hello from rank %d", hello.rank)
		}
		g.peers[hello.rank] = p
		g.log.WithField("peer", hello.rank).Debug("Worker joined")
	}
	return nil
}

func (g *TCPGroup) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			g.hub = newPeerConn(conn)
			return writeFrame(conn, frame{rank: g.rank})
		}
		g.log.WithError(err).Debug("Master not reachable yet")
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "connect to %s", addr)
		case <-time.After(dialRetryInterval):
		}
	}
}

func (g *TCPGroup) Rank() int      { return g.rank }
func (g *TCPGroup) WorldSize() int { return g.world }

// withDeadline aborts blocking I/O on conn when ctx is done.
func withDeadline(ctx context.Context, conn net.Conn) func() bool {
	dl, _ := ctx.Deadline() // zero clears a previous deadline
	conn.SetDeadline(dl)
	return context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
}

func (g *TCPGroup) AllReduceSum(ctx context.Context, values []float64) error {
	if g.rank != 0 {
		stop := withDeadline(ctx, g.hub.conn)
		defer stop()
		if err := writeFrame(g.hub.conn, frame{rank: g.rank, values: values}); err != nil {
			return err
		}
		result, err := readFrame(g.hub.r)
		if err != nil {
			return errors.Wrap(err, "read reduced values")
		}
		if len(result.values) != len(values) {
			return errors.Errorf("reduced %d values, expected %d", len(result.values), len(values))
		}
		copy(values, result.values)
		return nil
	}

	for r := 1; r < g.world; r++ {
		p := g.peers[r]
		stop := withDeadline(ctx, p.conn)
		f, err := readFrame(p.r)
		stop()
		if err != nil {
			return errors.Wrapf(err, "read from rank %d", r)
		}
		if len(f.values) != len(values) {
			return errors.Errorf("rank %d contributed %d values, expected %d", r, len(f.values), len(values))
		}
		floats.Add(values, f.values)
	}
	for r := 1; r < g.world; r++ {
		p := g.peers[r]
		stop := withDeadline(ctx, p.conn)
		err := writeFrame(p.conn, frame{values: values})
		stop()
		if err != nil {
			return errors.Wrapf(err, "send to rank %d", r)
		}
	}
	return nil
}

func (g *TCPGroup) Barrier(ctx context.Context) error {
	return g.AllReduceSum(ctx, nil)
}

func (g *TCPGroup) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if g.hub != nil {
		keep(g.hub.conn.Close())
	}
	for _, p := range g.peers {
		if p != nil {
			keep(p.conn.Close())
		}
	}
	if g.listener != nil {
		keep(g.listener.Close())
	}
	return first
}
