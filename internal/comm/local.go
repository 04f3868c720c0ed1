package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// hub is the rendezvous shared by the ranks of an in-process cluster.
// Each collective is one round: every rank deposits a contribution and the
// last arrival publishes the full set to all waiters.
type hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
	inbox   []any
	result  []any
	err     error
}

func newHub(size int) *hub {
	h := &hub{size: size, inbox: make([]any, size)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// exchange blocks until every rank has contributed to the current round.
// The returned slice is shared and must not be modified.
func (h *hub) exchange(rank int, v any) ([]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return nil, h.err
	}

	gen := h.gen
	h.inbox[rank] = v
	h.arrived++
	if h.arrived == h.size {
		h.result = h.inbox
		h.inbox = make([]any, h.size)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		return h.result, nil
	}

	for gen == h.gen && h.err == nil {
		h.cond.Wait()
	}
	if gen == h.gen {
		return nil, h.err
	}
	return h.result, nil
}

func (h *hub) abort(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Local is one rank of an in-process cluster. Ranks run as goroutines of the
// same process and meet at a shared hub for every collective.
type Local struct {
	rank int
	hub  *hub
}

func NewLocalCluster(size int) []*Local {
	h := newHub(size)
	ranks := make([]*Local, size)
	for i := range ranks {
		ranks[i] = &Local{rank: i, hub: h}
	}
	return ranks
}

// RunLocal runs fn once per rank of a fresh cluster and waits for all of
// them. The first rank to fail aborts the cluster so its peers return
// instead of blocking in a collective.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, c Communicator) error) error {
	if size < 1 {
		return fmt.Errorf("comm: invalid cluster size %d", size)
	}
	ranks := NewLocalCluster(size)

	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		ranks[0].Abort(context.Cause(ctx))
	})
	defer stop()

	for _, r := range ranks {
		g.Go(func() error {
			return fn(ctx, r)
		})
	}
	return g.Wait()
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.hub.size }

// Abort releases every rank blocked in, or later entering, a collective.
func (l *Local) Abort(cause error) {
	l.hub.abort(fmt.Errorf("%w: %v", ErrAborted, cause))
}

func (l *Local) round(ctx context.Context, v any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		l.Abort(err)
		return nil, err
	}
	return l.hub.exchange(l.rank, v)
}

func (l *Local) AllreduceFloat64(ctx context.Context, v float64, op Op) (float64, error) {
	all, err := l.round(ctx, v)
	if err != nil {
		return 0, err
	}
	vals := make([]float64, len(all))
	for i, a := range all {
		vals[i] = a.(float64)
	}
	return reduce(op, vals), nil
}

func (l *Local) AllreduceInt(ctx context.Context, v int, op Op) (int, error) {
	out, err := l.AllreduceFloat64(ctx, float64(v), op)
	return int(out), err
}

func (l *Local) AllreduceFloat64s(ctx context.Context, v []float64, op Op) ([]float64, error) {
	all, err := l.round(ctx, v)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for r, a := range all {
		other := a.([]float64)
		if len(other) != len(v) {
			return nil, fmt.Errorf("%w: rank %d reduced %d values, rank %d %d", ErrSizeMismatch, l.rank, len(v), r, len(other))
		}
		if r == 0 {
			copy(out, other)
			continue
		}
		for i := range out {
			out[i] = op.apply(out[i], other[i])
		}
	}
	return out, nil
}

func (l *Local) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	all, err := l.round(ctx, data)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(all))
	for r, a := range all {
		out[r] = clone(a.([]byte))
	}
	return out, nil
}

func (l *Local) Alltoall(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != l.Size() {
		return nil, fmt.Errorf("%w: alltoall with %d buffers on %d ranks", ErrSizeMismatch, len(send), l.Size())
	}
	all, err := l.round(ctx, send)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(all))
	for r, a := range all {
		out[r] = clone(a.([][]byte)[l.rank])
	}
	return out, nil
}

func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.round(ctx, nil)
	return err
}
