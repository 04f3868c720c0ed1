package comm

import (
	"context"
	"fmt"
)

// Single is the one-rank communicator; every collective is an identity.
type Single struct{}

func NewSingle() *Single { return &Single{} }

func (*Single) Rank() int { return 0 }
func (*Single) Size() int { return 1 }

func (*Single) AllreduceFloat64(ctx context.Context, v float64, op Op) (float64, error) {
	return v, ctx.Err()
}

func (*Single) AllreduceInt(ctx context.Context, v int, op Op) (int, error) {
	return v, ctx.Err()
}

func (*Single) AllreduceFloat64s(ctx context.Context, v []float64, op Op) ([]float64, error) {
	out := make([]float64, len(v))
	copy(out, v)
	return out, ctx.Err()
}

func (*Single) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	return [][]byte{clone(data)}, ctx.Err()
}

func (*Single) Alltoall(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != 1 {
		return nil, fmt.Errorf("%w: alltoall with %d buffers on 1 rank", ErrSizeMismatch, len(send))
	}
	return [][]byte{clone(send[0])}, ctx.Err()
}

func (*Single) Barrier(ctx context.Context) error { return ctx.Err() }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
