// Package comm provides the collective operations ranks use to agree on
// domain boundaries, exchange tree summaries and reduce load statistics.
//
// Every method is a collective: it blocks until all ranks of the
// communicator have made the matching call, in the same order.
package comm

import (
	"context"
	"errors"
	"fmt"
)

// Root is the rank that owns report output.
const Root = 0

var (
	// ErrAborted is returned to every rank once any rank aborts the group.
	ErrAborted = errors.New("comm: communicator aborted")

	// ErrSizeMismatch indicates a collective was called with inconsistent
	// per-rank arguments.
	ErrSizeMismatch = errors.New("comm: argument size mismatch")
)

// Op is a reduction operator.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

func (op Op) apply(a, b float64) float64 {
	switch op {
	case OpMax:
		if b > a {
			return b
		}
		return a
	case OpMin:
		if b < a {
			return b
		}
		return a
	}
	return a + b
}

type Communicator interface {
	Rank() int
	Size() int
	AllreduceFloat64(ctx context.Context, v float64, op Op) (float64, error)
	AllreduceInt(ctx context.Context, v int, op Op) (int, error)
	// AllreduceFloat64s reduces element-wise; every rank passes the same length.
	AllreduceFloat64s(ctx context.Context, v []float64, op Op) ([]float64, error)
	// Allgather returns every rank's payload indexed by rank.
	Allgather(ctx context.Context, data []byte) ([][]byte, error)
	// Alltoall sends send[r] to rank r and returns recv[r] from rank r.
	Alltoall(ctx context.Context, send [][]byte) ([][]byte, error)
	Barrier(ctx context.Context) error
}

// IsRoot reports whether c is the report-owning rank.
func IsRoot(c Communicator) bool { return c.Rank() == Root }

func reduce(op Op, vals []float64) float64 {
	acc := vals[0]
	for _, v := range vals[1:] {
		acc = op.apply(acc, v)
	}
	return acc
}
