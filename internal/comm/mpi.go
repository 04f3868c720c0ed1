//go:build mpi

package comm

/*
#cgo pkg-config: ompi
#include <mpi.h>

MPI_Comm     World  = MPI_COMM_WORLD;
MPI_Datatype Double = MPI_DOUBLE;
MPI_Datatype Long   = MPI_LONG;
MPI_Datatype Int    = MPI_INT;
MPI_Datatype Byte   = MPI_BYTE;
MPI_Op       OpSumC = MPI_SUM;
MPI_Op       OpMaxC = MPI_MAX;
MPI_Op       OpMinC = MPI_MIN;
*/
import "C"

import (
	"context"
	"fmt"
	"unsafe"
)

// MPI is the communicator over MPI_COMM_WORLD.
type MPI struct {
	rank int
	size int
}

func NewMPI() (*MPI, error) {
	var flag C.int
	C.MPI_Initialized(&flag)
	if flag == 0 {
		if err := mpiError(C.MPI_Init(nil, nil), "init"); err != nil {
			return nil, err
		}
	}
	var r, s C.int
	C.MPI_Comm_rank(C.World, &r)
	C.MPI_Comm_size(C.World, &s)
	return &MPI{rank: int(r), size: int(s)}, nil
}

func (m *MPI) Finalize() error {
	return mpiError(C.MPI_Finalize(), "finalize")
}

func mpiError(ec C.int, what string) error {
	if ec == C.MPI_SUCCESS {
		return nil
	}
	var n C.int
	buf := make([]byte, C.MPI_MAX_ERROR_STRING)
	C.MPI_Error_string(ec, (*C.char)(unsafe.Pointer(&buf[0])), &n)
	return fmt.Errorf("comm: mpi %s: %s", what, string(buf[:n]))
}

func (op Op) toC() C.MPI_Op {
	switch op {
	case OpMax:
		return C.OpMaxC
	case OpMin:
		return C.OpMinC
	}
	return C.OpSumC
}

func (m *MPI) Rank() int { return m.rank }
func (m *MPI) Size() int { return m.size }

func (m *MPI) AllreduceFloat64(ctx context.Context, v float64, op Op) (float64, error) {
	in, out := C.double(v), C.double(0)
	ec := C.MPI_Allreduce(unsafe.Pointer(&in), unsafe.Pointer(&out), 1, C.Double, op.toC(), C.World)
	return float64(out), mpiError(ec, "allreduce")
}

func (m *MPI) AllreduceInt(ctx context.Context, v int, op Op) (int, error) {
	in, out := C.long(v), C.long(0)
	ec := C.MPI_Allreduce(unsafe.Pointer(&in), unsafe.Pointer(&out), 1, C.Long, op.toC(), C.World)
	return int(out), mpiError(ec, "allreduce")
}

func (m *MPI) AllreduceFloat64s(ctx context.Context, v []float64, op Op) ([]float64, error) {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out, nil
	}
	ec := C.MPI_Allreduce(unsafe.Pointer(&v[0]), unsafe.Pointer(&out[0]), C.int(len(v)), C.Double, op.toC(), C.World)
	return out, mpiError(ec, "allreduce")
}

func (m *MPI) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	counts := make([]C.int, m.size)
	mine := C.int(len(data))
	if err := mpiError(C.MPI_Allgather(unsafe.Pointer(&mine), 1, C.Int, unsafe.Pointer(&counts[0]), 1, C.Int, C.World), "allgather counts"); err != nil {
		return nil, err
	}
	displs, total := displacements(counts)
	recv := make([]byte, total+1)
	send := append(clone(data), 0)
	ec := C.MPI_Allgatherv(unsafe.Pointer(&send[0]), mine, C.Byte,
		unsafe.Pointer(&recv[0]), &counts[0], &displs[0], C.Byte, C.World)
	if err := mpiError(ec, "allgatherv"); err != nil {
		return nil, err
	}
	return split(recv, counts, displs), nil
}

func (m *MPI) Alltoall(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != m.size {
		return nil, fmt.Errorf("%w: alltoall with %d buffers on %d ranks", ErrSizeMismatch, len(send), m.size)
	}
	scounts := make([]C.int, m.size)
	var flat []byte
	for r, b := range send {
		scounts[r] = C.int(len(b))
		flat = append(flat, b...)
	}
	rcounts := make([]C.int, m.size)
	if err := mpiError(C.MPI_Alltoall(unsafe.Pointer(&scounts[0]), 1, C.Int, unsafe.Pointer(&rcounts[0]), 1, C.Int, C.World), "alltoall counts"); err != nil {
		return nil, err
	}
	sdispls, _ := displacements(scounts)
	rdispls, total := displacements(rcounts)
	flat = append(flat, 0)
	recv := make([]byte, total+1)
	ec := C.MPI_Alltoallv(unsafe.Pointer(&flat[0]), &scounts[0], &sdispls[0], C.Byte,
		unsafe.Pointer(&recv[0]), &rcounts[0], &rdispls[0], C.Byte, C.World)
	if err := mpiError(ec, "alltoallv"); err != nil {
		return nil, err
	}
	return split(recv, rcounts, rdispls), nil
}

func (m *MPI) Barrier(ctx context.Context) error {
	return mpiError(C.MPI_Barrier(C.World), "barrier")
}

func displacements(counts []C.int) ([]C.int, int) {
	displs := make([]C.int, len(counts))
	total := 0
	for i, c := range counts {
		displs[i] = C.int(total)
		total += int(c)
	}
	return displs, total
}

func split(buf []byte, counts, displs []C.int) [][]byte {
	out := make([][]byte, len(counts))
	for r := range counts {
		out[r] = clone(buf[displs[r] : displs[r]+counts[r]])
	}
	return out
}
