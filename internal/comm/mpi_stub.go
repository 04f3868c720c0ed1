//go:build !mpi

package comm

import "errors"

// MPI is only available in binaries built with -tags mpi.
type MPI struct {
	Single
}

func NewMPI() (*MPI, error) {
	return nil, errors.New("MPI support is not enabled; rebuild with -tags mpi")
}

func (m *MPI) Finalize() error { return nil }
