package compute

import (
	"errors"
	"fmt"
)

var (
	// ErrLaneClosed is returned when work is submitted to a destroyed lane.
	ErrLaneClosed = errors.New("compute: lane closed")

	// ErrEventNotRecorded is returned when timing an event that never fired.
	ErrEventNotRecorded = errors.New("compute: event not recorded")

	// ErrBackendUnavailable indicates the requested device backend cannot be used.
	ErrBackendUnavailable = errors.New("compute: backend not available")

	// ErrBufferRange is returned when reading more words than a buffer holds.
	ErrBufferRange = errors.New("compute: read past end of buffer")
)

// Backend hands out execution lanes on one device.
type Backend interface {
	Name() string
	Available() bool
	NewLane(name string) (Lane, error)
	Cleanup()
}

// Lane is an in-order asynchronous work queue. Work on one lane runs in
// submission order; separate lanes run concurrently with each other and with
// the caller. The first failing op poisons the lane: later ops are skipped and
// every Sync returns that error.
type Lane interface {
	Name() string
	Enqueue(op string, fn func() error)
	Record(ev *Event)
	Sync() error
	Close() error

	// NewBuffer allocates memory owned by the lane. The buffer is released
	// when the lane is closed.
	NewBuffer() Buffer
}

// Buffer is lane memory holding float64 words. Write and Read block until
// the copy is done and must only be called from ops running on the owning
// lane, which keeps copies ordered with the rest of its work.
type Buffer interface {
	Write(src []float64) error
	Read(dst []float64) error
	Len() int
}

func NewBackend(name string) (Backend, error) {
	switch name {
	case "", "auto":
		return AutoSelectBackend(), nil
	case "cpu":
		return NewCPUBackend(), nil
	case "opencl":
		b := NewOpenCLBackend()
		if !b.Available() {
			return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, b.Name())
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}

func AutoSelectBackend() Backend {
	cl := NewOpenCLBackend()
	if cl.Available() {
		return cl
	}
	cl.Cleanup()
	return NewCPUBackend()
}
