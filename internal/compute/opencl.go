//go:build opencl

package compute

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
)

// OpenCLBackend binds every lane to its own command queue on one device.
// Ops run on the lane worker; lane buffers live in device memory and are
// copied through the lane's queue. Sync additionally drains that queue.
type OpenCLBackend struct {
	device  *cl.Device
	context *cl.Context
	err     error

	mu     sync.Mutex
	queues []*cl.CommandQueue
}

func NewOpenCLBackend() *OpenCLBackend {
	b := &OpenCLBackend{}
	device, err := pickDevice()
	if err != nil {
		b.err = err
		return b
	}
	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		b.err = fmt.Errorf("creating OpenCL context: %w", err)
		return b
	}
	b.device = device
	b.context = context
	return b
}

func pickDevice() (*cl.Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("querying OpenCL platforms: %w", err)
	}
	if len(platforms) == 0 {
		return nil, errors.New("no OpenCL platforms available")
	}
	for _, p := range platforms {
		devices, derr := p.GetDevices(cl.DeviceTypeGPU)
		if derr != nil && derr != cl.ErrDeviceNotFound {
			continue
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
	}
	return nil, errors.New("no suitable OpenCL GPU devices found")
}

func (b *OpenCLBackend) Name() string {
	if b.device == nil {
		return "opencl (not available)"
	}
	return "opencl: " + b.device.Name()
}

func (b *OpenCLBackend) Available() bool { return b.err == nil && b.context != nil }

func (b *OpenCLBackend) NewLane(name string) (Lane, error) {
	if !b.Available() {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, b.err)
	}
	queue, err := b.context.CreateCommandQueue(b.device, 0)
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL command queue for lane %s: %w", name, err)
	}

	b.mu.Lock()
	b.queues = append(b.queues, queue)
	b.mu.Unlock()

	l := &clLane{
		hostLane: newHostLane(name, defaultQueueDepth),
		context:  b.context,
		queue:    queue,
	}
	l.finish = queue.Finish
	return l, nil
}

func (b *OpenCLBackend) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.Release()
	}
	b.queues = nil
	if b.context != nil {
		b.context.Release()
		b.context = nil
	}
}

type clLane struct {
	*hostLane
	context *cl.Context
	queue   *cl.CommandQueue

	bmu     sync.Mutex
	buffers []*clBuffer
}

func (l *clLane) NewBuffer() Buffer {
	b := &clBuffer{context: l.context, queue: l.queue}
	l.bmu.Lock()
	l.buffers = append(l.buffers, b)
	l.bmu.Unlock()
	return b
}

func (l *clLane) Close() error {
	err := l.hostLane.Close()
	l.bmu.Lock()
	for _, b := range l.buffers {
		b.release()
	}
	l.buffers = nil
	l.bmu.Unlock()
	return err
}

var wordSize = int(unsafe.Sizeof(float64(0)))

// clBuffer is a device allocation that grows to the largest write.
type clBuffer struct {
	context *cl.Context
	queue   *cl.CommandQueue
	mem     *cl.MemObject
	words   int
	n       int
}

func (b *clBuffer) Write(src []float64) error {
	n := len(src)
	b.n = 0
	if n == 0 {
		return nil
	}
	if n > b.words {
		b.release()
		mem, err := b.context.CreateEmptyBuffer(cl.MemReadWrite, n*wordSize)
		if err != nil {
			return fmt.Errorf("allocating %d word device buffer: %w", n, err)
		}
		b.mem, b.words = mem, n
	}
	ev, err := b.queue.EnqueueWriteBuffer(b.mem, true, 0, n*wordSize, unsafe.Pointer(&src[0]), nil)
	if err != nil {
		return fmt.Errorf("writing device buffer: %w", err)
	}
	ev.Release()
	b.n = n
	return nil
}

func (b *clBuffer) Read(dst []float64) error {
	if len(dst) > b.n {
		return ErrBufferRange
	}
	if len(dst) == 0 {
		return nil
	}
	ev, err := b.queue.EnqueueReadBuffer(b.mem, true, 0, len(dst)*wordSize, unsafe.Pointer(&dst[0]), nil)
	if err != nil {
		return fmt.Errorf("reading device buffer: %w", err)
	}
	ev.Release()
	return nil
}

func (b *clBuffer) Len() int { return b.n }

func (b *clBuffer) release() {
	if b.mem != nil {
		b.mem.Release()
		b.mem, b.words = nil, 0
	}
}
