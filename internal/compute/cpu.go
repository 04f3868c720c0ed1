package compute

import (
	"runtime"
	"sync"
)

const defaultQueueDepth = 64

type CPUBackend struct{}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (c *CPUBackend) Name() string    { return "cpu" }
func (c *CPUBackend) Available() bool { return true }
func (c *CPUBackend) Cleanup()        {}

func (c *CPUBackend) NewLane(name string) (Lane, error) {
	return newHostLane(name, defaultQueueDepth), nil
}

// ParallelFor splits [0, n) into contiguous chunks and runs fn on each chunk
// concurrently. worker is the chunk index in [0, Workers(n, minChunk)).
func ParallelFor(n, minChunk int, fn func(worker, start, end int)) {
	workers := Workers(n, minChunk)
	if workers <= 1 {
		fn(0, 0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if start > n {
			start = n
		}
		if end > n {
			end = n
		}

		go func(w, s, e int) {
			defer wg.Done()
			fn(w, s, e)
		}(w, start, end)
	}

	wg.Wait()
}

// Workers returns how many chunks ParallelFor uses for n items.
func Workers(n, minChunk int) int {
	if minChunk < 1 {
		minChunk = 1
	}
	workers := runtime.NumCPU()
	if n/minChunk < workers {
		workers = n / minChunk
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n && n > 0 {
		workers = n
	}
	return workers
}
