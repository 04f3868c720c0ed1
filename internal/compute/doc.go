// Package compute provides the execution lanes the iteration engine runs on.
//
// A [Lane] is an in-order asynchronous queue, the host analogue of a GPU
// stream. The engine opens four of them per run (exec, grav, copy and
// letTransfer) and brackets work with [Event] markers for timing.
//
//   - CPU: every lane is a goroutine draining a FIFO of ops
//   - OpenCL: CPU lanes additionally bound to a device command queue
//
// # GPU Acceleration
//
// Build with OpenCL support:
//
//	go build -tags opencl ./...
//
// [AutoSelectBackend] falls back to the CPU backend when no OpenCL device
// is found.
package compute
