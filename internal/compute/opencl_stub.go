//go:build !opencl

package compute

import "errors"

type OpenCLBackend struct{}

func NewOpenCLBackend() *OpenCLBackend {
	return &OpenCLBackend{}
}

func (b *OpenCLBackend) Name() string    { return "opencl (not available)" }
func (b *OpenCLBackend) Available() bool { return false }
func (b *OpenCLBackend) Cleanup()        {}

func (b *OpenCLBackend) NewLane(name string) (Lane, error) {
	return nil, errors.New("OpenCL support is not enabled; rebuild with -tags opencl")
}
