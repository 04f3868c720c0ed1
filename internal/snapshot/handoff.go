package snapshot

import (
	"context"
	"errors"
	"sync"
)

// Handoff passes a single Frame between the controller and one writer.
// The frame is always owned by exactly one side, so at most one snapshot
// is being populated or written at any time.
type Handoff struct {
	free  chan *Frame
	ready chan *Frame
	dead  chan struct{}

	once sync.Once
	err  error
}

func NewHandoff() *Handoff {
	h := &Handoff{
		free:  make(chan *Frame, 1),
		ready: make(chan *Frame, 1),
		dead:  make(chan struct{}),
	}
	h.free <- &Frame{Header: Header{DoneWriting: true}}
	return h
}

// Acquire blocks until the previous snapshot has been written and returns
// the frame for filling.
func (h *Handoff) Acquire(ctx context.Context) (*Frame, error) {
	select {
	case f := <-h.free:
		return f, nil
	case <-h.dead:
		return nil, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish gives a filled frame to the writer.
func (h *Handoff) Publish(f *Frame) {
	f.Header.DoneWriting = false
	h.ready <- f
}

// Wait blocks until the published frame has been written, leaving the frame
// available for the next Acquire.
func (h *Handoff) Wait(ctx context.Context) error {
	f, err := h.Acquire(ctx)
	if err != nil {
		return err
	}
	h.free <- f
	return nil
}

// Next is the writer side of Acquire.
func (h *Handoff) Next(ctx context.Context) (*Frame, error) {
	select {
	case f := <-h.ready:
		return f, nil
	case <-h.dead:
		return nil, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a written frame to the controller.
func (h *Handoff) Done(f *Frame) {
	f.Header.DoneWriting = true
	h.free <- f
}

// Fail stops the handoff; both sides see err from then on.
func (h *Handoff) Fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.dead)
	})
}

func (h *Handoff) Close() { h.Fail(ErrClosed) }

// Drain waits until a frame still queued for the writer has been written,
// then closes the handoff.
func (h *Handoff) Drain(ctx context.Context) error {
	err := h.Wait(ctx)
	h.Close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Writer persists one frame.
type Writer interface {
	Write(ctx context.Context, f *Frame) error
}

// Serve runs w against h until ctx ends or the handoff is closed. A write
// error fails the handoff.
func Serve(ctx context.Context, h *Handoff, w Writer) error {
	for {
		f, err := h.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if err := w.Write(ctx, f); err != nil {
			h.Fail(err)
			return err
		}
		h.Done(f)
	}
}
