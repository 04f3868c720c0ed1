package compute

import (
	"fmt"
	"sync"
)

type laneOp struct {
	name string
	fn   func() error
}

// hostLane runs ops on a dedicated goroutine in FIFO order.
type hostLane struct {
	name    string
	ops     chan laneOp
	pending sync.WaitGroup
	done    chan struct{}

	// smu guards submission; the worker never takes it.
	smu    sync.Mutex
	closed bool

	emu sync.Mutex
	err error

	// finish runs after the host queue drains on Sync.
	finish func() error
}

func newHostLane(name string, depth int) *hostLane {
	l := &hostLane{
		name: name,
		ops:  make(chan laneOp, depth),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

func (l *hostLane) Name() string { return l.name }

func (l *hostLane) loop() {
	defer close(l.done)
	for op := range l.ops {
		if l.failure() == nil {
			if err := op.fn(); err != nil {
				l.fail(fmt.Errorf("lane %s: %s: %w", l.name, op.name, err))
			}
		}
		l.pending.Done()
	}
}

func (l *hostLane) failure() error {
	l.emu.Lock()
	defer l.emu.Unlock()
	return l.err
}

func (l *hostLane) fail(err error) {
	l.emu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.emu.Unlock()
}

func (l *hostLane) Enqueue(op string, fn func() error) {
	l.smu.Lock()
	defer l.smu.Unlock()
	if l.closed {
		l.fail(fmt.Errorf("lane %s: %s: %w", l.name, op, ErrLaneClosed))
		return
	}
	l.pending.Add(1)
	l.ops <- laneOp{name: op, fn: fn}
}

func (l *hostLane) Record(ev *Event) {
	l.Enqueue("record", func() error {
		ev.stamp()
		return nil
	})
}

func (l *hostLane) NewBuffer() Buffer { return &hostBuffer{} }

func (l *hostLane) Sync() error {
	l.pending.Wait()
	if err := l.failure(); err != nil {
		return err
	}
	if l.finish != nil {
		if err := l.finish(); err != nil {
			l.fail(fmt.Errorf("lane %s: finish: %w", l.name, err))
			return l.failure()
		}
	}
	return nil
}

func (l *hostLane) Close() error {
	l.smu.Lock()
	if l.closed {
		l.smu.Unlock()
		return l.failure()
	}
	l.closed = true
	close(l.ops)
	l.smu.Unlock()

	<-l.done
	return l.failure()
}
