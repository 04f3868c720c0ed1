package let

import (
	"errors"
	"slices"

	"github.com/san-kum/treegrav/internal/compute"
)

var (
	ErrSlotHeld   = errors.New("let: remote buffer already claimed")
	ErrTokenSpent = errors.New("let: remote buffer token already launched")
)

// Slot is the remote tree buffer shared by consecutive remote-force launches
// on one lane. The host writes the staging copy, the lane uploads it into
// lane memory and runs the kernel against the copy it reads back from there.
//
// Writing the staging copy requires a Token from Claim. Claim synchronises
// the lane whenever a launch may still be reading, so the buffer is never
// rewritten under a running kernel.
type Slot struct {
	lane    compute.Lane
	buf     compute.Buffer
	staging RemoteTree
	device  RemoteTree

	start, end compute.Event

	inFlight bool
	held     bool
	launches int
}

func NewSlot(lane compute.Lane) *Slot {
	return &Slot{lane: lane, buf: lane.NewBuffer()}
}

// Token is exclusive write access to the staging buffer until Launch.
type Token struct {
	slot  *Slot
	spent bool
}

// Claim retires the launch still in flight, if any, and returns a token
// together with that launch's measured lane time in milliseconds.
func (s *Slot) Claim() (*Token, float32, error) {
	if s.held {
		return nil, 0, ErrSlotHeld
	}
	prev, err := s.retire()
	if err != nil {
		return nil, 0, err
	}
	s.held = true
	return &Token{slot: s}, prev, nil
}

func (s *Slot) retire() (float32, error) {
	if !s.inFlight {
		return 0, nil
	}
	if err := s.lane.Sync(); err != nil {
		return 0, err
	}
	ms, err := compute.Elapsed(&s.start, &s.end)
	if err != nil {
		return 0, err
	}
	s.inFlight = false
	return ms, nil
}

// Settle retires the last launch after the caller has joined the lane and
// returns its time. It is a no-op when nothing is in flight.
func (s *Slot) Settle() (float32, error) {
	return s.retire()
}

// Running reports whether a launch may still be reading the device buffer.
func (s *Slot) Running() bool { return s.inFlight }

// Launches counts kernel launches over the slot's lifetime.
func (s *Slot) Launches() int { return s.launches }

// Staging is the host buffer to fill before Launch.
func (t *Token) Staging() *RemoteTree { return &t.slot.staging }

// Launch uploads the staged tree, only as many words as it occupies, and runs
// kernel against the device copy on the slot's lane. reset runs on the lane
// right before the kernel. The token is spent afterwards.
func (t *Token) Launch(name string, reset func(), kernel func(rt *RemoteTree) error) error {
	if t.spent {
		return ErrTokenSpent
	}
	s := t.slot
	header := s.staging.Header

	s.lane.Enqueue("upload remote tree", func() error {
		return s.buf.Write(s.staging.Words[:header.Len()])
	})
	s.lane.Enqueue("map remote tree", func() error {
		n := header.Len()
		s.device.Header = header
		s.device.Words = slices.Grow(s.device.Words[:0], n)[:n]
		return s.buf.Read(s.device.Words)
	})
	s.lane.Enqueue("reset remote counters", func() error {
		reset()
		return nil
	})
	s.lane.Record(&s.start)
	s.lane.Enqueue(name, func() error {
		return kernel(&s.device)
	})
	s.lane.Record(&s.end)

	s.inFlight = true
	s.launches++
	s.held = false
	t.spent = true
	return nil
}
