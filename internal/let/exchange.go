package let

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/octree"
)

// Counters are the accumulators a remote-force launch updates from the lane.
type Counters struct {
	Active atomic.Int64
}

// RemoteKernel evaluates the force a remote tree exerts on the local active
// bodies, adding it to Acc1.
type RemoteKernel interface {
	ApproximateRemote(t *octree.Tree, rt *RemoteTree, c *Counters) error
}

// Stats describes the last exchange.
type Stats struct {
	CommTime      time.Duration
	SentWords     int
	ReceivedWords int
	Launches      int
}

// Exchanger runs the locally essential tree protocol for one rank.
type Exchanger struct {
	comm     comm.Communicator
	kernel   RemoteKernel
	transfer compute.Lane
	summary  compute.Buffer
	slot     *Slot
	theta    float64
	log      *logrus.Entry

	snap     Snapshot
	counters Counters
	running  float32
	stats    Stats
}

func NewExchanger(c comm.Communicator, kernel RemoteKernel, transfer, grav compute.Lane, theta float64, log *logrus.Entry) *Exchanger {
	return &Exchanger{
		comm:     c,
		kernel:   kernel,
		transfer: transfer,
		summary:  transfer.NewBuffer(),
		slot:     NewSlot(grav),
		theta:    theta,
		log:      log,
	}
}

// ResetTiming clears the LET time accumulated from retired launches.
func (x *Exchanger) ResetTiming() { x.running = 0 }

// Exchange ships this rank's essential trees to every other rank and queues
// a remote-force launch on the grav lane for each tree received. The launches
// may still be running on return.
func (x *Exchanger) Exchange(ctx context.Context, t *octree.Tree) error {
	x.stats = Stats{}
	start := time.Now()

	x.transfer.Enqueue("copy tree summary", func() error {
		return x.snap.Readback(x.summary, t)
	})

	// overlaps the copy above
	local, err := EncodeGroups(t.Groups)
	if err != nil {
		return err
	}
	groups, err := x.comm.Allgather(ctx, local)
	if err != nil {
		return fmt.Errorf("group exchange: %w", err)
	}

	if err := x.transfer.Sync(); err != nil {
		return fmt.Errorf("tree summary copy: %w", err)
	}

	self := x.comm.Rank()
	send := make([][]byte, x.comm.Size())
	for r := range send {
		if r == self {
			continue
		}
		boxes, err := DecodeGroups(groups[r])
		if err != nil {
			return fmt.Errorf("groups of rank %d: %w", r, err)
		}
		rt := x.snap.Build(boxes, x.theta, self)
		x.stats.SentWords += rt.Len()
		if send[r], err = rt.MarshalBinary(); err != nil {
			return fmt.Errorf("packing tree for rank %d: %w", r, err)
		}
	}

	recv, err := x.comm.Alltoall(ctx, send)
	if err != nil {
		return fmt.Errorf("tree exchange: %w", err)
	}
	x.stats.CommTime = time.Since(start)

	for r, data := range recv {
		if r == self {
			continue
		}
		if err := x.launch(t, data); err != nil {
			return fmt.Errorf("remote tree from rank %d: %w", r, err)
		}
	}

	x.log.WithFields(logrus.Fields{
		"sent":     x.stats.SentWords,
		"received": x.stats.ReceivedWords,
		"comm":     x.stats.CommTime,
	}).Debug("let exchange")
	return nil
}

func (x *Exchanger) launch(t *octree.Tree, data []byte) error {
	tok, prev, err := x.slot.Claim()
	if err != nil {
		return err
	}
	x.running += prev

	staging := tok.Staging()
	if err := staging.UnmarshalBinary(data); err != nil {
		return err
	}
	x.stats.ReceivedWords += staging.Len()
	x.stats.Launches++

	return tok.Launch("remote gravity",
		func() { x.counters.Active.Store(0) },
		func(rt *RemoteTree) error {
			return x.kernel.ApproximateRemote(t, rt, &x.counters)
		})
}

// Finish retires the last launch once the grav lane has been joined and
// returns the LET lane time of this iteration in milliseconds.
func (x *Exchanger) Finish() (float32, error) {
	last, err := x.slot.Settle()
	if err != nil {
		return 0, err
	}
	return last + x.running, nil
}

func (x *Exchanger) Stats() Stats { return x.stats }

// Slot exposes the remote buffer for inspection.
func (x *Exchanger) Slot() *Slot { return x.slot }

// ActiveRemote is the number of bodies the last remote launch updated.
func (x *Exchanger) ActiveRemote() int64 { return x.counters.Active.Load() }
