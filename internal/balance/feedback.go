// Package balance keeps ranks evenly loaded. Feedback measures what each
// rank's last iteration cost and decides when to repartition; a Planner
// decides where the domain boundaries go and moves the bodies.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/octree"
)

const (
	SetupAttempts = 5
	// SetupTolerance is the accepted spread of body counts, in percent of
	// the smallest rank.
	SetupTolerance = 10
)

var ErrNoPlanner = errors.New("balance: no planner configured")

// Cost summarises the last iteration across ranks. Times are in seconds.
type Cost struct {
	Last float64
	Max  float64
	Avg  float64
}

// Timing splits the duration of one domain update.
type Timing struct {
	Update   time.Duration
	Exchange time.Duration
	Wait     time.Duration
}

func (t Timing) Total() time.Duration { return t.Update + t.Exchange + t.Wait }

// Planner computes new domain boundaries and migrates bodies across them.
// Rebalance is a collective call. When initial is set the cost is ignored
// and every rank is given the same share.
type Planner interface {
	Rebalance(ctx context.Context, t *octree.Tree, cost Cost, initial bool) (Timing, error)
}

// Spread is the outcome of the setup loop.
type Spread struct {
	Attempts  int
	Max       int
	Min       int
	Perc      int
	Converged bool
}

type Feedback struct {
	comm    comm.Communicator
	planner Planner
	rate    int
	log     *logrus.Entry
	cost    Cost
}

func NewFeedback(c comm.Communicator, p Planner, rebuildRate int, log *logrus.Entry) *Feedback {
	return &Feedback{
		comm:    c,
		planner: p,
		rate:    max(rebuildRate, 1),
		log:     log,
	}
}

// Record stores the local cost of the iteration that just finished.
func (f *Feedback) Record(last float64) { f.cost.Last = last }

// Reduce gathers the maximum and the mean of the recorded cost over all
// ranks. The result is kept for the next Rebalance.
func (f *Feedback) Reduce(ctx context.Context) (Cost, error) {
	mx, err := f.comm.AllreduceFloat64(ctx, f.cost.Last, comm.OpMax)
	if err != nil {
		return f.cost, fmt.Errorf("cost max: %w", err)
	}
	sum, err := f.comm.AllreduceFloat64(ctx, f.cost.Last, comm.OpSum)
	if err != nil {
		return f.cost, fmt.Errorf("cost sum: %w", err)
	}
	f.cost.Max = mx
	f.cost.Avg = sum / float64(f.comm.Size())
	return f.cost, nil
}

func (f *Feedback) Cost() Cost { return f.cost }

// Due reports whether a domain update runs at iter.
func (f *Feedback) Due(iter int) bool {
	return f.comm.Size() > 1 && iter%f.rate == 0
}

// Rebalance hands the last reduced cost to the planner and waits until every
// rank has its new domain.
func (f *Feedback) Rebalance(ctx context.Context, t *octree.Tree) (Timing, error) {
	return f.rebalance(ctx, t, false)
}

func (f *Feedback) rebalance(ctx context.Context, t *octree.Tree, initial bool) (Timing, error) {
	if f.planner == nil {
		return Timing{}, ErrNoPlanner
	}
	tm, err := f.planner.Rebalance(ctx, t, f.cost, initial)
	if err != nil {
		return tm, fmt.Errorf("rebalance: %w", err)
	}
	start := time.Now()
	if err := f.comm.Barrier(ctx); err != nil {
		return tm, fmt.Errorf("rebalance barrier: %w", err)
	}
	tm.Wait = time.Since(start)
	return tm, nil
}

// Setup distributes the initial bodies. It repeats the planner until the
// body counts are within SetupTolerance of each other or SetupAttempts is
// used up; the latter is logged and is not an error.
func (f *Feedback) Setup(ctx context.Context, t *octree.Tree) (Spread, error) {
	var s Spread
	if f.comm.Size() == 1 {
		return Spread{Max: t.N, Min: t.N, Converged: true}, nil
	}
	for s.Attempts < SetupAttempts {
		s.Attempts++
		if _, err := f.rebalance(ctx, t, true); err != nil {
			return s, err
		}
		hi, err := f.comm.AllreduceInt(ctx, t.N, comm.OpMax)
		if err != nil {
			return s, fmt.Errorf("count max: %w", err)
		}
		lo, err := f.comm.AllreduceInt(ctx, t.N, comm.OpMin)
		if err != nil {
			return s, fmt.Errorf("count min: %w", err)
		}
		s.Max, s.Min = hi, lo
		s.Perc = -1
		if lo > 0 {
			s.Perc = int(100 * float64(hi-lo) / float64(lo))
		}
		f.log.Infof("Balance: it %d max %d min %d perc %d", s.Attempts, s.Max, s.Min, s.Perc)
		if s.Perc >= 0 && s.Perc < SetupTolerance {
			s.Converged = true
			return s, nil
		}
	}
	f.log.WithFields(logrus.Fields{
		"attempts": s.Attempts,
		"perc":     s.Perc,
	}).Warn("initial distribution did not reach the balance target")
	return s, nil
}
