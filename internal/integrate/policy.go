// Package integrate decides which bodies are due for a force update and
// drives the predictor-corrector update of those bodies.
package integrate

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/octree"
)

const minChunk = 256

// Policy is a timestep policy.
type Policy interface {
	Name() string
	// NextTime returns the trial time that follows current.
	NextTime(t *octree.Tree, current float64) float64
	// Predict drifts every body to now and marks the bodies due at now active.
	Predict(t *octree.Tree, now float64)
	// Correct finalises the active bodies at now using Acc1, gathers Acc0 and
	// Time back through OriOrder and returns the number of active bodies.
	Correct(t *octree.Tree, now float64) int
}

func NewPolicy(run config.RunConfig) (Policy, error) {
	switch run.Timestep {
	case config.TimestepShared:
		return NewShared(run.TimeStep), nil
	case config.TimestepBlock:
		return NewBlock(run.TimeStep, run.Eta, run.Eps, run.DtLimit), nil
	}
	return nil, fmt.Errorf("unknown timestep mode: %s", run.Timestep)
}

// predict drifts bodies with their last acceleration. Acc0 and Time are read
// through OriOrder so the result is right even between a sort and a correct.
func predict(t *octree.Tree, now float64) {
	compute.ParallelFor(t.N, minChunk, func(_, start, end int) {
		for i := start; i < end; i++ {
			j := t.OriOrder[i]
			dt := now - t.Time[j].Begin
			a := t.Acc0[j].A
			t.PPos[i] = r3.Add(t.Pos[i], r3.Add(r3.Scale(dt, t.Vel[i]), r3.Scale(0.5*dt*dt, a)))
			t.PVel[i] = r3.Add(t.Vel[i], r3.Scale(dt, a))
		}
	})
}

// correct applies the corrector to active bodies and rebuilds Acc0 and Time
// in the current body order. Active bodies get Begin = now; their End is left
// for the policy to set.
func correct(t *octree.Tree, now float64) int {
	acc := make([]octree.Force, t.N)
	win := make([]octree.Window, t.N)
	counts := make([]int, compute.Workers(t.N, minChunk))

	compute.ParallelFor(t.N, minChunk, func(w, start, end int) {
		for i := start; i < end; i++ {
			j := t.OriOrder[i]
			if !t.Active[i] {
				acc[i] = t.Acc0[j]
				win[i] = t.Time[j]
				continue
			}
			dt := now - t.Time[j].Begin
			t.Vel[i] = r3.Add(t.PVel[i], r3.Scale(0.5*dt, r3.Sub(t.Acc1[i].A, t.Acc0[j].A)))
			t.Pos[i] = t.PPos[i]
			acc[i] = t.Acc1[i]
			win[i] = octree.Window{Begin: now, End: t.Time[j].End}
			counts[w]++
		}
	})

	t.Acc0 = acc
	t.Time = win
	for i := range t.OriOrder {
		t.OriOrder[i] = i
	}

	n := 0
	for _, c := range counts {
		n += c
	}
	t.NActive = n
	return n
}
