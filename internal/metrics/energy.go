package metrics

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/octree"
)

const minChunk = 1024

type Energies struct {
	Kin float64
	Pot float64
	Tot float64
}

// Drift is the result of one energy check. DE is relative to the baseline,
// DDE relative to the previous check.
type Drift struct {
	Energies
	DE     float64
	DDE    float64
	MaxDE  float64
	MaxDDE float64
}

// EnergyMonitor tracks global energy conservation. The first Compute after
// construction captures the baseline; maxima only move on iterations where
// every local body was active.
type EnergyMonitor struct {
	comm   comm.Communicator
	base   Energies
	prev   Energies
	primed bool
	maxDE  float64
	maxDDE float64
}

func NewEnergyMonitor(c comm.Communicator) *EnergyMonitor {
	return &EnergyMonitor{comm: c}
}

// Local sums the kinetic and potential energy of the bodies in t. The
// potential comes from Acc0, so call it after the corrector.
func Local(t *octree.Tree) Energies {
	workers := compute.Workers(t.N, minChunk)
	kin := make([]float64, workers)
	pot := make([]float64, workers)
	compute.ParallelFor(t.N, minChunk, func(w, start, end int) {
		var k, p float64
		for i := start; i < end; i++ {
			m := t.Mass[i]
			k += 0.5 * m * r3.Norm2(t.Vel[i])
			p += 0.5 * m * t.Acc0[i].Pot
		}
		kin[w] = k
		pot[w] = p
	})
	e := Energies{Kin: floats.Sum(kin), Pot: floats.Sum(pot)}
	e.Tot = e.Kin + e.Pot
	return e
}

func (m *EnergyMonitor) Compute(ctx context.Context, t *octree.Tree) (Drift, error) {
	local := Local(t)
	sums, err := m.comm.AllreduceFloat64s(ctx, []float64{local.Kin, local.Pot}, comm.OpSum)
	if err != nil {
		return Drift{}, fmt.Errorf("energy reduction: %w", err)
	}
	e := Energies{Kin: sums[0], Pot: sums[1], Tot: sums[0] + sums[1]}

	if !m.primed {
		m.base = e
		m.prev = e
		m.primed = true
	}

	d := Drift{
		Energies: e,
		DE:       relative(e.Tot, m.base.Tot),
		DDE:      relative(e.Tot, m.prev.Tot),
	}
	if t.NActive == t.N {
		m.maxDE = math.Max(m.maxDE, math.Abs(d.DE))
		m.maxDDE = math.Max(m.maxDDE, math.Abs(d.DDE))
	}
	d.MaxDE = m.maxDE
	d.MaxDDE = m.maxDDE
	m.prev = e
	return d, nil
}

// Baseline returns the energies captured by the first Compute.
func (m *EnergyMonitor) Baseline() (Energies, bool) { return m.base, m.primed }

func relative(e, ref float64) float64 {
	if ref == 0 {
		return 0
	}
	return (e - ref) / ref
}
