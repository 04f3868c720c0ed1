package metrics

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/octree"
)

func pair() *octree.Tree {
	return octree.NewTree([]octree.Body{
		{ID: 0, Vel: r3.Vec{X: 1}, Mass: 1, Acc: octree.Force{Pot: -2}},
		{ID: 1, Vel: r3.Vec{X: -1}, Mass: 1, Acc: octree.Force{Pot: -2}},
	})
}

func TestLocalEnergies(t *testing.T) {
	g := NewWithT(t)
	e := Local(pair())
	g.Expect(e.Kin).To(Equal(1.0))
	g.Expect(e.Pot).To(Equal(-2.0))
	g.Expect(e.Tot).To(Equal(-1.0))
}

func TestEnergyMonitorDrift(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	tree := pair()
	m := NewEnergyMonitor(comm.NewSingle())

	d, err := m.Compute(ctx, tree)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d.DE).To(BeZero())
	base, ok := m.Baseline()
	g.Expect(ok).To(BeTrue())
	g.Expect(base.Tot).To(Equal(-1.0))

	tree.Vel[0] = r3.Vec{X: 2}
	d, err = m.Compute(ctx, tree)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d.Tot).To(Equal(0.5))
	g.Expect(d.DE).To(Equal(-1.5))
	g.Expect(d.DDE).To(Equal(-1.5))
	g.Expect(d.MaxDE).To(Equal(1.5))

	// partial active set: drift reported, maxima untouched
	tree.Vel[0] = r3.Vec{X: 4}
	tree.NActive = 1
	d, err = m.Compute(ctx, tree)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d.DE).To(Equal(-7.5))
	g.Expect(d.DDE).To(Equal(12.0))
	g.Expect(d.MaxDE).To(Equal(1.5))
	g.Expect(d.MaxDDE).To(Equal(1.5))

	base, _ = m.Baseline()
	g.Expect(base.Tot).To(Equal(-1.0))
}

func TestEnergyMonitorSumsRanks(t *testing.T) {
	g := NewWithT(t)
	totals := make([]float64, 3)
	err := comm.RunLocal(context.Background(), 3, func(ctx context.Context, c comm.Communicator) error {
		d, err := NewEnergyMonitor(c).Compute(ctx, pair())
		totals[c.Rank()] = d.Tot
		return err
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(totals).To(Equal([]float64{-3, -3, -3}))
}

func TestRadialProfile(t *testing.T) {
	g := NewWithT(t)
	tree := octree.NewTree([]octree.Body{
		{ID: 0, Pos: r3.Vec{X: 1}, Mass: 1},
		{ID: 1, Pos: r3.Vec{X: -1}, Mass: 1},
		{ID: 2, Pos: r3.Vec{Y: 0.5}, Mass: 2},
		{ID: 3, Pos: r3.Vec{Y: -0.5}, Mass: 2},
	})

	p, err := RadialProfile(context.Background(), comm.NewSingle(), tree, 2)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(p.Center).To(Equal(r3.Vec{}))
	g.Expect(p.Count).To(Equal([]float64{2, 2}))
	g.Expect(p.Mass).To(Equal([]float64{4, 2}))
	g.Expect(p.Density[0]).To(BeNumerically(">", p.Density[1]))
	g.Expect(p.Rows()).To(HaveLen(3))

	_, err = RadialProfile(context.Background(), comm.NewSingle(), tree, 0)
	g.Expect(err).To(HaveOccurred())
}

func TestTelemetryObserve(t *testing.T) {
	g := NewWithT(t)
	tel := NewTelemetry()
	tel.Observe(Sample{Rank: 1, Phases: map[string]float64{"grav": 0.01}, Active: 10, Bodies: 12, LETSent: 40})
	tel.Observe(Sample{Rank: 1, Active: 4, Bodies: 12})

	g.Expect(testutil.ToFloat64(tel.iterations.WithLabelValues("1"))).To(Equal(2.0))
	g.Expect(testutil.ToFloat64(tel.active.WithLabelValues("1"))).To(Equal(4.0))
	g.Expect(testutil.ToFloat64(tel.letWords.WithLabelValues("1"))).To(Equal(40.0))

	var nilTel *Telemetry
	nilTel.Observe(Sample{})
}
