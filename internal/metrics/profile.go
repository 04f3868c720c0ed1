package metrics

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/octree"
)

// Profile is a spherically averaged density profile around the global
// centre of mass. Bin k covers radii [Edges[k], Edges[k+1]).
type Profile struct {
	Center  r3.Vec
	Edges   []float64
	Count   []float64
	Mass    []float64
	Density []float64
}

// RadialProfile bins the bodies of every rank into linear radial shells.
// It is a collective call.
func RadialProfile(ctx context.Context, c comm.Communicator, t *octree.Tree, bins int) (*Profile, error) {
	if bins <= 0 {
		return nil, fmt.Errorf("profile: bins must be positive, got %d", bins)
	}

	var mx r3.Vec
	var mass float64
	for i := 0; i < t.N; i++ {
		mx = r3.Add(mx, r3.Scale(t.Mass[i], t.Pos[i]))
		mass += t.Mass[i]
	}
	sums, err := c.AllreduceFloat64s(ctx, []float64{mx.X, mx.Y, mx.Z, mass}, comm.OpSum)
	if err != nil {
		return nil, fmt.Errorf("profile centre: %w", err)
	}
	p := &Profile{}
	if sums[3] > 0 {
		p.Center = r3.Scale(1/sums[3], r3.Vec{X: sums[0], Y: sums[1], Z: sums[2]})
	}

	radius := make([]float64, t.N)
	var rmax float64
	for i := range radius {
		radius[i] = r3.Norm(r3.Sub(t.Pos[i], p.Center))
		rmax = math.Max(rmax, radius[i])
	}
	if rmax, err = c.AllreduceFloat64(ctx, rmax, comm.OpMax); err != nil {
		return nil, fmt.Errorf("profile radius: %w", err)
	}
	if rmax == 0 {
		rmax = 1
	}
	width := rmax * (1 + 1e-9) / float64(bins)

	local := make([]float64, 2*bins)
	for i, r := range radius {
		k := min(int(r/width), bins-1)
		local[k]++
		local[bins+k] += t.Mass[i]
	}
	global, err := c.AllreduceFloat64s(ctx, local, comm.OpSum)
	if err != nil {
		return nil, fmt.Errorf("profile bins: %w", err)
	}

	p.Edges = make([]float64, bins+1)
	for k := range p.Edges {
		p.Edges[k] = float64(k) * width
	}
	p.Count = global[:bins]
	p.Mass = global[bins:]
	p.Density = make([]float64, bins)
	for k := range p.Density {
		lo, hi := p.Edges[k], p.Edges[k+1]
		p.Density[k] = p.Mass[k] / (4.0 / 3 * math.Pi * (hi*hi*hi - lo*lo*lo))
	}
	return p, nil
}

// Rows renders the profile as CSV records with a header row.
func (p *Profile) Rows() [][]string {
	rows := [][]string{{"r_lo", "r_hi", "count", "mass", "density"}}
	for k := range p.Density {
		rows = append(rows, []string{
			ftoa(p.Edges[k]), ftoa(p.Edges[k+1]),
			ftoa(p.Count[k]), ftoa(p.Mass[k]), ftoa(p.Density[k]),
		})
	}
	return rows
}

func ftoa(v float64) string { return fmt.Sprintf("%g", v) }
