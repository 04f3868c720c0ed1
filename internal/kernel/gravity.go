// Package kernel holds the reference gravity kernels: a direct all-pairs sum
// and Barnes-Hut walks over the local tree and over remote essential trees.
// Units have G = 1; the potential is stored alongside each acceleration.
package kernel

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/let"
	"github.com/san-kum/treegrav/internal/octree"
)

const minChunk = 16

type Gravity struct {
	Eps2  float64
	Theta float64
}

func NewGravity(eps, theta float64) *Gravity {
	return &Gravity{Eps2: eps * eps, Theta: theta}
}

// pointMass adds the softened pull of mass m at src on a point at dst.
func (g *Gravity) pointMass(dst, src r3.Vec, m float64, f *octree.Force) {
	d := r3.Sub(src, dst)
	r2 := r3.Norm2(d) + g.Eps2
	if r2 == 0 {
		return
	}
	rInv := 1 / math.Sqrt(r2)
	mr := m * rInv
	f.A = r3.Add(f.A, r3.Scale(mr*rInv*rInv, d))
	f.Pot -= mr
}

// Direct overwrites Acc1 of every active body with the exact sum over all
// other bodies. Each body is summed serially in index order, so results do
// not depend on scheduling.
func (g *Gravity) Direct(t *octree.Tree) error {
	n := t.N
	compute.ParallelFor(n, minChunk, func(_, start, end int) {
		for i := start; i < end; i++ {
			if !t.Active[i] {
				continue
			}
			var f octree.Force
			pi := t.PPos[i]
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				g.pointMass(pi, t.PPos[j], t.Mass[j], &f)
			}
			t.Acc1[i] = f
			t.Interact[i] = octree.Interaction{Direct: int64(n - 1)}
		}
	})
	return nil
}

type bodyRange struct{ first, count int }

// Approximate overwrites Acc1 of the active bodies with the tree force.
// Every active group walks the tree once; the resulting interaction list is
// applied to each active body of the group.
func (g *Gravity) Approximate(t *octree.Tree) error {
	if !t.Built() {
		return octree.ErrNoTopology
	}
	groups := t.ActiveGroups
	compute.ParallelFor(len(groups), 1, func(_, start, end int) {
		var cells []int
		var near []bodyRange
		for _, gi := range groups[start:end] {
			grp := t.Groups[gi]
			cells, near = g.walk(t, grp, cells[:0], near[:0])
			for i := grp.First; i < grp.First+grp.Count; i++ {
				if !t.Active[i] {
					continue
				}
				var f octree.Force
				var direct int64
				pi := t.PPos[i]
				for _, c := range cells {
					g.pointMass(pi, t.Multipole[c].COM, t.Multipole[c].Mass, &f)
				}
				for _, r := range near {
					for j := r.first; j < r.first+r.count; j++ {
						if j == i {
							continue
						}
						g.pointMass(pi, t.PPos[j], t.Mass[j], &f)
						direct++
					}
				}
				t.Acc1[i] = f
				t.Interact[i] = octree.Interaction{Approx: int64(len(cells)), Direct: direct}
			}
		}
	})
	return nil
}

func (g *Gravity) walk(t *octree.Tree, grp octree.Group, cells []int, near []bodyRange) ([]int, []bodyRange) {
	stack := []int{0}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		l := t.Links[k]
		switch {
		case l.NBody == 0:
		case octree.Accept(t.BoxSize[k], t.Multipole[k].COM, grp.Center, grp.Size, g.Theta):
			cells = append(cells, k)
		case l.Leaf:
			near = append(near, bodyRange{l.FirstBody, l.NBody})
		default:
			for c := l.FirstChild; c < l.FirstChild+l.NChild; c++ {
				stack = append(stack, c)
			}
		}
	}
	return cells, near
}

// ApproximateRemote adds the force of a remote essential tree to Acc1 of the
// active bodies.
func (g *Gravity) ApproximateRemote(t *octree.Tree, rt *let.RemoteTree, c *let.Counters) error {
	if rt.NNodes == 0 {
		return nil
	}
	groups := t.ActiveGroups
	compute.ParallelFor(len(groups), 1, func(_, start, end int) {
		var cells []let.RemoteNode
		var near []bodyRange
		for _, gi := range groups[start:end] {
			grp := t.Groups[gi]
			cells, near = g.walkRemote(rt, grp, cells[:0], near[:0])
			var active int64
			for i := grp.First; i < grp.First+grp.Count; i++ {
				if !t.Active[i] {
					continue
				}
				active++
				f := t.Acc1[i]
				pi := t.PPos[i]
				var direct int64
				for _, n := range cells {
					g.pointMass(pi, n.COM, n.Mass, &f)
				}
				for _, r := range near {
					for j := r.first; j < r.first+r.count; j++ {
						p, m := rt.Particle(j)
						g.pointMass(pi, p, m, &f)
						direct++
					}
				}
				t.Acc1[i] = f
				t.Interact[i].Approx += int64(len(cells))
				t.Interact[i].Direct += direct
			}
			c.Active.Add(active)
		}
	})
	return nil
}

func (g *Gravity) walkRemote(rt *let.RemoteTree, grp octree.Group, cells []let.RemoteNode, near []bodyRange) ([]let.RemoteNode, []bodyRange) {
	var stack []int
	for k := int(rt.TopStart); k < int(rt.TopEnd); k++ {
		stack = append(stack, k)
	}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := rt.Node(k)
		switch {
		case n.Kind == let.Cut:
			if n.Mass > 0 {
				cells = append(cells, n)
			}
		case octree.Accept(n.Size, n.COM, grp.Center, grp.Size, g.Theta):
			cells = append(cells, n)
		case n.Kind == let.Bodies:
			near = append(near, bodyRange{n.First, n.Count})
		default:
			for c := n.First; c < n.First+n.Count; c++ {
				stack = append(stack, c)
			}
		}
	}
	return cells, near
}
