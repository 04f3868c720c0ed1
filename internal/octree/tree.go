package octree

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Force is an acceleration together with the potential at the same point.
type Force struct {
	A   r3.Vec
	Pot float64
}

// Window is a particle's integration interval: last correction time and
// the time it is next due.
type Window struct {
	Begin float64
	End   float64
}

// Interaction counts the far-field and near-field terms a particle summed
// during the last force evaluation.
type Interaction struct {
	Approx int64
	Direct int64
}

// Multipole is the monopole moment of a node.
type Multipole struct {
	COM  r3.Vec
	Mass float64
}

// Link describes where a node's children live. Leaves reference a body
// range, internal nodes a contiguous child node range.
type Link struct {
	FirstChild int
	NChild     int
	FirstBody  int
	NBody      int
	Leaf       bool
}

// Group is a leaf's bounding box used as the target of the tree walk.
type Group struct {
	Center r3.Vec
	Size   r3.Vec
	First  int
	Count  int
}

// Tree holds the local particles and the octree built over them. Per-body
// slices always have length N.
//
// Sort permutes every per-body slice except Acc0 and Time, which stay in the
// pre-sort order until the corrector gathers them through OriOrder.
type Tree struct {
	N int

	Pos, PPos []r3.Vec
	Vel, PVel []r3.Vec
	Mass      []float64
	Acc0      []Force
	Acc1      []Force
	Time      []Window
	H, Dens   []float64
	IDs       []int64
	OriOrder  []int
	Active    []bool
	Interact  []Interaction

	BoxCenter []r3.Vec
	BoxSize   []r3.Vec
	Multipole []Multipole
	Links     []Link
	// Levels[l] is the node index range [Levels[l][0], Levels[l][1]) of depth l.
	Levels [][2]int

	Groups       []Group
	ActiveGroups []int

	NActive int
}

// NewTree allocates a tree holding a copy of bodies.
func NewTree(bodies []Body) *Tree {
	t := &Tree{}
	t.Load(bodies)
	return t
}

func (t *Tree) resize(n int) {
	t.N = n
	t.Pos = make([]r3.Vec, n)
	t.PPos = make([]r3.Vec, n)
	t.Vel = make([]r3.Vec, n)
	t.PVel = make([]r3.Vec, n)
	t.Mass = make([]float64, n)
	t.Acc0 = make([]Force, n)
	t.Acc1 = make([]Force, n)
	t.Time = make([]Window, n)
	t.H = make([]float64, n)
	t.Dens = make([]float64, n)
	t.IDs = make([]int64, n)
	t.OriOrder = make([]int, n)
	t.Active = make([]bool, n)
	t.Interact = make([]Interaction, n)
	t.clearNodes()
}

func (t *Tree) clearNodes() {
	t.BoxCenter = t.BoxCenter[:0]
	t.BoxSize = t.BoxSize[:0]
	t.Multipole = t.Multipole[:0]
	t.Links = t.Links[:0]
	t.Levels = t.Levels[:0]
	t.Groups = t.Groups[:0]
	t.ActiveGroups = t.ActiveGroups[:0]
}

// Load replaces the particle set. Predicted state starts equal to the
// canonical state and the tree topology is discarded.
func (t *Tree) Load(bodies []Body) {
	t.resize(len(bodies))
	for i, b := range bodies {
		t.IDs[i] = b.ID
		t.Pos[i] = b.Pos
		t.PPos[i] = b.Pos
		t.Vel[i] = b.Vel
		t.PVel[i] = b.Vel
		t.Mass[i] = b.Mass
		t.Acc0[i] = b.Acc
		t.Time[i] = b.Time
		t.H[i] = b.H
		t.Dens[i] = b.Dens
		t.OriOrder[i] = i
		t.Active[i] = true
	}
	t.NActive = len(bodies)
}

// Bodies exports the canonical particle state. Acc0 and Time are gathered
// through OriOrder so the result is consistent right after a sort.
func (t *Tree) Bodies() []Body {
	out := make([]Body, t.N)
	for i := range out {
		j := t.OriOrder[i]
		out[i] = Body{
			ID:   t.IDs[i],
			Pos:  t.Pos[i],
			Vel:  t.Vel[i],
			Mass: t.Mass[i],
			Acc:  t.Acc0[j],
			Time: t.Time[j],
			H:    t.H[i],
			Dens: t.Dens[i],
		}
	}
	return out
}

// NNodes returns the number of octree nodes.
func (t *Tree) NNodes() int { return len(t.Links) }

// Built reports whether a topology exists for the current particles.
func (t *Tree) Built() bool { return len(t.Links) > 0 }
