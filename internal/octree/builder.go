package octree

import (
	"cmp"
	"errors"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// LeafSize is the default maximum number of bodies in a leaf.
	LeafSize = 16

	keyBits = 21
	keyMax  = 1<<keyBits - 1
)

var (
	ErrNotSorted  = errors.New("octree: bodies not sorted since last load")
	ErrNoTopology = errors.New("octree: tree not built")
)

// Builder is the reference tree builder: Morton-ordered bodies, a
// breadth-first octree and monopole moments.
type Builder struct {
	LeafSize int

	keys []uint64
	lo   r3.Vec
	side float64
}

func NewBuilder() *Builder {
	return &Builder{LeafSize: LeafSize}
}

// Sort orders the bodies along the Morton curve of their predicted
// positions. When updateDomain is set, or a body escaped the cached key
// box, the box is recomputed.
func (b *Builder) Sort(t *Tree, updateDomain bool) error {
	n := t.N
	if updateDomain || b.side == 0 || !b.inside(t.PPos) {
		lo, hi := Bounds(t.PPos)
		b.lo = lo
		b.side = math.Max(hi.X-lo.X, math.Max(hi.Y-lo.Y, hi.Z-lo.Z)) * (1 + 1e-6)
		if b.side == 0 {
			b.side = 1
		}
	}

	keys := make([]uint64, n)
	for i, p := range t.PPos {
		keys[i] = b.key(p)
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	slices.SortStableFunc(perm, func(a, c int) int {
		return cmp.Compare(keys[a], keys[c])
	})

	sorted := make([]uint64, n)
	for i, j := range perm {
		sorted[i] = keys[j]
	}
	b.keys = sorted

	t.Pos = permute(t.Pos, perm)
	t.PPos = permute(t.PPos, perm)
	t.Vel = permute(t.Vel, perm)
	t.PVel = permute(t.PVel, perm)
	t.Mass = permute(t.Mass, perm)
	t.Acc1 = permute(t.Acc1, perm)
	t.H = permute(t.H, perm)
	t.Dens = permute(t.Dens, perm)
	t.IDs = permute(t.IDs, perm)
	t.Active = permute(t.Active, perm)
	t.Interact = permute(t.Interact, perm)
	t.OriOrder = permute(t.OriOrder, perm)
	t.clearNodes()
	return nil
}

func permute[T any](s []T, perm []int) []T {
	out := make([]T, len(s))
	for i, j := range perm {
		out[i] = s[j]
	}
	return out
}

func (b *Builder) inside(pos []r3.Vec) bool {
	for _, p := range pos {
		if p.X < b.lo.X || p.Y < b.lo.Y || p.Z < b.lo.Z ||
			p.X >= b.lo.X+b.side || p.Y >= b.lo.Y+b.side || p.Z >= b.lo.Z+b.side {
			return false
		}
	}
	return true
}

func (b *Builder) key(p r3.Vec) uint64 {
	q := func(v, lo float64) uint64 {
		f := (v - lo) / b.side * (keyMax + 1)
		if f <= 0 {
			return 0
		}
		if f >= keyMax {
			return keyMax
		}
		return uint64(f)
	}
	return spread(q(p.X, b.lo.X))<<2 | spread(q(p.Y, b.lo.Y))<<1 | spread(q(p.Z, b.lo.Z))
}

// spread interleaves the low 21 bits of v with two zero bits each.
func spread(v uint64) uint64 {
	v &= keyMax
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// Build creates the node hierarchy over the sorted bodies. Nodes are laid out
// breadth first, so children of a node are contiguous and every depth is a
// contiguous index range.
func (b *Builder) Build(t *Tree) error {
	if len(b.keys) != t.N {
		return ErrNotSorted
	}
	leaf := b.LeafSize
	if leaf < 1 {
		leaf = LeafSize
	}

	t.clearNodes()
	t.Links = append(t.Links, Link{FirstBody: 0, NBody: t.N})
	depth := []int{0}

	for i := 0; i < len(t.Links); i++ {
		l := t.Links[i]
		d := depth[i]
		if l.NBody <= leaf || d >= keyBits {
			t.Links[i].Leaf = true
			continue
		}

		shift := uint(3 * (keyBits - 1 - d))
		first := len(t.Links)
		start, end := l.FirstBody, l.FirstBody+l.NBody
		for start < end {
			oct := (b.keys[start] >> shift) & 7
			stop := start
			for stop < end && (b.keys[stop]>>shift)&7 == oct {
				stop++
			}
			t.Links = append(t.Links, Link{FirstBody: start, NBody: stop - start})
			depth = append(depth, d+1)
			start = stop
		}
		t.Links[i].FirstChild = first
		t.Links[i].NChild = len(t.Links) - first
	}

	for i, d := range depth {
		if d == len(t.Levels) {
			t.Levels = append(t.Levels, [2]int{i, i})
		}
		t.Levels[d][1] = i + 1
	}

	nn := len(t.Links)
	t.BoxCenter = make([]r3.Vec, nn)
	t.BoxSize = make([]r3.Vec, nn)
	t.Multipole = make([]Multipole, nn)
	return nil
}

// ComputeProperties refreshes node boxes, moments, groups and active groups
// from the predicted positions on the existing topology.
func (b *Builder) ComputeProperties(t *Tree) error {
	if !t.Built() {
		return ErrNoTopology
	}
	nn := t.NNodes()
	lo := make([]r3.Vec, nn)
	hi := make([]r3.Vec, nn)

	for i := nn - 1; i >= 0; i-- {
		l := t.Links[i]
		var mass float64
		var com r3.Vec
		if l.Leaf {
			body := t.PPos[l.FirstBody : l.FirstBody+l.NBody]
			lo[i], hi[i] = Bounds(body)
			for k, p := range body {
				m := t.Mass[l.FirstBody+k]
				mass += m
				com = r3.Add(com, r3.Scale(m, p))
			}
		} else {
			c := l.FirstChild
			lo[i], hi[i] = lo[c], hi[c]
			for k := c; k < c+l.NChild; k++ {
				lo[i] = vmin(lo[i], lo[k])
				hi[i] = vmax(hi[i], hi[k])
				m := t.Multipole[k].Mass
				mass += m
				com = r3.Add(com, r3.Scale(m, t.Multipole[k].COM))
			}
		}
		t.BoxCenter[i] = r3.Scale(0.5, r3.Add(lo[i], hi[i]))
		t.BoxSize[i] = r3.Scale(0.5, r3.Sub(hi[i], lo[i]))
		if mass > 0 {
			com = r3.Scale(1/mass, com)
		} else {
			com = t.BoxCenter[i]
		}
		t.Multipole[i] = Multipole{COM: com, Mass: mass}
	}

	t.Groups = t.Groups[:0]
	t.ActiveGroups = t.ActiveGroups[:0]
	for i, l := range t.Links {
		if !l.Leaf || l.NBody == 0 {
			continue
		}
		t.Groups = append(t.Groups, Group{
			Center: t.BoxCenter[i],
			Size:   t.BoxSize[i],
			First:  l.FirstBody,
			Count:  l.NBody,
		})
		if slices.Contains(t.Active[l.FirstBody:l.FirstBody+l.NBody], true) {
			t.ActiveGroups = append(t.ActiveGroups, len(t.Groups)-1)
		}
	}
	return nil
}

// Bounds returns the component-wise minimum and maximum of pos.
func Bounds(pos []r3.Vec) (lo, hi r3.Vec) {
	if len(pos) == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	lo, hi = pos[0], pos[0]
	for _, p := range pos[1:] {
		lo = vmin(lo, p)
		hi = vmax(hi, p)
	}
	return lo, hi
}

func vmin(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

func vmax(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}
