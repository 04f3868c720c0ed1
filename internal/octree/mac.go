package octree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Accept is the opening-angle test: a node with half extent size and centre
// of mass com acts as a single multipole for every point of the target box
// when its diameter is below theta times the distance from com to the box.
func Accept(size, com, groupCenter, groupSize r3.Vec, theta float64) bool {
	l := 2 * math.Max(size.X, math.Max(size.Y, size.Z))
	return l < theta*BoxDistance(com, groupCenter, groupSize)
}

// BoxDistance is the distance from p to the closest point of the box with
// the given centre and half extent; zero inside the box.
func BoxDistance(p, center, size r3.Vec) float64 {
	d := func(v, c, s float64) float64 {
		return math.Max(math.Abs(v-c)-s, 0)
	}
	dx := d(p.X, center.X, size.X)
	dy := d(p.Y, center.Y, size.Y)
	dz := d(p.Z, center.Z, size.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
