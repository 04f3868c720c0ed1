package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/octree"
)

// Kepler is an equal-mass circular binary with unit separation and unit
// total mass, so the orbital period is 2π. n must be 2; seed is unused.
func Kepler(n int, seed int64) ([]octree.Body, error) {
	if n != 2 {
		return nil, fmt.Errorf("kepler: needs exactly 2 bodies, got %d", n)
	}
	return []octree.Body{
		{ID: 0, Pos: r3.Vec{X: -0.5}, Vel: r3.Vec{Y: -0.5}, Mass: 0.5},
		{ID: 1, Pos: r3.Vec{X: 0.5}, Vel: r3.Vec{Y: 0.5}, Mass: 0.5},
	}, nil
}
