package models

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/octree"
)

// Cube is a cold uniform cube of side 2 and unit mass.
func Cube(n int, seed int64) ([]octree.Body, error) {
	if n < 1 {
		return nil, fmt.Errorf("cube: needs at least 1 body, got %d", n)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0xc0be))
	bodies := make([]octree.Body, n)
	for i := range bodies {
		bodies[i] = octree.Body{
			ID: int64(i),
			Pos: r3.Vec{
				X: 2*rng.Float64() - 1,
				Y: 2*rng.Float64() - 1,
				Z: 2*rng.Float64() - 1,
			},
			Mass: 1 / float64(n),
		}
	}
	centre(bodies)
	return bodies, nil
}
