package models

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/octree"
)

// plummerScale converts the structural length to standard units where
// E = -1/4.
const plummerScale = 3 * math.Pi / 16

// Plummer samples an equilibrium Plummer sphere of unit mass. Radii beyond
// ten scale lengths are redrawn.
func Plummer(n int, seed int64) ([]octree.Body, error) {
	if n < 1 {
		return nil, fmt.Errorf("plummer: needs at least 1 body, got %d", n)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	bodies := make([]octree.Body, n)
	for i := range bodies {
		var r float64
		for {
			r = 1 / math.Sqrt(math.Pow(rng.Float64(), -2.0/3)-1)
			if r < 10 {
				break
			}
		}
		pos := r3.Scale(r*plummerScale, isotropic(rng))

		// rejection sampling of q = v/v_esc from g(q) = q^2 (1-q^2)^3.5
		var q float64
		for {
			q = rng.Float64()
			if 0.1*rng.Float64() < q*q*math.Pow(1-q*q, 3.5) {
				break
			}
		}
		ve := q * math.Sqrt2 * math.Pow(1+r*r, -0.25)
		vel := r3.Scale(ve/math.Sqrt(plummerScale), isotropic(rng))

		bodies[i] = octree.Body{ID: int64(i), Pos: pos, Vel: vel, Mass: 1 / float64(n)}
	}
	centre(bodies)
	return bodies, nil
}

func isotropic(rng *rand.Rand) r3.Vec {
	z := 2*rng.Float64() - 1
	phi := 2 * math.Pi * rng.Float64()
	s := math.Sqrt(1 - z*z)
	return r3.Vec{X: s * math.Cos(phi), Y: s * math.Sin(phi), Z: z}
}
