package models

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/octree"
)

func totals(bodies []octree.Body) (m float64, com, p r3.Vec) {
	for _, b := range bodies {
		m += b.Mass
		com = r3.Add(com, r3.Scale(b.Mass, b.Pos))
		p = r3.Add(p, r3.Scale(b.Mass, b.Vel))
	}
	return m, com, p
}

func TestKepler(t *testing.T) {
	bodies, err := Kepler(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	m, com, p := totals(bodies)
	if m != 1 || r3.Norm(com) != 0 || r3.Norm(p) != 0 {
		t.Errorf("expected unit mass at rest in origin, got m=%g com=%v p=%v", m, com, p)
	}
	// circular orbit: relative speed^2 equals M/a
	rel := r3.Sub(bodies[1].Vel, bodies[0].Vel)
	if v2 := r3.Norm2(rel); v2 != 1 {
		t.Errorf("expected relative speed 1, got %g", math.Sqrt(v2))
	}

	if _, err := Kepler(3, 0); err == nil {
		t.Error("expected error for 3 bodies")
	}
}

func TestPlummerVirial(t *testing.T) {
	bodies, err := Plummer(2000, 1)
	if err != nil {
		t.Fatal(err)
	}
	m, com, p := totals(bodies)
	if math.Abs(m-1) > 1e-12 {
		t.Errorf("expected unit mass, got %g", m)
	}
	if r3.Norm(com) > 1e-12 || r3.Norm(p) > 1e-12 {
		t.Errorf("expected centre of mass frame, got com=%v p=%v", com, p)
	}

	var kin, pot float64
	for i, a := range bodies {
		kin += 0.5 * a.Mass * r3.Norm2(a.Vel)
		for _, b := range bodies[i+1:] {
			pot -= a.Mass * b.Mass / r3.Norm(r3.Sub(a.Pos, b.Pos))
		}
	}
	if q := -2 * kin / pot; math.Abs(q-1) > 0.15 {
		t.Errorf("virial ratio %g too far from 1", q)
	}
	if e := kin + pot; math.Abs(e+0.25) > 0.05 {
		t.Errorf("total energy %g too far from -1/4", e)
	}
}

func TestPlummerDeterministic(t *testing.T) {
	a, _ := Plummer(100, 7)
	b, _ := Plummer(100, 7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("body %d differs between identical seeds", i)
		}
	}
}

func TestCube(t *testing.T) {
	bodies, err := Cube(500, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range bodies {
		if r3.Norm2(b.Vel) != 0 {
			t.Fatal("cube should start cold")
		}
		if math.Abs(b.Pos.X) > 2 || math.Abs(b.Pos.Y) > 2 || math.Abs(b.Pos.Z) > 2 {
			t.Fatalf("body outside cube: %v", b.Pos)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := r.List(); len(got) != 3 || got[0] != "cube" {
		t.Errorf("unexpected model list %v", got)
	}
	bodies, err := r.Generate(config.ModelConfig{Name: "kepler", N: 2})
	if err != nil || len(bodies) != 2 {
		t.Errorf("Generate(kepler) = %d bodies, %v", len(bodies), err)
	}
	_, err = r.Generate(config.ModelConfig{Name: "hernquist", N: 10})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}
