// Package models generates initial conditions in N-body units (G = 1).
package models

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/octree"
)

var ErrUnknownModel = errors.New("models: unknown model")

// Generator produces n bodies from seed.
type Generator func(n int, seed int64) ([]octree.Body, error)

type Registry struct {
	models map[string]Generator
}

func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]Generator)}
	r.models["kepler"] = Kepler
	r.models["plummer"] = Plummer
	r.models["cube"] = Cube
	return r
}

func (r *Registry) Register(name string, g Generator) { r.models[name] = g }

func (r *Registry) Generate(cfg config.ModelConfig) ([]octree.Body, error) {
	g, ok := r.models[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, cfg.Name)
	}
	return g(cfg.N, cfg.Seed)
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// centre moves bodies into their centre of mass frame.
func centre(bodies []octree.Body) {
	var mx, mv r3.Vec
	var m float64
	for _, b := range bodies {
		mx = r3.Add(mx, r3.Scale(b.Mass, b.Pos))
		mv = r3.Add(mv, r3.Scale(b.Mass, b.Vel))
		m += b.Mass
	}
	if m == 0 {
		return
	}
	mx, mv = r3.Scale(1/m, mx), r3.Scale(1/m, mv)
	for i := range bodies {
		bodies[i].Pos = r3.Sub(bodies[i].Pos, mx)
		bodies[i].Vel = r3.Sub(bodies[i].Vel, mv)
	}
}
