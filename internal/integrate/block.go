package integrate

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/octree"
)

// Block gives every body its own power-of-two step. A body is active when
// its window ends at the trial time.
type Block struct {
	step  float64
	eta   float64
	eps   float64
	dtMin float64
}

// NewBlock creates a block policy whose steps lie in [2^-dtLimit, step].
func NewBlock(step, eta, eps float64, dtLimit int) *Block {
	return &Block{
		step:  step,
		eta:   eta,
		eps:   eps,
		dtMin: math.Exp2(-float64(dtLimit)),
	}
}

func (b *Block) Name() string { return "block" }

func (b *Block) NextTime(t *octree.Tree, current float64) float64 {
	if t.N == 0 {
		return current + b.step
	}
	partial := make([]float64, compute.Workers(t.N, minChunk))
	compute.ParallelFor(t.N, minChunk, func(w, start, end int) {
		m := math.Inf(1)
		for i := start; i < end; i++ {
			m = math.Min(m, t.Time[t.OriOrder[i]].End)
		}
		partial[w] = m
	})
	return floats.Min(partial)
}

func (b *Block) Predict(t *octree.Tree, now float64) {
	predict(t, now)
	for i := range t.Active {
		t.Active[i] = t.Time[t.OriOrder[i]].End <= now
	}
}

func (b *Block) Correct(t *octree.Tree, now float64) int {
	n := correct(t, now)
	compute.ParallelFor(t.N, minChunk, func(_, start, end int) {
		for i := start; i < end; i++ {
			if t.Active[i] {
				t.Time[i].End = now + b.Timestep(t.Acc0[i].A, t.Vel[i], now)
			}
		}
	})
	return n
}

// Timestep is the largest power-of-two step not above the acceleration and
// velocity criteria, clamped to the configured range and aligned so that now
// is a multiple of it.
func (b *Block) Timestep(a, v r3.Vec, now float64) float64 {
	dt := b.step
	if am := r3.Norm(a); am > 0 {
		if b.eps > 0 {
			dt = math.Min(dt, b.eta*math.Sqrt(b.eps/am))
		}
		if vm := r3.Norm(v); vm > 0 {
			dt = math.Min(dt, b.eta*vm/am)
		}
	}
	dt = math.Max(dt, b.dtMin)
	dt = math.Exp2(math.Floor(math.Log2(dt)))
	for dt > b.dtMin && math.Mod(now, dt) != 0 {
		dt /= 2
	}
	return dt
}
