package integrate

import (
	"github.com/san-kum/treegrav/internal/octree"
)

// Shared advances every body by the same step; all bodies are always active.
type Shared struct {
	step   float64
	primed bool
}

func NewShared(step float64) *Shared {
	return &Shared{step: step}
}

func (s *Shared) Name() string { return "shared" }

// NextTime holds the clock on the first call so the first force evaluation
// happens at the initial time and seeds Acc0.
func (s *Shared) NextTime(t *octree.Tree, current float64) float64 {
	if !s.primed {
		s.primed = true
		return current
	}
	return current + s.step
}

func (s *Shared) Predict(t *octree.Tree, now float64) {
	predict(t, now)
	for i := range t.Active {
		t.Active[i] = true
	}
}

func (s *Shared) Correct(t *octree.Tree, now float64) int {
	n := correct(t, now)
	for i := range t.Time {
		t.Time[i].End = now + s.step
	}
	return n
}
