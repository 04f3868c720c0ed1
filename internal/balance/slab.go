package balance

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/octree"
)

const DefaultSamples = 2048

// SlabPlanner cuts the domain into x slabs, one per rank in rank order.
// Boundaries come from position samples weighted so that each rank ends
// up with the body count its last cost asks for.
type SlabPlanner struct {
	comm    comm.Communicator
	Samples int
	// Clamp bounds the desired count to [n/Clamp, n*Clamp].
	Clamp float64

	bounds []float64
}

func NewSlabPlanner(c comm.Communicator) *SlabPlanner {
	return &SlabPlanner{comm: c, Samples: DefaultSamples, Clamp: 2}
}

// Bounds returns the current size-1 slab boundaries.
func (p *SlabPlanner) Bounds() []float64 { return p.bounds }

// Owner returns the rank owning coordinate x.
func (p *SlabPlanner) Owner(x float64) int {
	return sort.Search(len(p.bounds), func(i int) bool { return x < p.bounds[i] })
}

// Desired is the body count a rank should hold given its cost.
func (p *SlabPlanner) Desired(n int, cost Cost, initial bool) float64 {
	if initial || cost.Last <= 0 || cost.Avg <= 0 {
		return float64(n)
	}
	d := float64(n) * cost.Avg / cost.Last
	return math.Min(math.Max(d, float64(n)/p.Clamp), float64(n)*p.Clamp)
}

type sample struct {
	X      float64
	Weight float64
}

func (p *SlabPlanner) Rebalance(ctx context.Context, t *octree.Tree, cost Cost, initial bool) (Timing, error) {
	var tm Timing
	start := time.Now()
	size := p.comm.Size()

	desired := p.Desired(t.N, cost, initial)
	header := []float64{float64(t.N), desired}
	local := p.sample(t)
	payload, err := encodeSamples(header, local)
	if err != nil {
		return tm, err
	}
	all, err := p.comm.Allgather(ctx, payload)
	if err != nil {
		return tm, fmt.Errorf("sample gather: %w", err)
	}

	var samples []sample
	want := make([]float64, size)
	total := 0.0
	for r, data := range all {
		hdr, s, err := decodeSamples(data)
		if err != nil {
			return tm, fmt.Errorf("samples from rank %d: %w", r, err)
		}
		total += hdr[0]
		want[r] = hdr[1]
		samples = append(samples, s...)
	}
	p.bounds = boundaries(samples, want, total, initial)
	tm.Update = time.Since(start)

	start = time.Now()
	if err := p.migrate(ctx, t); err != nil {
		return tm, err
	}
	tm.Exchange = time.Since(start)
	return tm, nil
}

// sample takes an evenly strided subset of the local x coordinates; each
// sample stands for n/len(samples) bodies.
func (p *SlabPlanner) sample(t *octree.Tree) []sample {
	k := min(t.N, max(p.Samples, 1))
	out := make([]sample, k)
	for i := range out {
		j := i * t.N / k
		out[i] = sample{X: t.Pos[j].X, Weight: float64(t.N) / float64(k)}
	}
	return out
}

// boundaries walks the sorted samples and cuts where the accumulated body
// weight reaches each rank's share of the total.
func boundaries(samples []sample, want []float64, total float64, initial bool) []float64 {
	size := len(want)
	slices.SortFunc(samples, func(a, b sample) int {
		switch {
		case a.X < b.X:
			return -1
		case a.X > b.X:
			return 1
		}
		return 0
	})

	sum := 0.0
	for _, w := range want {
		sum += w
	}
	targets := make([]float64, size-1)
	acc := 0.0
	for r := range targets {
		if initial || sum == 0 {
			acc += total / float64(size)
		} else {
			acc += want[r] * total / sum
		}
		targets[r] = acc
	}

	bounds := make([]float64, size-1)
	for r := range bounds {
		bounds[r] = math.Inf(1)
	}
	acc = 0
	r := 0
	for i, s := range samples {
		acc += s.Weight
		for r < len(targets) && acc >= targets[r] {
			if i+1 < len(samples) {
				bounds[r] = 0.5 * (s.X + samples[i+1].X)
			}
			r++
		}
	}
	return bounds
}

func (p *SlabPlanner) migrate(ctx context.Context, t *octree.Tree) error {
	size := p.comm.Size()
	out := make([][]octree.Body, size)
	for _, b := range t.Bodies() {
		dst := p.Owner(b.Pos.X)
		out[dst] = append(out[dst], b)
	}
	send := make([][]byte, size)
	for r := range out {
		data, err := octree.EncodeBodies(out[r])
		if err != nil {
			return err
		}
		send[r] = data
	}
	recv, err := p.comm.Alltoall(ctx, send)
	if err != nil {
		return fmt.Errorf("body exchange: %w", err)
	}

	var mine []octree.Body
	for r, data := range recv {
		bodies, err := octree.DecodeBodies(data)
		if err != nil {
			return fmt.Errorf("bodies from rank %d: %w", r, err)
		}
		mine = append(mine, bodies...)
	}
	slices.SortFunc(mine, func(a, b octree.Body) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	t.Load(mine)
	return nil
}

func encodeSamples(header []float64, s []sample) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSamples(data []byte) ([]float64, []sample, error) {
	const headerLen = 2
	if len(data) < 8*headerLen || (len(data)-8*headerLen)%16 != 0 {
		return nil, nil, fmt.Errorf("malformed sample buffer of %d bytes", len(data))
	}
	r := bytes.NewReader(data)
	header := make([]float64, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, nil, err
	}
	s := make([]sample, (len(data)-8*headerLen)/16)
	if err := binary.Read(r, binary.LittleEndian, s); err != nil {
		return nil, nil, err
	}
	return header, s, nil
}
