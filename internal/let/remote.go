package let

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Word counts of the packed sections.
const (
	ParticleWords  = 4 // x, y, z, mass
	NodeWords      = 4 // box size / box centre / monopole, each four words
	nodeBlockWords = 3 * NodeWords
)

// NodeKind says how a remote node may be used by the walk.
type NodeKind int

const (
	// Cut nodes were accepted by the sender and carry only their moment.
	Cut NodeKind = iota
	Parent
	Bodies
)

// Header locates the sections of a packed remote tree.
type Header struct {
	Source     int64
	NParticles int64
	NNodes     int64
	TopStart   int64
	TopEnd     int64
}

// RemoteTree is a locally essential tree: the part of a remote rank's tree a
// receiver needs, packed into one float64 buffer. Layout, in words:
//
//	[0, 4P)          particles (x, y, z, m)
//	[4P, 4P+4N)      box sizes (half extent, w = first child or body)
//	[4P+4N, 4P+8N)   box centres (w = signed count, see NodeKind)
//	[4P+8N, 4P+12N)  monopoles (com, mass)
type RemoteTree struct {
	Header
	Words []float64
}

func (h Header) SizeOffset() int      { return ParticleWords * int(h.NParticles) }
func (h Header) CenterOffset() int    { return h.SizeOffset() + NodeWords*int(h.NNodes) }
func (h Header) MultipoleOffset() int { return h.CenterOffset() + NodeWords*int(h.NNodes) }

// Len is the number of words the packed tree occupies.
func (h Header) Len() int { return h.MultipoleOffset() + NodeWords*int(h.NNodes) }

// RemoteNode is the decoded view of one packed node.
type RemoteNode struct {
	Center r3.Vec
	Size   r3.Vec
	COM    r3.Vec
	Mass   float64
	Kind   NodeKind
	First  int
	Count  int
}

func (rt *RemoteTree) Particle(i int) (r3.Vec, float64) {
	w := rt.Words[ParticleWords*i:]
	return r3.Vec{X: w[0], Y: w[1], Z: w[2]}, w[3]
}

func (rt *RemoteTree) Node(i int) RemoteNode {
	s := rt.Words[rt.SizeOffset()+NodeWords*i:]
	c := rt.Words[rt.CenterOffset()+NodeWords*i:]
	m := rt.Words[rt.MultipoleOffset()+NodeWords*i:]

	n := RemoteNode{
		Size:   r3.Vec{X: s[0], Y: s[1], Z: s[2]},
		Center: r3.Vec{X: c[0], Y: c[1], Z: c[2]},
		COM:    r3.Vec{X: m[0], Y: m[1], Z: m[2]},
		Mass:   m[3],
		First:  int(s[3]),
	}
	switch count := int(c[3]); {
	case count > 0:
		n.Kind, n.Count = Parent, count
	case count < 0:
		n.Kind, n.Count = Bodies, -count
	default:
		n.Kind = Cut
	}
	return n
}

// packer accumulates sections separately and joins them on finish.
type packer struct {
	parts   []float64
	sizes   []float64
	centers []float64
	moms    []float64
}

func (p *packer) addNode() int {
	p.sizes = append(p.sizes, 0, 0, 0, 0)
	p.centers = append(p.centers, 0, 0, 0, 0)
	p.moms = append(p.moms, 0, 0, 0, 0)
	return len(p.sizes)/NodeWords - 1
}

func (p *packer) setNode(i int, n RemoteNode) {
	copy(p.sizes[NodeWords*i:], []float64{n.Size.X, n.Size.Y, n.Size.Z, float64(n.First)})
	count := 0
	switch n.Kind {
	case Parent:
		count = n.Count
	case Bodies:
		count = -n.Count
	}
	copy(p.centers[NodeWords*i:], []float64{n.Center.X, n.Center.Y, n.Center.Z, float64(count)})
	copy(p.moms[NodeWords*i:], []float64{n.COM.X, n.COM.Y, n.COM.Z, n.Mass})
}

func (p *packer) addParticle(pos r3.Vec, m float64) int {
	p.parts = append(p.parts, pos.X, pos.Y, pos.Z, m)
	return len(p.parts)/ParticleWords - 1
}

func (p *packer) finish(source int) *RemoteTree {
	nn := len(p.sizes) / NodeWords
	rt := &RemoteTree{Header: Header{
		Source:     int64(source),
		NParticles: int64(len(p.parts) / ParticleWords),
		NNodes:     int64(nn),
		TopStart:   0,
		TopEnd:     min(1, int64(nn)),
	}}
	rt.Words = make([]float64, 0, rt.Len())
	rt.Words = append(rt.Words, p.parts...)
	rt.Words = append(rt.Words, p.sizes...)
	rt.Words = append(rt.Words, p.centers...)
	rt.Words = append(rt.Words, p.moms...)
	return rt
}

func (rt *RemoteTree) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(rt.Header) + 8*rt.Len())
	if err := binary.Write(&buf, binary.LittleEndian, rt.Header); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, rt.Words[:rt.Len()]); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes into rt, reusing the capacity of rt.Words.
func (rt *RemoteTree) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("decoding remote tree header: %w", err)
	}
	n := h.Len()
	if r.Len() != 8*n {
		return fmt.Errorf("decoding remote tree from rank %d: %d payload bytes, want %d", h.Source, r.Len(), 8*n)
	}
	if cap(rt.Words) < n {
		rt.Words = make([]float64, n)
	}
	rt.Words = rt.Words[:n]
	if err := binary.Read(r, binary.LittleEndian, rt.Words); err != nil {
		return fmt.Errorf("decoding remote tree words: %w", err)
	}
	rt.Header = h
	return nil
}
