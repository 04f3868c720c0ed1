package let

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/octree"
)

// Snapshot is the host copy of the local tree that remote packets are cut
// from. It is filled on the transfer lane while the grav lane is busy.
type Snapshot struct {
	BoxCenter []r3.Vec
	BoxSize   []r3.Vec
	Multipole []octree.Multipole
	Links     []octree.Link
	PPos      []r3.Vec
	Mass      []float64

	words []float64
}

const (
	summaryNodeWords = 10 // centre, size, com, mass
	summaryBodyWords = 4  // predicted position, mass
)

// Capture copies the node arrays and predicted bodies of t, reusing capacity.
func (s *Snapshot) Capture(t *octree.Tree) {
	s.BoxCenter = append(s.BoxCenter[:0], t.BoxCenter...)
	s.BoxSize = append(s.BoxSize[:0], t.BoxSize...)
	s.Multipole = append(s.Multipole[:0], t.Multipole...)
	s.Links = append(s.Links[:0], t.Links...)
	s.PPos = append(s.PPos[:0], t.PPos...)
	s.Mass = append(s.Mass[:0], t.Mass...)
}

// Readback is Capture through lane memory: the node geometry and predicted
// bodies are written to buf and the snapshot is filled from what is read
// back. It must run on the lane owning buf.
func (s *Snapshot) Readback(buf compute.Buffer, t *octree.Tree) error {
	nn := len(t.Multipole)
	w := s.words[:0]
	for i := 0; i < nn; i++ {
		c, z, m := t.BoxCenter[i], t.BoxSize[i], t.Multipole[i]
		w = append(w, c.X, c.Y, c.Z, z.X, z.Y, z.Z, m.COM.X, m.COM.Y, m.COM.Z, m.Mass)
	}
	for i := 0; i < t.N; i++ {
		p := t.PPos[i]
		w = append(w, p.X, p.Y, p.Z, t.Mass[i])
	}
	if err := buf.Write(w); err != nil {
		return err
	}
	if err := buf.Read(w); err != nil {
		return err
	}
	s.words = w

	s.BoxCenter = s.BoxCenter[:0]
	s.BoxSize = s.BoxSize[:0]
	s.Multipole = s.Multipole[:0]
	for i := 0; i < nn; i++ {
		v := w[summaryNodeWords*i:]
		s.BoxCenter = append(s.BoxCenter, r3.Vec{X: v[0], Y: v[1], Z: v[2]})
		s.BoxSize = append(s.BoxSize, r3.Vec{X: v[3], Y: v[4], Z: v[5]})
		s.Multipole = append(s.Multipole, octree.Multipole{COM: r3.Vec{X: v[6], Y: v[7], Z: v[8]}, Mass: v[9]})
	}
	s.PPos = s.PPos[:0]
	s.Mass = s.Mass[:0]
	bodies := w[summaryNodeWords*nn:]
	for i := 0; i < t.N; i++ {
		v := bodies[summaryBodyWords*i:]
		s.PPos = append(s.PPos, r3.Vec{X: v[0], Y: v[1], Z: v[2]})
		s.Mass = append(s.Mass, v[3])
	}
	s.Links = append(s.Links[:0], t.Links...)
	return nil
}

// Build cuts the locally essential tree for a receiver whose target groups
// are given. A node is sent as a bare moment when it passes the opening-angle
// test against every receiver group; otherwise its children, or for a leaf
// its bodies, are sent as well.
func (s *Snapshot) Build(groups []GroupBox, theta float64, source int) *RemoteTree {
	var p packer
	if len(s.Links) == 0 {
		return p.finish(source)
	}

	type item struct{ local, remote int }
	queue := []item{{local: 0, remote: p.addNode()}}

	for qi := 0; qi < len(queue); qi++ {
		it := queue[qi]
		k := it.local
		link := s.Links[k]
		node := RemoteNode{
			Center: s.BoxCenter[k],
			Size:   s.BoxSize[k],
			COM:    s.Multipole[k].COM,
			Mass:   s.Multipole[k].Mass,
			Kind:   Cut,
		}

		switch {
		case link.NBody == 0 || s.farFromAll(k, groups, theta):
		case link.Leaf:
			node.Kind = Bodies
			node.Count = link.NBody
			for b := link.FirstBody; b < link.FirstBody+link.NBody; b++ {
				idx := p.addParticle(s.PPos[b], s.Mass[b])
				if b == link.FirstBody {
					node.First = idx
				}
			}
		default:
			for c := link.FirstChild; c < link.FirstChild+link.NChild; c++ {
				if s.Links[c].NBody == 0 {
					continue
				}
				idx := p.addNode()
				if node.Count == 0 {
					node.First = idx
				}
				node.Count++
				queue = append(queue, item{local: c, remote: idx})
			}
			if node.Count > 0 {
				node.Kind = Parent
			}
		}
		p.setNode(it.remote, node)
	}
	return p.finish(source)
}

func (s *Snapshot) farFromAll(k int, groups []GroupBox, theta float64) bool {
	for _, g := range groups {
		if !octree.Accept(s.BoxSize[k], s.Multipole[k].COM, g.Center, g.Size, theta) {
			return false
		}
	}
	return true
}

// GroupBox is the wire form of a target group: the summary each rank shares
// so senders can decide what it needs.
type GroupBox struct {
	Center r3.Vec
	Size   r3.Vec
}

func EncodeGroups(groups []octree.Group) ([]byte, error) {
	boxes := make([]GroupBox, len(groups))
	for i, g := range groups {
		boxes[i] = GroupBox{Center: g.Center, Size: g.Size}
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, boxes); err != nil {
		return nil, fmt.Errorf("encoding %d groups: %w", len(groups), err)
	}
	return buf.Bytes(), nil
}

func DecodeGroups(data []byte) ([]GroupBox, error) {
	size := binary.Size(GroupBox{})
	if len(data)%size != 0 {
		return nil, fmt.Errorf("decoding groups: %d bytes is not a multiple of %d", len(data), size)
	}
	boxes := make([]GroupBox, len(data)/size)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, boxes); err != nil {
		return nil, fmt.Errorf("decoding groups: %w", err)
	}
	return boxes, nil
}
