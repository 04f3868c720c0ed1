// Package snapshot hands particle snapshots to an external writer. Each
// rank owns a header and a data segment per channel; the quick channel is
// meant for low-latency viewers, the snap channel for full output.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/san-kum/treegrav/internal/octree"
)

var (
	ErrClosed     = errors.New("snapshot: handoff closed")
	ErrShortBytes = errors.New("snapshot: buffer too short")
)

type Kind int

const (
	Quick Kind = iota
	Snap
)

func (k Kind) String() string {
	if k == Quick {
		return "Quick"
	}
	return "Snap"
}

type Part int

const (
	HeaderPart Part = iota
	DataPart
)

func (p Part) String() string {
	if p == HeaderPart {
		return "Header"
	}
	return "Data"
}

// SegmentName returns the shared segment name for a channel part on rank,
// e.g. /BonsaiSnapHeader-3.
func SegmentName(kind Kind, part Part, rank int) string {
	return "/Bonsai" + kind.String() + part.String() + "-" + strconv.Itoa(rank)
}

const fileNameLen = 256

// Header is the control block of a segment pair. It is stored little endian
// without padding.
type Header struct {
	TCurrent    float32
	NBodies     uint64
	FileName    [fileNameLen]byte
	Handshake   bool
	DoneWriting bool
}

// Record is one body in the data segment.
type Record struct {
	ID             int64
	X, Y, Z, Mass  float32
	VX, VY, VZ, VW float32
	Rho, H         float32
}

var (
	HeaderSize = binary.Size(Header{})
	RecordSize = binary.Size(Record{})
)

func (h *Header) SetFileName(name string) error {
	if len(name) >= fileNameLen {
		return fmt.Errorf("snapshot: file name %q longer than %d bytes", name, fileNameLen-1)
	}
	h.FileName = [fileNameLen]byte{}
	copy(h.FileName[:], name)
	return nil
}

func (h *Header) Name() string {
	n := bytes.IndexByte(h.FileName[:], 0)
	if n < 0 {
		n = fileNameLen
	}
	return string(h.FileName[:n])
}

func (h *Header) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBytes
	}
	_, err := binary.Encode(buf, binary.LittleEndian, h)
	return err
}

func (h *Header) UnmarshalFrom(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBytes
	}
	_, err := binary.Decode(buf, binary.LittleEndian, h)
	return err
}

// Frame is the buffer the controller fills and the writer drains.
type Frame struct {
	Header  Header
	Records []Record
}

// Fill copies the canonical state of t into f.
func (f *Frame) Fill(t *octree.Tree, now float64, fileName string) error {
	if err := f.Header.SetFileName(fileName); err != nil {
		return err
	}
	f.Header.TCurrent = float32(now)
	f.Header.NBodies = uint64(t.N)
	f.Header.Handshake = false
	f.Records = f.Records[:0]
	for i := 0; i < t.N; i++ {
		p, v := t.Pos[i], t.Vel[i]
		f.Records = append(f.Records, Record{
			ID:   t.IDs[i],
			X:    float32(p.X),
			Y:    float32(p.Y),
			Z:    float32(p.Z),
			Mass: float32(t.Mass[i]),
			VX:   float32(v.X),
			VY:   float32(v.Y),
			VZ:   float32(v.Z),
			Rho:  float32(t.Dens[i]),
			H:    float32(t.H[i]),
		})
	}
	return nil
}

func encodeRecords(buf []byte, recs []Record) error {
	if len(buf) < len(recs)*RecordSize {
		return ErrShortBytes
	}
	_, err := binary.Encode(buf, binary.LittleEndian, recs)
	return err
}

// DecodeRecords reads n records from buf.
func DecodeRecords(buf []byte, n int) ([]Record, error) {
	if len(buf) < n*RecordSize {
		return nil, ErrShortBytes
	}
	recs := make([]Record, n)
	if _, err := binary.Decode(buf, binary.LittleEndian, recs); err != nil {
		return nil, err
	}
	return recs, nil
}
