package octree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Body is the fixed-size record used to move particles between ranks and
// to seed a tree.
type Body struct {
	ID   int64
	Pos  r3.Vec
	Vel  r3.Vec
	Mass float64
	Acc  Force
	Time Window
	H    float64
	Dens float64
}

var bodySize = binary.Size(Body{})

func EncodeBodies(bodies []Body) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(bodies) * bodySize)
	if err := binary.Write(&buf, binary.LittleEndian, bodies); err != nil {
		return nil, fmt.Errorf("encoding %d bodies: %w", len(bodies), err)
	}
	return buf.Bytes(), nil
}

func DecodeBodies(data []byte) ([]Body, error) {
	if len(data)%bodySize != 0 {
		return nil, fmt.Errorf("decoding bodies: %d bytes is not a multiple of %d", len(data), bodySize)
	}
	bodies := make([]Body, len(data)/bodySize)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, bodies); err != nil {
		return nil, fmt.Errorf("decoding bodies: %w", err)
	}
	return bodies, nil
}
