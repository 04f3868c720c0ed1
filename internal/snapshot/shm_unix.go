//go:build unix

package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ShmDir is where named segments are created.
var ShmDir = "/dev/shm"

// Segment is a named shared memory region mapped read-write.
type Segment struct {
	name string
	path string
	file *os.File
	data []byte
}

func OpenSegment(name string, size int) (*Segment, error) {
	path := filepath.Join(ShmDir, strings.TrimPrefix(name, "/"))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", name, err)
	}
	s := &Segment{name: name, path: path, file: file}
	if err := s.Resize(size); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) Name() string  { return s.name }
func (s *Segment) Bytes() []byte { return s.data }

// Resize remaps the segment with size bytes. Previously returned slices
// are invalid afterwards.
func (s *Segment) Resize(size int) error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("unmapping %s: %w", s.name, err)
		}
		s.data = nil
	}
	if err := s.file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("sizing %s: %w", s.name, err)
	}
	if size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", s.name, err)
	}
	s.data = data
	return nil
}

func (s *Segment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.file.Close()
}

// Remove closes the segment and unlinks its name.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// PollInterval is how often a ShmWriter rechecks the header for the
// external writer's DoneWriting flag.
var PollInterval = time.Millisecond

// ShmWriter publishes frames into the header and data segments of one
// channel for one rank. The external writer owns DoneWriting: a frame is
// published with the flag cleared and the next one waits until the reader
// has set it again.
type ShmWriter struct {
	header *Segment
	data   *Segment
}

func NewShmWriter(kind Kind, rank int) (*ShmWriter, error) {
	hdr, err := OpenSegment(SegmentName(kind, HeaderPart, rank), HeaderSize)
	if err != nil {
		return nil, err
	}
	data, err := OpenSegment(SegmentName(kind, DataPart, rank), 0)
	if err != nil {
		hdr.Close()
		return nil, err
	}
	w := &ShmWriter{header: hdr, data: data}
	idle := Header{DoneWriting: true}
	if err := idle.MarshalTo(hdr.Bytes()); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Write waits for the external writer to finish the previous frame, then
// publishes f.
func (w *ShmWriter) Write(ctx context.Context, f *Frame) error {
	if err := w.awaitDone(ctx); err != nil {
		return err
	}
	size := len(f.Records) * RecordSize
	if size > len(w.data.Bytes()) {
		if err := w.data.Resize(size); err != nil {
			return err
		}
	}
	if err := encodeRecords(w.data.Bytes(), f.Records); err != nil {
		return err
	}
	hdr := f.Header
	hdr.Handshake = true
	hdr.DoneWriting = false
	return hdr.MarshalTo(w.header.Bytes())
}

func (w *ShmWriter) awaitDone(ctx context.Context) error {
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()
	for {
		hdr, err := w.Header()
		if err != nil {
			return err
		}
		if hdr.DoneWriting {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", w.header.Name(), ctx.Err())
		}
	}
}

// Header reads the header currently in the segment.
func (w *ShmWriter) Header() (Header, error) {
	var h Header
	err := h.UnmarshalFrom(w.header.Bytes())
	return h, err
}

func (w *ShmWriter) Data() []byte { return w.data.Bytes() }

func (w *ShmWriter) Close() error {
	err := w.header.Close()
	if derr := w.data.Close(); err == nil {
		err = derr
	}
	return err
}

// Remove closes the writer and unlinks both segments.
func (w *ShmWriter) Remove() error {
	err := w.header.Remove()
	if derr := w.data.Remove(); err == nil {
		err = derr
	}
	return err
}
