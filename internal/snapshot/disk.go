package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DiskWriter writes each frame to its header file name under Dir, header
// first, then the records.
type DiskWriter struct {
	Dir string
}

func (w *DiskWriter) Write(ctx context.Context, f *Frame) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(w.Dir, f.Header.Name())
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, HeaderSize+len(f.Records)*RecordSize)
	hdr := f.Header
	hdr.DoneWriting = true
	if err := hdr.MarshalTo(buf); err != nil {
		return err
	}
	if err := encodeRecords(buf[HeaderSize:], f.Records); err != nil {
		return err
	}
	bw := bufio.NewWriter(file)
	if _, err := bw.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}

// ReadFile loads a snapshot written by DiskWriter.
func ReadFile(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	if err := f.Header.UnmarshalFrom(data); err != nil {
		return nil, err
	}
	f.Records, err = DecodeRecords(data[HeaderSize:], int(f.Header.NBodies))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
