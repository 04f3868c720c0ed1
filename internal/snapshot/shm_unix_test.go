//go:build unix

package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/san-kum/treegrav/internal/config"
)

func tempShm(t *testing.T) {
	old := ShmDir
	ShmDir = t.TempDir()
	t.Cleanup(func() { ShmDir = old })
}

// markWritten does what the external writer does once it has consumed a
// frame.
func markWritten(g *WithT, w *ShmWriter) {
	hdr, err := w.Header()
	g.Expect(err).NotTo(HaveOccurred())
	hdr.DoneWriting = true
	g.Expect(hdr.MarshalTo(w.header.Bytes())).To(Succeed())
}

func TestShmWriter(t *testing.T) {
	g := NewWithT(t)
	tempShm(t)

	w, err := NewShmWriter(Quick, 2)
	g.Expect(err).NotTo(HaveOccurred())
	defer w.Remove()
	g.Expect(filepath.Join(ShmDir, "BonsaiQuickHeader-2")).To(BeAnExistingFile())

	hdr, err := w.Header()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(hdr.DoneWriting).To(BeTrue())

	f := &Frame{}
	g.Expect(f.Fill(sampleTree(), 1, "quick-2")).To(Succeed())
	g.Expect(w.Write(context.Background(), f)).To(Succeed())

	hdr, err = w.Header()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(hdr.NBodies).To(Equal(uint64(2)))
	g.Expect(hdr.Handshake).To(BeTrue())
	g.Expect(hdr.DoneWriting).To(BeFalse())
	recs, err := DecodeRecords(w.Data(), 2)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(recs).To(Equal(f.Records))
}

func TestShmWriterWaitsForExternalWriter(t *testing.T) {
	g := NewWithT(t)
	tempShm(t)
	ctx := context.Background()

	w, err := NewShmWriter(Snap, 0)
	g.Expect(err).NotTo(HaveOccurred())
	defer w.Remove()

	first := &Frame{}
	g.Expect(first.Fill(sampleTree(), 1, "first")).To(Succeed())
	g.Expect(w.Write(ctx, first)).To(Succeed())

	second := &Frame{}
	g.Expect(second.Fill(sampleTree(), 2, "second")).To(Succeed())
	done := make(chan error, 1)
	go func() { done <- w.Write(ctx, second) }()

	g.Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
	hdr, err := w.Header()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(hdr.Name()).To(Equal("first"))

	markWritten(g, w)
	g.Eventually(done).Should(Receive(BeNil()))
	hdr, err = w.Header()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(hdr.Name()).To(Equal("second"))
	g.Expect(hdr.DoneWriting).To(BeFalse())
}

func TestShmWriterStopsWaitingOnCancel(t *testing.T) {
	g := NewWithT(t)
	tempShm(t)

	w, err := NewShmWriter(Snap, 1)
	g.Expect(err).NotTo(HaveOccurred())
	defer w.Remove()

	f := &Frame{}
	g.Expect(f.Fill(sampleTree(), 1, "a")).To(Succeed())
	g.Expect(w.Write(context.Background(), f)).To(Succeed())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g.Expect(w.Write(ctx, f)).To(MatchError(context.DeadlineExceeded))
}

func TestNewWriterSelectsChannel(t *testing.T) {
	g := NewWithT(t)
	tempShm(t)

	tests := []struct {
		quick bool
		want  string
	}{
		{false, "BonsaiSnapHeader-3"},
		{true, "BonsaiQuickHeader-3"},
	}
	for _, tt := range tests {
		w, release, err := NewWriter(config.SnapshotConfig{Shm: true, Quick: tt.quick}, "", 3)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(w).To(BeAssignableToTypeOf(&ShmWriter{}))
		g.Expect(filepath.Join(ShmDir, tt.want)).To(BeAnExistingFile())
		g.Expect(release()).To(Succeed())
	}
}
