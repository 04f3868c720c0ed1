package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/octree"
)

func TestSegmentName(t *testing.T) {
	tests := []struct {
		kind Kind
		part Part
		rank int
		want string
	}{
		{Quick, HeaderPart, 0, "/BonsaiQuickHeader-0"},
		{Quick, DataPart, 3, "/BonsaiQuickData-3"},
		{Snap, HeaderPart, 12, "/BonsaiSnapHeader-12"},
		{Snap, DataPart, 1, "/BonsaiSnapData-1"},
	}
	for _, tt := range tests {
		if got := SegmentName(tt.kind, tt.part, tt.rank); got != tt.want {
			t.Errorf("SegmentName(%v, %v, %d) = %s, want %s", tt.kind, tt.part, tt.rank, got, tt.want)
		}
	}
}

func sampleTree() *octree.Tree {
	return octree.NewTree([]octree.Body{
		{ID: 4, Pos: r3.Vec{X: 1, Y: 2, Z: 3}, Vel: r3.Vec{X: -1}, Mass: 0.5, H: 0.1, Dens: 2},
		{ID: 9, Pos: r3.Vec{Z: -1}, Mass: 0.25},
	})
}

func TestHeaderCodec(t *testing.T) {
	g := NewWithT(t)
	var h Header
	g.Expect(h.SetFileName("snap_0001-0")).To(Succeed())
	h.TCurrent = 1.5
	h.NBodies = 7

	buf := make([]byte, HeaderSize)
	g.Expect(h.MarshalTo(buf)).To(Succeed())
	var out Header
	g.Expect(out.UnmarshalFrom(buf)).To(Succeed())
	g.Expect(out).To(Equal(h))
	g.Expect(out.Name()).To(Equal("snap_0001-0"))

	g.Expect(h.MarshalTo(buf[:10])).To(MatchError(ErrShortBytes))
	long := make([]byte, 300)
	g.Expect(h.SetFileName(string(long))).NotTo(Succeed())
}

func TestHandoffSingleFrameInFlight(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := NewHandoff()

	f, err := h.Acquire(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Header.DoneWriting).To(BeTrue())
	g.Expect(f.Fill(sampleTree(), 0.5, "a")).To(Succeed())
	h.Publish(f)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = h.Acquire(short)
	g.Expect(err).To(MatchError(context.DeadlineExceeded))

	got, err := h.Next(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Header.DoneWriting).To(BeFalse())
	g.Expect(got.Records).To(HaveLen(2))
	h.Done(got)

	g.Expect(h.Wait(ctx)).To(Succeed())
	f, err = h.Acquire(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Header.DoneWriting).To(BeTrue())
}

type failingWriter struct{}

func (failingWriter) Write(ctx context.Context, f *Frame) error { return errors.New("disk full") }

func TestServeFailureReleasesController(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := NewHandoff()
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, h, failingWriter{}) }()

	f, _ := h.Acquire(ctx)
	h.Publish(f)
	g.Eventually(done).Should(Receive(MatchError("disk full")))
	_, err := h.Acquire(ctx)
	g.Expect(err).To(MatchError("disk full"))
}

func TestDiskWriterRoundTrip(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	dir := t.TempDir()
	h := NewHandoff()
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, h, &DiskWriter{Dir: dir}) }()

	f, err := h.Acquire(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Fill(sampleTree(), 2.25, "snapshot_2.25-0")).To(Succeed())
	h.Publish(f)
	g.Expect(h.Wait(ctx)).To(Succeed())
	h.Close()
	g.Eventually(done).Should(Receive(BeNil()))

	got, err := ReadFile(filepath.Join(dir, "snapshot_2.25-0"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Header.TCurrent).To(Equal(float32(2.25)))
	g.Expect(got.Header.DoneWriting).To(BeTrue())
	g.Expect(got.Records).To(Equal([]Record{
		{ID: 4, X: 1, Y: 2, Z: 3, Mass: 0.5, VX: -1, Rho: 2, H: 0.1},
		{ID: 9, Z: -1, Mass: 0.25},
	}))
}

// slowWriter takes a while per frame and remembers what it wrote.
type slowWriter struct {
	mu    sync.Mutex
	names []string
}

func (w *slowWriter) Write(ctx context.Context, f *Frame) error {
	time.Sleep(20 * time.Millisecond)
	w.mu.Lock()
	w.names = append(w.names, f.Header.Name())
	w.mu.Unlock()
	return nil
}

func TestDrainWritesQueuedFrame(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := NewHandoff()
	w := &slowWriter{}
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, h, w) }()

	f, err := h.Acquire(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Fill(sampleTree(), 1, "last")).To(Succeed())
	h.Publish(f)

	g.Expect(h.Drain(ctx)).To(Succeed())
	g.Eventually(done).Should(Receive(BeNil()))
	w.mu.Lock()
	defer w.mu.Unlock()
	g.Expect(w.names).To(Equal([]string{"last"}))
}

func TestDrainWithoutFrames(t *testing.T) {
	g := NewWithT(t)
	h := NewHandoff()
	g.Expect(h.Drain(context.Background())).To(Succeed())
	_, err := h.Acquire(context.Background())
	g.Expect(err).To(MatchError(ErrClosed))
}

func TestNewWriterOnDisk(t *testing.T) {
	g := NewWithT(t)
	run := t.TempDir()

	w, release, err := NewWriter(config.SnapshotConfig{Dir: "snapshots"}, run, 0)
	g.Expect(err).NotTo(HaveOccurred())
	defer release()
	g.Expect(w).To(Equal(&DiskWriter{Dir: filepath.Join(run, "snapshots")}))

	abs := filepath.Join(t.TempDir(), "out")
	w, _, err = NewWriter(config.SnapshotConfig{Dir: abs}, run, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(w).To(Equal(&DiskWriter{Dir: abs}))
}
