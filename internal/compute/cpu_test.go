package compute

import (
	"errors"
	"sync/atomic"
	"testing"

	. "github.com/onsi/gomega"
)

func TestLaneRunsInOrder(t *testing.T) {
	g := NewWithT(t)

	lane, err := NewCPUBackend().NewLane("exec")
	g.Expect(err).NotTo(HaveOccurred())
	defer lane.Close()

	var got []int
	for i := 0; i < 100; i++ {
		lane.Enqueue("append", func() error {
			got = append(got, i)
			return nil
		})
	}
	g.Expect(lane.Sync()).To(Succeed())
	g.Expect(got).To(HaveLen(100))
	for i, v := range got {
		g.Expect(v).To(Equal(i))
	}
}

func TestLaneErrorIsSticky(t *testing.T) {
	g := NewWithT(t)

	lane, _ := NewCPUBackend().NewLane("grav")
	defer lane.Close()

	boom := errors.New("boom")
	var ran atomic.Int32
	lane.Enqueue("fail", func() error { return boom })
	lane.Enqueue("after", func() error {
		ran.Add(1)
		return nil
	})

	err := lane.Sync()
	g.Expect(err).To(MatchError(boom))
	g.Expect(err.Error()).To(ContainSubstring("lane grav: fail"))
	g.Expect(ran.Load()).To(BeZero())
	g.Expect(lane.Sync()).To(MatchError(boom))
}

func TestLaneClosed(t *testing.T) {
	g := NewWithT(t)

	lane, _ := NewCPUBackend().NewLane("copy")
	g.Expect(lane.Close()).To(Succeed())
	lane.Enqueue("late", func() error { return nil })
	g.Expect(errors.Is(lane.Sync(), ErrLaneClosed)).To(BeTrue())
}

func TestEventElapsed(t *testing.T) {
	g := NewWithT(t)

	lane, _ := NewCPUBackend().NewLane("grav")
	defer lane.Close()

	var start, end Event
	_, err := Elapsed(&start, &end)
	g.Expect(err).To(MatchError(ErrEventNotRecorded))

	lane.Record(&start)
	lane.Enqueue("work", func() error { return nil })
	lane.Record(&end)
	g.Expect(lane.Sync()).To(Succeed())

	ms, err := Elapsed(&start, &end)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ms).To(BeNumerically(">=", 0))
}

func TestParallelForCoversRange(t *testing.T) {
	tests := []struct {
		n, minChunk int
	}{
		{0, 8}, {1, 8}, {5, 1}, {100, 7}, {1000, 16},
	}

	for _, tt := range tests {
		hits := make([]int32, tt.n)
		ParallelFor(tt.n, tt.minChunk, func(_, start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", tt.n, i, h)
			}
		}
	}
}

func TestNewBackend(t *testing.T) {
	g := NewWithT(t)

	b, err := NewBackend("cpu")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(b.Name()).To(Equal("cpu"))

	_, err = NewBackend("quantum")
	g.Expect(err).To(MatchError(ContainSubstring("unknown backend")))

	g.Expect(AutoSelectBackend().Available()).To(BeTrue())
}

func TestLaneBufferRoundTrip(t *testing.T) {
	g := NewWithT(t)

	lane, _ := NewCPUBackend().NewLane("letTransfer")
	defer lane.Close()
	buf := lane.NewBuffer()

	src := []float64{1, 2, 3, 4}
	dst := make([]float64, 3)
	var short error
	lane.Enqueue("upload", func() error { return buf.Write(src) })
	lane.Enqueue("readback", func() error { return buf.Read(dst) })
	lane.Enqueue("overread", func() error {
		short = buf.Read(make([]float64, 5))
		return nil
	})
	g.Expect(lane.Sync()).To(Succeed())

	g.Expect(buf.Len()).To(Equal(4))
	g.Expect(dst).To(Equal([]float64{1, 2, 3}))
	g.Expect(short).To(MatchError(ErrBufferRange))
}
