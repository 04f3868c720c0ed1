package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/kernel"
	"github.com/san-kum/treegrav/internal/models"
	"github.com/san-kum/treegrav/internal/octree"
	"github.com/san-kum/treegrav/internal/snapshot"
	"github.com/san-kum/treegrav/internal/storage"
)

func quiet() Components {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return Components{Log: logrus.NewEntry(l), Stdout: io.Discard, Stderr: io.Discard}
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Events = false
	cfg.Run.IterEnd = 10
	cfg.Run.TEnd = 100
	mutate(cfg)
	return cfg
}

func mustBodies(g func(int, int64) ([]octree.Body, error), n int, seed int64) []octree.Body {
	bodies, err := g(n, seed)
	Expect(err).NotTo(HaveOccurred())
	return bodies
}

func setUp(ctx context.Context, cfg *config.Config, bodies []octree.Body, c Components) *Engine {
	e, err := New(cfg, bodies, c)
	Expect(err).NotTo(HaveOccurred())
	Expect(e.Setup(ctx)).To(Succeed())
	DeferCleanup(e.Teardown)
	return e
}

type countingBuilder struct {
	*octree.Builder
	sorts, builds, props int
}

func (b *countingBuilder) Sort(t *octree.Tree, updateDomain bool) error {
	b.sorts++
	return b.Builder.Sort(t, updateDomain)
}

func (b *countingBuilder) Build(t *octree.Tree) error {
	b.builds++
	return b.Builder.Build(t)
}

func (b *countingBuilder) ComputeProperties(t *octree.Tree) error {
	b.props++
	return b.Builder.ComputeProperties(t)
}

var errBroken = errors.New("kernel launch failed")

type brokenKernel struct{ *kernel.Gravity }

func (brokenKernel) Direct(t *octree.Tree) error { return errBroken }

func newRun(model string) (*storage.Store, *storage.Run) {
	st := storage.New(GinkgoT().TempDir())
	Expect(st.Init()).To(Succeed())
	run, err := st.Create(storage.RunMetadata{Model: model})
	Expect(err).NotTo(HaveOccurred())
	return st, run
}

// heldWriter keeps every frame until release is closed or hold elapses.
type heldWriter struct {
	release chan struct{}
	hold    time.Duration
	written atomic.Int32
}

func (w *heldWriter) Write(ctx context.Context, f *snapshot.Frame) error {
	select {
	case <-w.release:
	case <-time.After(w.hold):
	case <-ctx.Done():
		return ctx.Err()
	}
	w.written.Add(1)
	return nil
}

var _ = Describe("Engine", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("lifecycle", func() {
		It("refuses to step before setup", func() {
			e, err := New(testConfig(func(*config.Config) {}), nil, quiet())
			Expect(err).NotTo(HaveOccurred())
			_, err = e.Step(ctx)
			Expect(err).To(MatchError(ErrNotReady))
		})

		It("rejects an invalid config", func() {
			_, err := New(testConfig(func(c *config.Config) { c.Run.TimeStep = 0 }), nil, quiet())
			Expect(err).To(MatchError(config.ErrInvalidConfig))
		})

		It("cannot be reused after teardown", func() {
			e, err := New(testConfig(func(*config.Config) {}), nil, quiet())
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Setup(ctx)).To(Succeed())
			Expect(e.Setup(ctx)).To(MatchError(ErrSetupTwice))
			Expect(e.Teardown()).To(Succeed())
			_, err = e.Step(ctx)
			Expect(err).To(MatchError(ErrTornDown))
			Expect(e.Setup(ctx)).To(MatchError(ErrTornDown))
		})
	})

	Describe("direct gravity", func() {
		It("produces identical accelerations from identical state", func() {
			cfg := testConfig(func(c *config.Config) {
				c.Run.Force = config.ForceDirect
				c.Run.Eps = 0.01
			})
			bodies := mustBodies(models.Cube, 300, 4)

			a := setUp(ctx, cfg, bodies, quiet())
			b := setUp(ctx, cfg, bodies, quiet())
			for i := 0; i < 3; i++ {
				_, err := a.Step(ctx)
				Expect(err).NotTo(HaveOccurred())
				_, err = b.Step(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(a.Tree().Acc0).To(Equal(b.Tree().Acc0))
			Expect(a.Tree().Pos).To(Equal(b.Tree().Pos))
		})

		It("conserves the energy of a Kepler binary", func() {
			cfg := config.GetPreset("kepler")
			cfg.Log.Events = false
			cfg.Run.IterEnd = 1000
			e := setUp(ctx, cfg, mustBodies(models.Kepler, 2, 0), quiet())

			done := false
			for !done {
				var err error
				done, err = e.Step(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(math.Abs(e.Drift().DE)).To(BeNumerically("<", 1e-6))
			}
			Expect(e.Iter()).To(Equal(1000))
			Expect(e.Drift().MaxDE).To(BeNumerically("<", 1e-6))
		})

		It("wraps kernel failures in a StepError", func() {
			cfg := testConfig(func(c *config.Config) { c.Run.Force = config.ForceDirect })
			c := quiet()
			c.Kernel = brokenKernel{kernel.NewGravity(0, 0)}
			e, err := New(cfg, mustBodies(models.Cube, 10, 1), c)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Setup(ctx)).To(Succeed())

			_, err = e.Step(ctx)
			Expect(err).To(MatchError(errBroken))
			var se *StepError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(se.Phase).To(Equal("gravity"))
			Expect(se.Iter).To(Equal(0))

			// the lane stays poisoned
			Expect(e.Teardown()).To(MatchError(errBroken))
		})
	})

	Describe("tree maintenance", func() {
		It("rebuilds only on the rebuild cadence", func() {
			cfg := testConfig(func(c *config.Config) { c.Run.RebuildTreeRate = 3 })
			cb := &countingBuilder{Builder: octree.NewBuilder()}
			c := quiet()
			c.Builder = cb
			e := setUp(ctx, cfg, mustBodies(models.Plummer, 200, 1), c)

			for i := 0; i < 8; i++ {
				sorts, props := cb.sorts, cb.props
				iter := e.Iter()
				_, err := e.Step(ctx)
				Expect(err).NotTo(HaveOccurred())

				Expect(cb.props - props).To(Equal(1))
				if iter%3 == 0 {
					Expect(cb.sorts-sorts).To(Equal(1), "iteration %d should rebuild", iter)
				} else {
					Expect(cb.sorts-sorts).To(Equal(0), "iteration %d should only refresh", iter)
				}
			}
			Expect(cb.sorts).To(Equal(3))
			Expect(cb.builds).To(Equal(3))
		})

		It("counts every body active in single-rank shared mode", func() {
			e := setUp(ctx, testConfig(func(*config.Config) {}), mustBodies(models.Plummer, 100, 2), quiet())
			_, err := e.Step(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Tree().NActive).To(Equal(100))
		})
	})

	Describe("termination", func() {
		It("stops exactly at iterEnd", func() {
			e := setUp(ctx, testConfig(func(c *config.Config) { c.Run.IterEnd = 3 }), mustBodies(models.Cube, 20, 1), quiet())
			for i := 0; i < 3; i++ {
				done, err := e.Step(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(done).To(BeFalse(), "iteration %d", i)
			}
			Expect(e.Iter()).To(Equal(3))
			done, err := e.Step(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
		})

		It("stops once tEnd is reached", func() {
			cfg := testConfig(func(c *config.Config) {
				c.Run.TimeStep = 0.25
				c.Run.TEnd = 0.5
				c.Run.IterEnd = 100
			})
			e := setUp(ctx, cfg, mustBodies(models.Cube, 20, 1), quiet())

			for _, want := range []float64{0, 0.25} {
				done, err := e.Step(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(done).To(BeFalse())
				Expect(e.Time()).To(Equal(want))
			}
			done, err := e.Step(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
			Expect(e.Time()).To(Equal(0.5))
			Expect(e.PreviousTime()).To(Equal(0.25))
		})

		It("checks the energy once more and logs the end of the run at tEnd", func() {
			st, run := newRun("cube")
			var out bytes.Buffer
			c := quiet()
			c.Stdout = &out
			c.Run = run
			cfg := testConfig(func(c *config.Config) {
				c.Run.TimeStep = 0.25
				c.Run.TEnd = 0.5
				c.Run.IterEnd = 100
				c.Log.Events = true
			})
			e, err := New(cfg, mustBodies(models.Cube, 20, 1), c)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())
			Expect(run.Finish(e.Iter(), e.Time(), nil)).To(Succeed())

			final := regexp.MustCompile(`(?m)^iter=2 : time= 0.5 `)
			Expect(final.FindAllString(out.String(), -1)).To(HaveLen(2))
			rows, err := st.LoadEnergy(run.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(4))
			Expect(rows[3].Iter).To(Equal(2))
			Expect(rows[3].Time).To(Equal(0.5))
			Expect(rows[3].Etot).To(Equal(rows[2].Etot))

			events, err := os.ReadFile(filepath.Join(run.Dir(), "events-0.log"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(events)).To(ContainSubstring("Finished: 0.500000 > 0.500000 loop alone took"))
			Expect(string(events)).To(HavePrefix("Start execution\n"))
		})
	})

	Describe("block timesteps", func() {
		It("advances a monotone clock with partial active sets", func() {
			cfg := config.GetPreset("plummer-block")
			cfg.Log.Events = false
			cfg.Run.IterEnd = 40
			e := setUp(ctx, cfg, mustBodies(models.Plummer, 300, 5), quiet())

			last := -1.0
			partial := false
			done := false
			for !done {
				var err error
				done, err = e.Step(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(e.Time()).To(BeNumerically(">=", last))
				Expect(e.Tree().NActive).To(BeNumerically("<=", e.Tree().N))
				if e.Tree().NActive < e.Tree().N {
					partial = true
				}
				last = e.Time()
			}
			Expect(partial).To(BeTrue())
		})
	})

	Describe("reporting", func() {
		It("writes the energy line on the root rank and the TIME line on run", func() {
			var out, errOut bytes.Buffer
			c := quiet()
			c.Stdout, c.Stderr = &out, &errOut
			cfg := testConfig(func(c *config.Config) { c.Run.IterEnd = 1 })
			e, err := New(cfg, mustBodies(models.Cube, 30, 2), c)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())

			Expect(out.String()).To(MatchRegexp(`(?m)^iter=0 : time= 0  Etot= \S+  Ekin= \S+   Epot= \S+ : de= -?0 \( 0 \) d\(de\)= -?0 \( 0 \) t_sim= \S+ sec$`))
			Expect(out.String()).To(MatchRegexp(`(?m)^TIME \[00\] TOTAL: \S+\t Grav: \S+ \(GPUgrav \S+, LET Com: \S+\)\tBuild: \S+\tDomain: \S+\t Wait: \S+\tdomUp: \S+\tdomEx: \S+\tdomWait: \S+\ttPredCor: \S+$`))
			Expect(errOut.String()).To(Equal(out.String()))
		})

		It("resets the accumulated timings during warm-up", func() {
			d := IterationData{TotalGrav: time.Second, TotalBuild: time.Second, LastWait: time.Second, TotalWait: time.Second}
			now := time.Now()
			d.reset(now)
			Expect(d.TotalGrav).To(BeZero())
			Expect(d.TotalBuild).To(BeZero())
			Expect(d.LastWait).To(BeZero())
			Expect(d.TotalWait).To(Equal(time.Second))
			Expect(d.StartTime).To(Equal(now))
		})
	})

	Describe("snapshots", func() {
		It("hands one snapshot per interval to the writer", func() {
			dir := GinkgoT().TempDir()
			h := snapshot.NewHandoff()
			served := make(chan error, 1)
			go func() { served <- snapshot.Serve(ctx, h, &snapshot.DiskWriter{Dir: dir}) }()

			cfg := testConfig(func(c *config.Config) {
				c.Run.TimeStep = 0.125
				c.Run.IterEnd = 4
				c.Snapshot.Interval = 0.25
			})
			c := quiet()
			c.Snapshots = h
			e, err := New(cfg, mustBodies(models.Cube, 16, 3), c)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())
			h.Close()
			Eventually(served).Should(Receive(BeNil()))

			entries, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
			f, err := snapshot.ReadFile(dir + "/snapshot_00000.2500-0")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Records).To(HaveLen(16))
		})
	})

	Describe("multiple ranks", func() {
		It("distributes the bodies and agrees on the energy", func() {
			const ranks, n = 3, 600
			bodies := mustBodies(models.Plummer, n, 9)

			type result struct {
				n        int
				de       float64
				launches int
			}
			var mu sync.Mutex
			results := map[int]result{}

			err := comm.RunLocal(ctx, ranks, func(ctx context.Context, cm comm.Communicator) error {
				cfg := testConfig(func(c *config.Config) {
					c.Run.IterEnd = 4
					c.Run.Theta = 0.5
					c.Ranks = ranks
				})
				var mine []octree.Body
				if cm.Rank() == 0 {
					mine = bodies
				}
				c := quiet()
				c.Comm = cm
				e, err := New(cfg, mine, c)
				if err != nil {
					return err
				}
				if err := e.Run(ctx); err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				results[cm.Rank()] = result{
					n:        e.Tree().N,
					de:       e.Drift().DE,
					launches: e.Exchanger().Slot().Launches(),
				}
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(ranks))

			total := 0
			for _, r := range results {
				total += r.n
				Expect(r.n).To(BeNumerically(">", 0))
				Expect(r.de).To(Equal(results[0].de))
				Expect(r.launches).To(Equal(5 * (ranks - 1)))
			}
			Expect(total).To(Equal(n))
			Expect(math.Abs(results[0].de)).To(BeNumerically("<", 1e-2))
		})
	})

	Describe("statistics", func() {
		It("writes one collective profile per interval on the root rank", func() {
			const ranks, n = 2, 400
			st, run := newRun("plummer")
			bodies := mustBodies(models.Plummer, n, 6)

			err := comm.RunLocal(ctx, ranks, func(ctx context.Context, cm comm.Communicator) error {
				cfg := testConfig(func(c *config.Config) {
					c.Run.TimeStep = 0.125
					c.Run.IterEnd = 4
					c.Stats.Interval = 0.25
					c.Stats.Bins = 8
					c.Ranks = ranks
				})
				var mine []octree.Body
				if cm.Rank() == 0 {
					mine = bodies
				}
				c := quiet()
				c.Comm = cm
				c.Run = run
				e, err := New(cfg, mine, c)
				if err != nil {
					return err
				}
				return e.Run(ctx)
			})
			Expect(err).NotTo(HaveOccurred())

			names, err := st.ListStats(run.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"profile_00000.0000", "profile_00000.2500", "profile_00000.5000"}))

			table, err := st.LoadStats(run.ID(), names[2])
			Expect(err).NotTo(HaveOccurred())
			Expect(table).To(HaveLen(9))
			Expect(table[0][2]).To(Equal("count"))
			total := 0.0
			for _, row := range table[1:] {
				v, err := strconv.ParseFloat(row[2], 64)
				Expect(err).NotTo(HaveOccurred())
				total += v
			}
			Expect(total).To(Equal(float64(n)))
		})
	})

	Describe("snapshots across many ranks", func() {
		// Up to 16 ranks the controller waits for each snapshot to be
		// written; beyond that it only waits before filling the next one.
		DescribeTable("waiting after publishing",
			func(ranks int, pendingAfterStep bool) {
				bodies := mustBodies(models.Plummer, 16*ranks, 8)
				var mu sync.Mutex
				pending := map[int]bool{}

				err := comm.RunLocal(ctx, ranks, func(ctx context.Context, cm comm.Communicator) error {
					w := &heldWriter{release: make(chan struct{}), hold: 300 * time.Millisecond}
					h := snapshot.NewHandoff()
					served := make(chan error, 1)
					go func() { served <- snapshot.Serve(ctx, h, w) }()

					cfg := testConfig(func(c *config.Config) {
						c.Run.IterEnd = 1
						c.Run.Theta = 0.5
						c.Snapshot.Interval = 1
						c.Ranks = ranks
					})
					var mine []octree.Body
					if cm.Rank() == 0 {
						mine = bodies
					}
					c := quiet()
					c.Comm = cm
					c.Snapshots = h
					e, err := New(cfg, mine, c)
					if err != nil {
						return err
					}
					if err := e.Setup(ctx); err != nil {
						return err
					}
					if _, err := e.Step(ctx); err != nil {
						return err
					}
					mu.Lock()
					pending[cm.Rank()] = w.written.Load() == 0
					mu.Unlock()

					close(w.release)
					if err := h.Drain(ctx); err != nil {
						return err
					}
					if err := <-served; err != nil {
						return err
					}
					if w.written.Load() != 1 {
						return errors.New("snapshot not written")
					}
					return e.Teardown()
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(HaveLen(ranks))
				for r, p := range pending {
					Expect(p).To(Equal(pendingAfterStep), "rank %d", r)
				}
			},
			Entry("2 ranks wait for the writer", 2, false),
			Entry("17 ranks return while the write is pending", 17, true),
		)
	})
})
