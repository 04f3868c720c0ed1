// Package engine drives the iteration loop of one rank: predict, domain
// update, tree maintenance, local and remote gravity, correction, energy
// checks and the periodic side effects.
package engine

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/san-kum/treegrav/internal/balance"
	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/integrate"
	"github.com/san-kum/treegrav/internal/kernel"
	"github.com/san-kum/treegrav/internal/let"
	"github.com/san-kum/treegrav/internal/metrics"
	"github.com/san-kum/treegrav/internal/octree"
	"github.com/san-kum/treegrav/internal/snapshot"
	"github.com/san-kum/treegrav/internal/storage"
)

// TreeBuilder maintains the octree over the local bodies.
type TreeBuilder interface {
	Sort(t *octree.Tree, updateDomain bool) error
	Build(t *octree.Tree) error
	ComputeProperties(t *octree.Tree) error
}

// ForceKernel evaluates gravity into Acc1 of the active bodies. Direct and
// Approximate overwrite; the remote variant adds.
type ForceKernel interface {
	Direct(t *octree.Tree) error
	Approximate(t *octree.Tree) error
	let.RemoteKernel
}

// Components are the collaborators of an Engine. Nil fields get defaults in
// New: a single-rank communicator, the CPU backend, the octree builder, the
// reference gravity kernel, the policy named by the config and a slab
// planner. Run, Telemetry and Snapshots are optional.
type Components struct {
	Comm      comm.Communicator
	Backend   compute.Backend
	Builder   TreeBuilder
	Kernel    ForceKernel
	Policy    integrate.Policy
	Planner   balance.Planner
	Run       *storage.Run
	Telemetry *metrics.Telemetry
	Snapshots *snapshot.Handoff

	Log *logrus.Entry
	// Stdout and Stderr receive the report lines on the root rank.
	Stdout io.Writer
	Stderr io.Writer
}

type lanes struct {
	exec, grav, copy, transfer compute.Lane
}

func (l *lanes) all() []compute.Lane {
	return []compute.Lane{l.exec, l.grav, l.copy, l.transfer}
}

// Engine owns the simulation state of one rank for one run.
type Engine struct {
	cfg  config.Config
	rank int
	size int

	comm      comm.Communicator
	backend   compute.Backend
	builder   TreeBuilder
	kernel    ForceKernel
	policy    integrate.Policy
	feedback  *balance.Feedback
	monitor   *metrics.EnergyMonitor
	exchanger *let.Exchanger
	run       *storage.Run
	telemetry *metrics.Telemetry
	snapshots *snapshot.Handoff

	log    *logrus.Entry
	stdout io.Writer
	stderr io.Writer
	events io.Writer

	tree  *octree.Tree
	lanes lanes

	startLocal, endLocal compute.Event

	tCurrent  float64
	tPrevious float64
	iter      int
	nextSnap  float64
	nextStats float64
	idata     IterationData
	drift     metrics.Drift
	simStart  time.Time

	lastLocal float32
	lastTotal float32

	ready    bool
	tornDown bool
}

func New(cfg *config.Config, bodies []octree.Body, c Components) (*Engine, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	run := cfg.Run

	if c.Comm == nil {
		c.Comm = comm.NewSingle()
	}
	if c.Backend == nil {
		c.Backend = compute.NewCPUBackend()
	}
	if c.Builder == nil {
		c.Builder = octree.NewBuilder()
	}
	if c.Kernel == nil {
		c.Kernel = kernel.NewGravity(run.Eps, run.Theta)
	}
	if c.Policy == nil {
		p, err := integrate.NewPolicy(run)
		if err != nil {
			return nil, err
		}
		c.Policy = p
	}
	if c.Planner == nil {
		c.Planner = balance.NewSlabPlanner(c.Comm)
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}

	rank := c.Comm.Rank()
	log := c.Log.WithField("rank", rank)
	return &Engine{
		cfg:       *cfg,
		rank:      rank,
		size:      c.Comm.Size(),
		comm:      c.Comm,
		backend:   c.Backend,
		builder:   c.Builder,
		kernel:    c.Kernel,
		policy:    c.Policy,
		feedback:  balance.NewFeedback(c.Comm, c.Planner, run.RebuildTreeRate, log),
		monitor:   metrics.NewEnergyMonitor(c.Comm),
		run:       c.Run,
		telemetry: c.Telemetry,
		snapshots: c.Snapshots,
		log:       log,
		stdout:    c.Stdout,
		stderr:    c.Stderr,
		events:    io.Discard,
		tree:      octree.NewTree(bodies),
	}, nil
}

func (e *Engine) Tree() *octree.Tree        { return e.tree }
func (e *Engine) Iter() int                 { return e.iter }
func (e *Engine) Time() float64             { return e.tCurrent }
func (e *Engine) PreviousTime() float64     { return e.tPrevious }
func (e *Engine) Drift() metrics.Drift      { return e.drift }
func (e *Engine) Data() IterationData       { return e.idata }
func (e *Engine) Exchanger() *let.Exchanger { return e.exchanger }
func (e *Engine) MultiRank() bool           { return e.size > 1 }
func (e *Engine) Policy() integrate.Policy  { return e.policy }
func (e *Engine) Config() config.Config     { return e.cfg }

// LastCost returns the local and total gravity lane time of the last
// iteration in milliseconds.
func (e *Engine) LastCost() (local, total float32) { return e.lastLocal, e.lastTotal }

func (e *Engine) root() bool { return e.rank == comm.Root }

// report writes a fixed-format line to both sinks on the root rank and to
// the event log on every rank.
func (e *Engine) report(line string) {
	if e.root() {
		fmt.Fprint(e.stderr, line)
		fmt.Fprint(e.stdout, line)
	}
	fmt.Fprint(e.events, line)
}

func (e *Engine) event(format string, args ...any) {
	fmt.Fprintf(e.events, format, args...)
}

func (e *Engine) fail(phase string, err error) error {
	return &StepError{Iter: e.iter, Time: e.tCurrent, Phase: phase, Wrapped: err}
}

// onLane runs fn on lane and waits for it.
func onLane(lane compute.Lane, op string, fn func() error) error {
	lane.Enqueue(op, fn)
	return lane.Sync()
}
