package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/metrics"
	"github.com/san-kum/treegrav/internal/storage"
)

// Step performs one iteration and reports whether the run is finished.
// Any error is fatal for the run.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	if !e.ready {
		if e.tornDown {
			return false, ErrTornDown
		}
		return false, ErrNotReady
	}
	d := &e.idata
	if e.iter < warmupIterations {
		d.reset(time.Now())
	}

	t0 := time.Now()
	if err := e.predict(ctx); err != nil {
		return false, e.fail("predict", err)
	}
	d.TotalPredCor += time.Since(t0)

	if e.feedback.Due(e.iter) {
		if err := e.updateDomain(ctx); err != nil {
			return false, e.fail("domain update", err)
		}
	}

	// Recomputing the domain box only after a rebalance degrades the
	// results, so the sort always refreshes it.
	needDomainUpdate := true

	tGrav := time.Now()
	if e.cfg.Run.Force == config.ForceDirect {
		e.lanes.grav.Record(&e.startLocal)
		e.lanes.grav.Enqueue("direct gravity", func() error { return e.kernel.Direct(e.tree) })
		e.lanes.grav.Record(&e.endLocal)
	} else {
		if err := e.maintainTree(needDomainUpdate); err != nil {
			return false, e.fail("tree maintenance", err)
		}
		tGrav = time.Now()
		e.lanes.grav.Record(&e.startLocal)
		e.lanes.grav.Enqueue("approximate gravity", func() error { return e.kernel.Approximate(e.tree) })
		e.lanes.grav.Record(&e.endLocal)

		e.exchanger.ResetTiming()
		if e.size > 1 {
			if err := e.exchanger.Exchange(ctx, e.tree); err != nil {
				return false, e.fail("let exchange", err)
			}
		}
	}

	// join point: every force result is host visible after this
	if err := e.lanes.grav.Sync(); err != nil {
		return false, e.fail("gravity", err)
	}
	d.LastGrav = time.Since(tGrav)
	d.TotalGrav += d.LastGrav

	var msLET float32
	if e.cfg.Run.Force == config.ForceTree {
		d.LastLETComm = e.exchanger.Stats().CommTime
		d.TotalLETComm += d.LastLETComm
		if e.size > 1 {
			ms, err := e.exchanger.Finish()
			if err != nil {
				return false, e.fail("let timing", err)
			}
			msLET = ms
			e.tree.NActive = int(e.exchanger.ActiveRemote())
		} else {
			e.tree.NActive = e.tree.N
		}
	}

	e.logInteractions()

	ms, err := compute.Elapsed(&e.startLocal, &e.endLocal)
	if err != nil {
		return false, e.fail("gravity timing", err)
	}
	e.event("APPTIME [%d]: Iter: %d\t%g \tn: %d EventTime: %f  and %f\tSum: %f\n",
		e.rank, e.iter, d.LastGrav.Seconds(), e.tree.N, ms, msLET, ms+msLET)
	d.LastGPUGravLocal = ms
	d.LastGPUGravLET = msLET
	d.TotalGPUGravLocal += ms
	d.TotalGPUGravLET += msLET
	e.lastLocal = ms
	e.lastTotal = ms + msLET

	t0 = time.Now()
	var nActive int
	err = onLane(e.lanes.exec, "correct", func() error {
		nActive = e.policy.Correct(e.tree, e.tCurrent)
		return nil
	})
	if err != nil {
		return false, e.fail("correct", err)
	}
	d.TotalPredCor += time.Since(t0)

	if e.size > 1 {
		tw := time.Now()
		e.feedback.Record(float64(e.lastTotal) / 1000)
		if _, err := e.feedback.Reduce(ctx); err != nil {
			return false, e.fail("load reduction", err)
		}
		d.LastWait += time.Since(tw)
		d.TotalWait += d.LastWait
	}
	d.NactSinceRebuild += nActive

	t0 = time.Now()
	if err := e.checkEnergy(ctx); err != nil {
		return false, e.fail("energy", err)
	}
	d.TotalPredCor += time.Since(t0)

	if err := e.dumpStats(ctx); err != nil {
		return false, e.fail("statistics", err)
	}
	if err := e.dumpSnapshot(ctx); err != nil {
		return false, e.fail("snapshot", err)
	}
	e.observe()

	if e.iter >= e.cfg.Run.IterEnd {
		return true, nil
	}
	if e.tCurrent >= e.cfg.Run.TEnd {
		if err := e.checkEnergy(ctx); err != nil {
			return false, e.fail("energy", err)
		}
		e.log.Infof("Finished: %f > %f loop alone took %f", e.tCurrent, e.cfg.Run.TEnd, time.Since(d.StartTime).Seconds())
		e.event("Finished: %f > %f loop alone took %f\n", e.tCurrent, e.cfg.Run.TEnd, time.Since(d.StartTime).Seconds())
		return true, nil
	}
	e.iter++
	return false, nil
}

// predict advances the clock to the next trial time and drifts the bodies.
// In block mode every rank must agree on the trial time.
func (e *Engine) predict(ctx context.Context) error {
	next := e.policy.NextTime(e.tree, e.tCurrent)
	if e.size > 1 && e.cfg.Run.Timestep == config.TimestepBlock {
		var err error
		if next, err = e.comm.AllreduceFloat64(ctx, next, comm.OpMin); err != nil {
			return err
		}
	}
	e.tPrevious = e.tCurrent
	e.tCurrent = next
	return onLane(e.lanes.exec, "predict", func() error {
		e.policy.Predict(e.tree, e.tCurrent)
		return nil
	})
}

func (e *Engine) updateDomain(ctx context.Context) error {
	d := &e.idata
	tm, err := e.feedback.Rebalance(ctx, e.tree)
	if err != nil {
		return err
	}
	d.LastDom = tm.Update + tm.Exchange
	d.TotalDom += d.LastDom
	d.TotalDomUp += tm.Update
	d.TotalDomEx += tm.Exchange
	d.TotalDomWait += tm.Wait

	// migrated bodies arrive with their canonical state only
	return onLane(e.lanes.exec, "predict migrated", func() error {
		e.policy.Predict(e.tree, e.tCurrent)
		return nil
	})
}

// maintainTree rebuilds the tree on the rebuild cadence and otherwise only
// refreshes the node properties.
func (e *Engine) maintainTree(updateDomain bool) error {
	d := &e.idata
	if e.iter%e.cfg.Run.RebuildTreeRate != 0 {
		return onLane(e.lanes.exec, "compute properties", func() error {
			return e.builder.ComputeProperties(e.tree)
		})
	}

	t1 := time.Now()
	err := onLane(e.lanes.exec, "rebuild tree", func() error {
		if err := e.builder.Sort(e.tree, updateDomain); err != nil {
			return err
		}
		if err := e.builder.Build(e.tree); err != nil {
			return err
		}
		return e.builder.ComputeProperties(e.tree)
	})
	if err != nil {
		return err
	}
	d.NactSinceRebuild = 0
	d.LastBuild = time.Since(t1)
	d.TotalBuild += d.LastBuild
	e.log.WithFields(logrus.Fields{
		"nodes": e.tree.NNodes(),
		"took":  d.LastBuild,
	}).Debug("tree rebuilt")
	return nil
}

func (e *Engine) logInteractions() {
	var direct, approx int64
	for _, in := range e.tree.Interact[:e.tree.N] {
		direct += in.Direct
		approx += in.Approx
	}
	n := float32(max(e.tree.N, 1))
	e.event("INT Interaction at (rank= %d ) iter: %d\tdirect: %d\tappr: %d\tavg dir: %f\tavg appr: %f\n",
		e.rank, e.iter, direct, approx, float32(direct)/n, float32(approx)/n)
}

func (e *Engine) checkEnergy(ctx context.Context) error {
	d, err := e.monitor.Compute(ctx, e.tree)
	if err != nil {
		return err
	}
	if e.simStart.IsZero() {
		e.simStart = time.Now()
	}
	e.drift = d
	if !e.root() {
		return nil
	}

	line := fmt.Sprintf("iter=%d : time= %g  Etot= %.10g  Ekin= %g   Epot= %g : de= %g ( %g ) d(de)= %g ( %g ) t_sim= %g sec\n",
		e.iter, e.tCurrent, d.Tot, d.Kin, d.Pot, d.DE, d.MaxDE, d.DDE, d.MaxDDE, time.Since(e.simStart).Seconds())
	fmt.Fprint(e.stdout, line)
	fmt.Fprint(e.stderr, line)

	if e.run != nil {
		return e.run.LogEnergy(storage.EnergyRow{
			Iter: e.iter, Time: e.tCurrent,
			Etot: d.Tot, Ekin: d.Kin, Epot: d.Pot,
			DE: d.DE, DDE: d.DDE,
		})
	}
	return nil
}

func (e *Engine) dumpStats(ctx context.Context) error {
	interval := e.cfg.Stats.Interval
	if interval <= 0 || e.tCurrent < e.nextStats {
		return nil
	}
	e.nextStats += interval

	start := time.Now()
	p, err := metrics.RadialProfile(ctx, e.comm, e.tree, e.cfg.Stats.Bins)
	if err != nil {
		return err
	}
	if e.root() {
		if e.run != nil {
			if err := e.run.WriteStats(fmt.Sprintf("profile_%010.4f", e.tCurrent), p.Rows()); err != nil {
				return err
			}
		}
		e.log.Debugf("statistics took %s", time.Since(start))
	}
	return nil
}

// dumpSnapshot hands the bodies to the snapshot writer on its cadence.
// It waits for the previous snapshot to be written before touching the
// frame.
func (e *Engine) dumpSnapshot(ctx context.Context) error {
	interval := e.cfg.Snapshot.Interval
	if interval <= 0 || e.snapshots == nil || e.tCurrent < e.nextSnap {
		return nil
	}
	e.nextSnap += interval

	f, err := e.snapshots.Acquire(ctx)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("snapshot_%010.4f-%d", e.tCurrent, e.rank)
	if err := f.Fill(e.tree, e.tCurrent, name); err != nil {
		e.snapshots.Done(f)
		return err
	}
	e.snapshots.Publish(f)
	if e.size <= 16 {
		return e.snapshots.Wait(ctx)
	}
	return nil
}

func (e *Engine) observe() {
	if e.telemetry == nil {
		return
	}
	d := e.idata
	e.telemetry.Observe(metrics.Sample{
		Rank: e.rank,
		Phases: map[string]float64{
			"gravity": d.LastGrav.Seconds(),
			"build":   d.LastBuild.Seconds(),
			"domain":  d.LastDom.Seconds(),
			"let":     d.LastLETComm.Seconds(),
		},
		Active:  e.tree.NActive,
		Bodies:  e.tree.N,
		Time:    e.tCurrent,
		DE:      e.drift.DE,
		LETSent: int64(e.exchanger.Stats().SentWords),
	})
}
