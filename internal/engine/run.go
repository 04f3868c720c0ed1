package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/let"
)

// Setup creates the execution lanes and distributes the initial bodies over
// the ranks. It is a collective call.
func (e *Engine) Setup(ctx context.Context) error {
	if e.tornDown {
		return ErrTornDown
	}
	if e.ready {
		return ErrSetupTwice
	}

	for _, l := range []struct {
		dst  *compute.Lane
		name string
	}{
		{&e.lanes.exec, "exec"},
		{&e.lanes.grav, "grav"},
		{&e.lanes.copy, "copy"},
		{&e.lanes.transfer, "letTransfer"},
	} {
		lane, err := e.backend.NewLane(l.name)
		if err != nil {
			e.closeLanes()
			return fmt.Errorf("creating %s lane: %w", l.name, err)
		}
		*l.dst = lane
	}
	e.startLocal = compute.Event{}
	e.endLocal = compute.Event{}

	if e.run != nil && e.cfg.Log.Events {
		w, err := e.run.EventLog(e.rank)
		if err != nil {
			e.closeLanes()
			return err
		}
		e.events = w
	}
	e.event("Start execution\n")

	e.exchanger = let.NewExchanger(e.comm, e.kernel, e.lanes.transfer, e.lanes.grav, e.cfg.Run.Theta, e.log)

	spread, err := e.feedback.Setup(ctx, e.tree)
	if err != nil {
		e.closeLanes()
		return fmt.Errorf("initial distribution: %w", err)
	}
	if e.size > 1 {
		e.log.WithFields(logrus.Fields{
			"attempts": spread.Attempts,
			"bodies":   e.tree.N,
		}).Debug("particle setup done")
	}

	e.nextSnap = e.tCurrent
	e.nextStats = e.tCurrent
	e.idata = IterationData{StartTime: time.Now()}
	e.ready = true
	return nil
}

// Teardown waits for outstanding lane work and destroys the lanes. The
// engine cannot be set up again.
func (e *Engine) Teardown() error {
	if e.tornDown {
		return nil
	}
	e.tornDown = true
	e.ready = false
	var errs []error
	if e.exchanger != nil {
		if _, err := e.exchanger.Finish(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.closeLanes())
	return errors.Join(errs...)
}

func (e *Engine) closeLanes() error {
	var errs []error
	for _, l := range e.lanes.all() {
		if l == nil {
			continue
		}
		if err := l.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.lanes = lanes{}
	return errors.Join(errs...)
}

// Run sets the engine up, steps until the run finishes and tears it down.
// The TIME line is reported after every iteration.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.ready {
		if err := e.Setup(ctx); err != nil {
			return err
		}
	}
	defer func() {
		if terr := e.Teardown(); err == nil {
			err = terr
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := e.Step(ctx)
		if err != nil {
			return err
		}

		var line strings.Builder
		e.idata.WriteTime(&line, e.rank, time.Now())
		e.report(line.String())

		if done {
			return nil
		}
	}
}
