package engine

import (
	"fmt"
	"io"
	"time"
)

// warmupIterations are excluded from the accumulated timings.
const warmupIterations = 32

// IterationData accumulates timings for the TIME report. It feeds no
// control decision.
type IterationData struct {
	StartTime time.Time

	LastGrav  time.Duration
	TotalGrav time.Duration

	LastGPUGravLocal  float32
	LastGPUGravLET    float32
	TotalGPUGravLocal float32
	TotalGPUGravLET   float32

	LastLETComm  time.Duration
	TotalLETComm time.Duration

	LastBuild  time.Duration
	TotalBuild time.Duration

	LastDom      time.Duration
	TotalDom     time.Duration
	TotalDomUp   time.Duration
	TotalDomEx   time.Duration
	TotalDomWait time.Duration

	LastWait  time.Duration
	TotalWait time.Duration

	TotalPredCor time.Duration

	NactSinceRebuild int
}

// reset clears the accumulators the report prints and restarts the clock.
func (d *IterationData) reset(now time.Time) {
	d.TotalGPUGravLocal = 0
	d.TotalGPUGravLET = 0
	d.TotalLETComm = 0
	d.TotalBuild = 0
	d.TotalDom = 0
	d.LastWait = 0
	d.StartTime = now
	d.TotalGrav = 0
	d.TotalDomUp = 0
	d.TotalDomEx = 0
	d.TotalDomWait = 0
	d.TotalPredCor = 0
}

// WriteTime writes the TIME line of rank.
func (d *IterationData) WriteTime(w io.Writer, rank int, now time.Time) error {
	_, err := fmt.Fprintf(w,
		"TIME [%02d] TOTAL: %g\t Grav: %g (GPUgrav %g, LET Com: %g)\tBuild: %g\tDomain: %g\t Wait: %g\tdomUp: %g\tdomEx: %g\tdomWait: %g\ttPredCor: %g\n",
		rank, now.Sub(d.StartTime).Seconds(), d.TotalGrav.Seconds(),
		float64(d.TotalGPUGravLocal+d.TotalGPUGravLET)/1000,
		d.TotalLETComm.Seconds(),
		d.TotalBuild.Seconds(), d.TotalDom.Seconds(), d.LastWait.Seconds(),
		d.TotalDomUp.Seconds(), d.TotalDomEx.Seconds(), d.TotalDomWait.Seconds(),
		d.TotalPredCor.Seconds())
	return err
}
