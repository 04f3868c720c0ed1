// Package analysis post-processes stored runs.
//
// The energy spectrum resamples a run's relative energy error onto a
// uniform time grid and locates its dominant oscillation. For a bound
// binary that is twice the orbital frequency; for a relaxed cluster the
// spectrum is flat.
package analysis
