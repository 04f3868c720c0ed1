package analysis

import (
	"errors"
	"math/cmplx"
	"sort"

	"github.com/mjibson/go-dsp/fft"

	"github.com/san-kum/treegrav/internal/storage"
)

// MinSamples is the shortest energy log a spectrum is computed from.
const MinSamples = 8

var (
	ErrTooShort   = errors.New("analysis: too few energy samples")
	ErrNoDuration = errors.New("analysis: energy log spans no time")
)

type Spectrum struct {
	// Step is the resampled time spacing.
	Step  float64
	Freq  []float64
	Power []float64
}

// EnergySpectrum returns the one-sided amplitude spectrum of the relative
// energy error, without the DC bin.
func EnergySpectrum(rows []storage.EnergyRow) (Spectrum, error) {
	if len(rows) < MinSamples {
		return Spectrum{}, ErrTooShort
	}
	t0, t1 := rows[0].Time, rows[len(rows)-1].Time
	if t1 <= t0 {
		return Spectrum{}, ErrNoDuration
	}

	n := len(rows)
	step := (t1 - t0) / float64(n-1)
	data := resample(rows, t0, step, n)

	var mean float64
	for _, v := range data {
		mean += v
	}
	mean /= float64(n)
	for i := range data {
		data[i] -= mean
	}

	coeffs := fft.FFTReal(data)
	half := n / 2
	s := Spectrum{
		Step:  step,
		Freq:  make([]float64, half),
		Power: make([]float64, half),
	}
	for k := 1; k <= half; k++ {
		s.Freq[k-1] = float64(k) / (float64(n) * step)
		s.Power[k-1] = 2 * cmplx.Abs(coeffs[k]) / float64(n)
	}
	return s, nil
}

// Dominant returns the frequency and period of the strongest bin.
func (s Spectrum) Dominant() (freq, period float64) {
	best := -1
	for k, p := range s.Power {
		if best < 0 || p > s.Power[best] {
			best = k
		}
	}
	if best < 0 {
		return 0, 0
	}
	return s.Freq[best], 1 / s.Freq[best]
}

// resample interpolates DE linearly at t0 + i*step. Rows must be ordered
// by time; repeated times keep the last value.
func resample(rows []storage.EnergyRow, t0, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := t0 + float64(i)*step
		j := sort.Search(len(rows), func(k int) bool { return rows[k].Time > t })
		switch {
		case j == 0:
			out[i] = rows[0].DE
		case j == len(rows):
			out[i] = rows[len(rows)-1].DE
		default:
			a, b := rows[j-1], rows[j]
			w := (t - a.Time) / (b.Time - a.Time)
			out[i] = a.DE + w*(b.DE-a.DE)
		}
	}
	return out
}
