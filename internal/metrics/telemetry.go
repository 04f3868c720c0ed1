package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sample is what one rank reports after an iteration. Durations are seconds.
type Sample struct {
	Rank    int
	Phases  map[string]float64
	Active  int
	Bodies  int
	Time    float64
	DE      float64
	LETSent int64
}

// Telemetry exports per-rank iteration metrics. One instance is shared by
// all ranks of a process.
type Telemetry struct {
	gatherer   prometheus.Gatherer
	iterations *prometheus.CounterVec
	phase      *prometheus.HistogramVec
	active     *prometheus.GaugeVec
	bodies     *prometheus.GaugeVec
	simTime    *prometheus.GaugeVec
	drift      *prometheus.GaugeVec
	letWords   *prometheus.CounterVec
}

func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Telemetry{
		gatherer: reg,
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treegrav_iterations_total",
			Help: "Completed iterations",
		}, []string{"rank"}),
		phase: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treegrav_phase_duration_seconds",
			Help:    "Wall time per iteration phase",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"rank", "phase"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treegrav_active_bodies",
			Help: "Bodies corrected in the last iteration",
		}, []string{"rank"}),
		bodies: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treegrav_local_bodies",
			Help: "Bodies owned by the rank",
		}, []string{"rank"}),
		simTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treegrav_simulated_time",
			Help: "Current simulated time",
		}, []string{"rank"}),
		drift: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treegrav_energy_drift",
			Help: "Relative total energy drift since the baseline",
		}, []string{"rank"}),
		letWords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treegrav_let_sent_words_total",
			Help: "Words of remote tree data sent",
		}, []string{"rank"}),
	}
}

func (t *Telemetry) Observe(s Sample) {
	if t == nil {
		return
	}
	rank := strconv.Itoa(s.Rank)
	t.iterations.WithLabelValues(rank).Inc()
	for name, sec := range s.Phases {
		t.phase.WithLabelValues(rank, name).Observe(sec)
	}
	t.active.WithLabelValues(rank).Set(float64(s.Active))
	t.bodies.WithLabelValues(rank).Set(float64(s.Bodies))
	t.simTime.WithLabelValues(rank).Set(s.Time)
	t.drift.WithLabelValues(rank).Set(s.DE)
	if s.LETSent > 0 {
		t.letWords.WithLabelValues(rank).Add(float64(s.LETSent))
	}
}

func (t *Telemetry) Gatherer() prometheus.Gatherer { return t.gatherer }

func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{})
}
