package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/san-kum/treegrav/internal/comm"
	"github.com/san-kum/treegrav/internal/compute"
	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/engine"
	"github.com/san-kum/treegrav/internal/metrics"
	"github.com/san-kum/treegrav/internal/models"
	"github.com/san-kum/treegrav/internal/octree"
	"github.com/san-kum/treegrav/internal/snapshot"
	"github.com/san-kum/treegrav/internal/storage"
	"github.com/san-kum/treegrav/internal/viz"
)

// loadConfig resolves the run configuration: defaults, then the preset,
// then the config file, then any flag given on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("model") {
		cfg.Model.Name = model
	}
	if changed("bodies") {
		cfg.Model.N = numBodies
	}
	if changed("seed") {
		cfg.Model.Seed = seed
	}
	if changed("iter-end") {
		cfg.Run.IterEnd = iterEnd
	}
	if changed("t-end") {
		cfg.Run.TEnd = tEnd
	}
	if changed("dt") {
		cfg.Run.TimeStep = dt
	}
	if changed("timestep") {
		m, err := config.ParseTimestepMode(timestep)
		if err != nil {
			return nil, err
		}
		cfg.Run.Timestep = m
	}
	if changed("force") {
		m, err := config.ParseForceMode(force)
		if err != nil {
			return nil, err
		}
		cfg.Run.Force = m
	}
	if changed("theta") {
		cfg.Run.Theta = theta
	}
	if changed("eps") {
		cfg.Run.Eps = eps
	}
	if changed("eta") {
		cfg.Run.Eta = eta
	}
	if changed("rebuild") {
		cfg.Run.RebuildTreeRate = rebuild
	}
	if changed("ranks") {
		cfg.Ranks = ranks
	}
	if changed("backend") {
		cfg.Backend = backend
	}
	if changed("snapshot-interval") {
		cfg.Snapshot.Interval = snapEvery
	}
	if changed("shm") {
		cfg.Snapshot.Shm = useShm
	}
	if changed("shm-quick") {
		cfg.Snapshot.Quick = shmQuick
	}
	if changed("stats-interval") {
		cfg.Stats.Interval = statsEvery
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// rankResult is what rank 0 reports back once its engine is done.
type rankResult struct {
	iter  int
	time  float64
	drift metrics.Drift
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var mpi *comm.MPI
	if useMPI {
		if mpi, err = comm.NewMPI(); err != nil {
			return err
		}
		defer mpi.Finalize()
		cfg.Ranks = mpi.Size()
	}

	var bodies []octree.Body
	if mpi == nil || comm.IsRoot(mpi) {
		if bodies, err = models.NewRegistry().Generate(cfg.Model); err != nil {
			return err
		}
	}

	st := storage.New(cfg.DataDir)
	if err := st.Init(); err != nil {
		return err
	}
	run, err := st.Create(storage.RunMetadata{
		Model:    cfg.Model.Name,
		Seed:     cfg.Model.Seed,
		Bodies:   cfg.Model.N,
		Ranks:    cfg.Ranks,
		Timestep: string(cfg.Run.Timestep),
		Force:    string(cfg.Run.Force),
		Dt:       cfg.Run.TimeStep,
		Theta:    cfg.Run.Theta,
		Eps:      cfg.Run.Eps,
		IterEnd:  cfg.Run.IterEnd,
		TEnd:     cfg.Run.TEnd,
	})
	if err != nil {
		return err
	}
	entry := log.WithField("run", run.ID())

	var telemetry *metrics.Telemetry
	if cfg.MetricsAddr != "" {
		telemetry = metrics.NewTelemetry()
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				entry.WithError(err).Warn("metrics endpoint stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		entry.Infof("serving metrics on %s", cfg.MetricsAddr)
	}

	entry.WithFields(logrus.Fields{
		"model":    cfg.Model.Name,
		"bodies":   cfg.Model.N,
		"ranks":    cfg.Ranks,
		"timestep": cfg.Run.Timestep,
		"force":    cfg.Run.Force,
	}).Info("starting run")

	var result rankResult
	rankMain := func(ctx context.Context, c comm.Communicator) error {
		var mine []octree.Body
		if comm.IsRoot(c) {
			mine = bodies
		}
		res, err := runRank(ctx, cfg, c, mine, run, telemetry, entry)
		if err != nil {
			return err
		}
		if comm.IsRoot(c) {
			result = res
		}
		return nil
	}

	start := time.Now()
	switch {
	case mpi != nil:
		err = rankMain(ctx, mpi)
	case cfg.Ranks == 1:
		err = rankMain(ctx, comm.NewSingle())
	default:
		err = comm.RunLocal(ctx, cfg.Ranks, rankMain)
	}
	elapsed := time.Since(start)

	summary := map[string]float64{
		"de":      result.drift.DE,
		"max_de":  result.drift.MaxDE,
		"max_dde": result.drift.MaxDDE,
		"etot":    result.drift.Tot,
		"wall_s":  elapsed.Seconds(),
	}
	if ferr := run.Finish(result.iter, result.time, summary); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	if mpi != nil && !comm.IsRoot(mpi) {
		return nil
	}

	fmt.Println(viz.Title.Render("completed in " + elapsed.Round(time.Millisecond).String()))
	fmt.Print(viz.Metrics([][2]string{
		{"run id", run.ID()},
		{"iterations", fmt.Sprint(result.iter)},
		{"final time", fmt.Sprintf("%g", result.time)},
		{"de", fmt.Sprintf("%.3e", result.drift.DE)},
		{"max |de|", fmt.Sprintf("%.3e", result.drift.MaxDE)},
	}))
	return nil
}

// runRank drives one rank: its lanes backend, its snapshot writer and its
// engine.
func runRank(ctx context.Context, cfg *config.Config, c comm.Communicator, bodies []octree.Body,
	run *storage.Run, telemetry *metrics.Telemetry, log *logrus.Entry) (rankResult, error) {
	be, err := compute.NewBackend(cfg.Backend)
	if err != nil {
		return rankResult{}, err
	}
	defer be.Cleanup()
	if comm.IsRoot(c) {
		log.Infof("compute backend: %s", be.Name())
	}

	var handoff *snapshot.Handoff
	served := make(chan error, 1)
	if cfg.Snapshot.Interval > 0 {
		w, closeWriter, err := snapshot.NewWriter(cfg.Snapshot, run.Dir(), c.Rank())
		if err != nil {
			return rankResult{}, err
		}
		defer closeWriter()
		handoff = snapshot.NewHandoff()
		go func() { served <- snapshot.Serve(ctx, handoff, w) }()
	} else {
		served <- nil
	}

	e, err := engine.New(cfg, bodies, engine.Components{
		Comm:      c,
		Backend:   be,
		Run:       run,
		Telemetry: telemetry,
		Snapshots: handoff,
		Log:       log,
	})
	if err != nil {
		return rankResult{}, err
	}

	err = e.Run(ctx)
	if handoff != nil {
		if derr := handoff.Drain(ctx); err == nil {
			err = derr
		}
	}
	if serr := <-served; err == nil {
		err = serr
	}
	return rankResult{iter: e.Iter(), time: e.Time(), drift: e.Drift()}, err
}
