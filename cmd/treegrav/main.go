package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/san-kum/treegrav/internal/analysis"
	"github.com/san-kum/treegrav/internal/config"
	"github.com/san-kum/treegrav/internal/export"
	"github.com/san-kum/treegrav/internal/snapshot"
	"github.com/san-kum/treegrav/internal/storage"
	"github.com/san-kum/treegrav/internal/viz"
)

var (
	dataDir    string
	configFile string
	preset     string

	model     string
	numBodies int
	seed      int64

	iterEnd  int
	tEnd     float64
	dt       float64
	timestep string
	force    string
	theta    float64
	eps      float64
	eta      float64
	rebuild  int

	ranks       int
	useMPI      bool
	backend     string
	snapEvery   float64
	useShm      bool
	shmQuick    bool
	statsEvery  float64
	metricsAddr string
	logLevel    string

	logScale    bool
	jsonOut     bool
	showProfile bool
	spectrum    bool

	outFile    string
	projection string
	extent     float64
	imageSize  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "treegrav",
		Short:        "parallel Barnes-Hut gravity simulation",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default from config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a simulation",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	f := runCmd.Flags()
	f.StringVar(&configFile, "config", "", "config file path (yaml)")
	f.StringVar(&preset, "preset", "", "use preset configuration")
	f.StringVar(&model, "model", "plummer", "initial conditions: kepler, plummer, cube")
	f.IntVar(&numBodies, "bodies", config.DefaultBodies, "number of bodies")
	f.Int64Var(&seed, "seed", 1, "random seed")
	f.IntVar(&iterEnd, "iter-end", config.DefaultIterEnd, "last iteration")
	f.Float64Var(&tEnd, "t-end", config.DefaultTEnd, "end time")
	f.Float64Var(&dt, "dt", config.DefaultTimeStep, "shared step, or largest block step")
	f.StringVar(&timestep, "timestep", string(config.TimestepShared), "timestep mode: shared, block")
	f.StringVar(&force, "force", string(config.ForceTree), "force mode: tree, direct")
	f.Float64Var(&theta, "theta", config.DefaultTheta, "opening angle")
	f.Float64Var(&eps, "eps", config.DefaultEps, "softening length")
	f.Float64Var(&eta, "eta", config.DefaultEta, "block timestep accuracy")
	f.IntVar(&rebuild, "rebuild", config.DefaultRebuildTreeRate, "tree rebuild interval in iterations")
	f.IntVar(&ranks, "ranks", 1, "in-process ranks")
	f.BoolVar(&useMPI, "mpi", false, "run as one MPI rank (binary built with -tags mpi)")
	f.StringVar(&backend, "backend", "auto", "compute backend: auto, cpu, opencl")
	f.Float64Var(&snapEvery, "snapshot-interval", 0, "simulated time between snapshots, 0 disables")
	f.BoolVar(&useShm, "shm", false, "publish snapshots through shared memory segments")
	f.BoolVar(&shmQuick, "shm-quick", false, "use the low-latency quick channel with --shm")
	f.Float64Var(&statsEvery, "stats-interval", 0, "simulated time between density profiles, 0 disables")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringVar(&logLevel, "log-level", "info", "log level")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(viz.Title.Render("presets"))
			for _, name := range config.ListPresets() {
				p := config.GetPreset(name)
				fmt.Printf("  %-14s %s n=%d %s/%s dt=%g t_end=%g\n", name,
					p.Model.Name, p.Model.N, p.Run.Timestep, p.Run.Force, p.Run.TimeStep, p.Run.TEnd)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	reportCmd := &cobra.Command{
		Use:   "report [run_id]",
		Short: "summarise a run and plot its energy error",
		Args:  cobra.ExactArgs(1),
		RunE:  reportRun,
	}
	reportCmd.Flags().BoolVar(&logScale, "log", false, "plot log10|de|")
	reportCmd.Flags().BoolVar(&jsonOut, "json", false, "export the run as JSON instead")
	reportCmd.Flags().BoolVar(&showProfile, "profile", false, "also plot the last density profile")
	reportCmd.Flags().BoolVar(&spectrum, "spectrum", false, "report the dominant period of the energy error")

	renderCmd := &cobra.Command{
		Use:   "render [snapshot]",
		Short: "render a snapshot file as SVG",
		Args:  cobra.ExactArgs(1),
		RunE:  renderSnapshot,
	}
	renderCmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	renderCmd.Flags().StringVar(&projection, "projection", "xy", "projection: xy, xz, yz")
	renderCmd.Flags().Float64Var(&extent, "extent", 0, "half-width of the view around the centre of mass, 0 fits all bodies")
	renderCmd.Flags().IntVar(&imageSize, "size", 800, "image size in pixels")

	rootCmd.AddCommand(runCmd, presetsCmd, listCmd, reportCmd, renderCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func store() *storage.Store {
	if dataDir == "" {
		return storage.New(config.DefaultConfig().DataDir)
	}
	return storage.New(dataDir)
}

func listRuns(cmd *cobra.Command, args []string) error {
	runs, err := store().List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	return viz.RunTable(os.Stdout, runs)
}

func reportRun(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st := store()
	if jsonOut {
		return st.ExportJSON(os.Stdout, runID)
	}

	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	rows, err := st.LoadEnergy(runID)
	if err != nil {
		return err
	}

	fmt.Println(viz.Title.Render("run " + meta.ID))
	pairs := [][2]string{
		{"model", meta.Model},
		{"bodies", strconv.Itoa(meta.Bodies)},
		{"ranks", strconv.Itoa(meta.Ranks)},
		{"mode", meta.Timestep + "/" + meta.Force},
		{"iterations", strconv.Itoa(meta.Iterations)},
		{"final time", fmt.Sprintf("%g", meta.FinalTime)},
	}
	fmt.Print(viz.Metrics(pairs))
	if maxDE, ok := meta.Metrics["max_de"]; ok {
		fmt.Println(viz.MetricLabel.Render("max |de|: ") + viz.DriftStyle(maxDE).Render(fmt.Sprintf("%.3e", maxDE)))
	}
	fmt.Println()

	if len(rows) == 0 {
		fmt.Println(viz.Subtle.Render("no energy samples"))
	} else {
		fmt.Println(viz.EnergyPlot(rows, logScale))
	}

	if spectrum {
		s, err := analysis.EnergySpectrum(rows)
		if err != nil {
			return err
		}
		freq, period := s.Dominant()
		fmt.Println()
		fmt.Print(viz.Metrics([][2]string{
			{"de frequency", fmt.Sprintf("%.4g", freq)},
			{"de period", fmt.Sprintf("%.4g", period)},
		}))
	}

	if !showProfile {
		return nil
	}
	names, err := st.ListStats(runID)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println(viz.Subtle.Render("no density profiles"))
		return nil
	}
	last := names[len(names)-1]
	table, err := st.LoadStats(runID, last)
	if err != nil {
		return err
	}
	if len(table) < 2 {
		return fmt.Errorf("%s: empty profile", last)
	}
	density := make([]float64, 0, len(table)-1)
	for _, row := range table[1:] {
		v, err := strconv.ParseFloat(row[len(row)-1], 64)
		if err != nil {
			return fmt.Errorf("%s: %w", last, err)
		}
		density = append(density, v)
	}
	fmt.Println()
	fmt.Println(viz.ProfilePlot(density, "log10 density vs radial bin ("+last+")"))
	return nil
}

func renderSnapshot(cmd *cobra.Command, args []string) error {
	proj, err := export.ParseProjection(projection)
	if err != nil {
		return err
	}
	f, err := snapshot.ReadFile(args[0])
	if err != nil {
		return err
	}
	svg := export.SnapshotSVG(f.Records, imageSize, proj, extent)
	if outFile == "" {
		_, err = fmt.Println(svg)
		return err
	}
	if err := os.WriteFile(outFile, []byte(svg), 0644); err != nil {
		return err
	}
	fmt.Printf("%s: t=%g, %d bodies -> %s\n", f.Header.Name(), f.Header.TCurrent, len(f.Records), outFile)
	return nil
}
