package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	metadataFile = "metadata.json"
	energyFile   = "energy.csv"
	statsDir     = "stats"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Timestamp  time.Time          `json:"timestamp"`
	Seed       int64              `json:"seed"`
	Bodies     int                `json:"bodies"`
	Ranks      int                `json:"ranks"`
	Timestep   string             `json:"timestep"`
	Force      string             `json:"force"`
	Dt         float64            `json:"dt"`
	Theta      float64            `json:"theta"`
	Eps        float64            `json:"eps"`
	IterEnd    int                `json:"iter_end"`
	TEnd       float64            `json:"t_end"`
	Iterations int                `json:"iterations"`
	FinalTime  float64            `json:"final_time"`
	Metrics    map[string]float64 `json:"metrics"`
}

// EnergyRow is one line of a run's energy log.
type EnergyRow struct {
	Iter int
	Time float64
	Etot float64
	Ekin float64
	Epot float64
	DE   float64
	DDE  float64
}

// Run is an open run directory. Its methods are safe for concurrent use by
// the ranks of one process.
type Run struct {
	dir  string
	meta RunMetadata

	mu     sync.Mutex
	energy *os.File
	csv    *csv.Writer
	events []io.Closer
}

// Create makes a new run directory and writes its metadata.
func (s *Store) Create(meta RunMetadata) (*Run, error) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	if meta.ID == "" {
		meta.ID = fmt.Sprintf("%s_%d", meta.Model, meta.Timestamp.UnixNano())
	}
	dir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	r := &Run{dir: dir, meta: meta}
	if err := r.writeMetadata(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Run) ID() string  { return r.meta.ID }
func (r *Run) Dir() string { return r.dir }

func (r *Run) writeMetadata() error {
	f, err := os.Create(filepath.Join(r.dir, metadataFile))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(r.meta)
}

// LogEnergy appends a row to the energy log, creating it on first use.
func (r *Run) LogEnergy(row EnergyRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.csv == nil {
		f, err := os.Create(filepath.Join(r.dir, energyFile))
		if err != nil {
			return err
		}
		r.energy = f
		r.csv = csv.NewWriter(f)
		if err := r.csv.Write([]string{"iter", "time", "etot", "ekin", "epot", "de", "dde"}); err != nil {
			return err
		}
	}
	rec := []string{strconv.Itoa(row.Iter)}
	for _, v := range []float64{row.Time, row.Etot, row.Ekin, row.Epot, row.DE, row.DDE} {
		rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return r.csv.Write(rec)
}

// EventLog opens the event log of rank.
func (r *Run) EventLog(rank int) (io.Writer, error) {
	f, err := os.Create(filepath.Join(r.dir, fmt.Sprintf("events-%d.log", rank)))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.events = append(r.events, f)
	r.mu.Unlock()
	return f, nil
}

// WriteStats stores a statistics table as stats/<name>.csv.
func (r *Run) WriteStats(name string, rows [][]string) error {
	dir := filepath.Join(r.dir, statsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, name+".csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}

// Finish records the final state in the metadata and closes every log.
func (r *Run) Finish(iterations int, finalTime float64, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	if r.csv != nil {
		r.csv.Flush()
		keep(r.csv.Error())
		keep(r.energy.Close())
		r.csv = nil
	}
	for _, c := range r.events {
		keep(c.Close())
	}
	r.events = nil

	r.meta.Iterations = iterations
	r.meta.FinalTime = finalTime
	r.meta.Metrics = metrics
	keep(r.writeMetadata())
	return firstErr
}

// List returns the metadata of every run, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) LoadEnergy(runID string) ([]EnergyRow, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, energyFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []EnergyRow{}, nil
	}

	rows := make([]EnergyRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != 7 {
			continue
		}
		iter, err := strconv.Atoi(rec[0])
		if err != nil {
			continue
		}
		var vals [6]float64
		ok := true
		for j := range vals {
			if vals[j], err = strconv.ParseFloat(rec[j+1], 64); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		rows = append(rows, EnergyRow{
			Iter: iter, Time: vals[0],
			Etot: vals[1], Ekin: vals[2], Epot: vals[3],
			DE: vals[4], DDE: vals[5],
		})
	}
	return rows, nil
}

// ListStats returns the names of a run's statistics tables, sorted.
func (s *Store) ListStats(runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, runID, statsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".csv"); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadStats reads back a table written by WriteStats, header row included.
func (s *Store) LoadStats(runID, name string) ([][]string, error) {
	f, err := os.Open(filepath.Join(s.baseDir, runID, statsDir, name+".csv"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csv.NewReader(f).ReadAll()
}
