package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeStep        = 1.0 / 64
	DefaultIterEnd         = 1000
	DefaultTEnd            = 10.0
	DefaultRebuildTreeRate = 2
	DefaultEta             = 0.1
	DefaultDtLimit         = 12
	DefaultTheta           = 0.75
	DefaultEps             = 0.05
	DefaultBodies          = 4096
	DefaultBins            = 32
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type TimestepMode string

const (
	TimestepShared TimestepMode = "shared"
	TimestepBlock  TimestepMode = "block"
)

type ForceMode string

const (
	ForceTree   ForceMode = "tree"
	ForceDirect ForceMode = "direct"
)

type Config struct {
	Run         RunConfig      `yaml:"run"`
	Model       ModelConfig    `yaml:"model"`
	Snapshot    SnapshotConfig `yaml:"snapshot"`
	Stats       StatsConfig    `yaml:"stats"`
	Log         LogConfig      `yaml:"log"`
	Backend     string         `yaml:"backend"`
	Ranks       int            `yaml:"ranks"`
	DataDir     string         `yaml:"data_dir"`
	MetricsAddr string         `yaml:"metrics_addr"`
}

type RunConfig struct {
	IterEnd         int          `yaml:"iter_end"`
	TEnd            float64      `yaml:"t_end"`
	TimeStep        float64      `yaml:"time_step"`
	RebuildTreeRate int          `yaml:"rebuild_tree_rate"`
	Timestep        TimestepMode `yaml:"timestep"`
	Eta             float64      `yaml:"eta"`
	DtLimit         int          `yaml:"dt_limit"`
	Force           ForceMode    `yaml:"force"`
	Theta           float64      `yaml:"theta"`
	Eps             float64      `yaml:"eps"`
}

type ModelConfig struct {
	Name string `yaml:"name"`
	N    int    `yaml:"n"`
	Seed int64  `yaml:"seed"`
}

type SnapshotConfig struct {
	Interval float64 `yaml:"interval"`
	Dir      string  `yaml:"dir"`
	Shm      bool    `yaml:"shm"`
	Quick    bool    `yaml:"quick"`
}

type StatsConfig struct {
	Interval float64 `yaml:"interval"`
	Bins     int     `yaml:"bins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Events bool   `yaml:"events"`
}

func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			IterEnd:         DefaultIterEnd,
			TEnd:            DefaultTEnd,
			TimeStep:        DefaultTimeStep,
			RebuildTreeRate: DefaultRebuildTreeRate,
			Timestep:        TimestepShared,
			Eta:             DefaultEta,
			DtLimit:         DefaultDtLimit,
			Force:           ForceTree,
			Theta:           DefaultTheta,
			Eps:             DefaultEps,
		},
		Model: ModelConfig{
			Name: "plummer",
			N:    DefaultBodies,
			Seed: 1,
		},
		Snapshot: SnapshotConfig{
			Dir: "snapshots",
		},
		Stats: StatsConfig{
			Bins: DefaultBins,
		},
		Log: LogConfig{
			Level:  "info",
			Events: true,
		},
		Backend: "auto",
		Ranks:   1,
		DataDir: ".treegrav",
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func ParseTimestepMode(s string) (TimestepMode, error) {
	switch m := TimestepMode(s); m {
	case TimestepShared, TimestepBlock:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown timestep mode %q", ErrInvalidConfig, s)
}

func ParseForceMode(s string) (ForceMode, error) {
	switch m := ForceMode(s); m {
	case ForceTree, ForceDirect:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown force mode %q", ErrInvalidConfig, s)
}

func (c *Config) Validate() error {
	r := c.Run
	if _, err := ParseTimestepMode(string(r.Timestep)); err != nil {
		return err
	}
	if _, err := ParseForceMode(string(r.Force)); err != nil {
		return err
	}

	checks := []struct {
		ok  bool
		msg string
	}{
		{r.TimeStep > 0, "time_step must be positive"},
		{r.IterEnd >= 0, "iter_end must not be negative"},
		{r.TEnd > 0, "t_end must be positive"},
		{r.RebuildTreeRate >= 1, "rebuild_tree_rate must be at least 1"},
		{r.Theta >= 0, "theta must not be negative"},
		{r.Eps >= 0, "eps must not be negative"},
		{r.Timestep != TimestepBlock || r.Eta > 0, "eta must be positive in block mode"},
		{r.Timestep != TimestepBlock || r.DtLimit >= 0, "dt_limit must not be negative"},
		{r.Timestep != TimestepBlock || r.TimeStep >= 1/float64(uint64(1)<<min(r.DtLimit, 62)), "time_step is below the dt_limit step"},
		{c.Ranks >= 1, "ranks must be at least 1"},
		{c.Model.N >= 0, "model.n must not be negative"},
		{c.Snapshot.Interval >= 0, "snapshot.interval must not be negative"},
		{!c.Snapshot.Quick || c.Snapshot.Shm, "snapshot.quick requires snapshot.shm"},
		{c.Stats.Interval >= 0, "stats.interval must not be negative"},
		{c.Stats.Interval == 0 || c.Stats.Bins > 0, "stats.bins must be positive"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, chk.msg)
		}
	}
	return nil
}
