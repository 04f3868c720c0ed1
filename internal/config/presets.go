package config

import "sort"

// Presets are complete run configurations keyed by name. Fields left zero
// take their defaults in GetPreset.
var Presets = map[string]*Config{
	"kepler": {
		Run: RunConfig{
			IterEnd: 1000, TEnd: 100, TimeStep: 0.001, RebuildTreeRate: 1,
			Timestep: TimestepShared, Force: ForceDirect,
		},
		Model: ModelConfig{Name: "kepler", N: 2},
	},
	"plummer": {
		Run: RunConfig{
			IterEnd: 256, TEnd: 4, TimeStep: 1.0 / 64, RebuildTreeRate: 2,
			Timestep: TimestepShared, Force: ForceTree, Theta: 0.75, Eps: 0.05,
		},
		Model: ModelConfig{Name: "plummer", N: 8192, Seed: 1},
	},
	"plummer-block": {
		Run: RunConfig{
			IterEnd: 512, TEnd: 2, TimeStep: 1.0 / 32, RebuildTreeRate: 4,
			Timestep: TimestepBlock, Eta: 0.05, DtLimit: 14,
			Force: ForceTree, Theta: 0.6, Eps: 0.02,
		},
		Model: ModelConfig{Name: "plummer", N: 4096, Seed: 2},
	},
	"cube-direct": {
		Run: RunConfig{
			IterEnd: 100, TEnd: 1, TimeStep: 1.0 / 128, RebuildTreeRate: 1,
			Timestep: TimestepShared, Force: ForceDirect, Eps: 0.01,
		},
		Model: ModelConfig{Name: "cube", N: 1024, Seed: 3},
	},
}

// GetPreset returns a copy of the named preset with defaults filled in, or
// nil when no such preset exists.
func GetPreset(name string) *Config {
	p, ok := Presets[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	def := cfg.Run
	cfg.Run = p.Run
	cfg.Model = p.Model
	if cfg.Run.Eta == 0 {
		cfg.Run.Eta = def.Eta
	}
	if cfg.Run.DtLimit == 0 {
		cfg.Run.DtLimit = def.DtLimit
	}
	return cfg
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
