package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"multiverse-ripple/internal/oracle"
)

// Profile tunes one subsystem's orchestrator. Nil pointers and zero ints
// mean "inherit"; temperature is a pointer so that 0 can be set explicitly.
type Profile struct {
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	BatchSize   int      `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	MaxParallel int      `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	// MaxSpawns caps seeds per trigger; it is clamped to 3.
	MaxSpawns int `yaml:"max_spawns,omitempty" json:"max_spawns,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (p Profile) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Profiles is the YAML document behind REACTION_PROFILES_PATH.
type Profiles struct {
	Subsystems map[string]Profile `yaml:"subsystems" json:"subsystems"`
	Pricing    oracle.Pricing     `yaml:"pricing,omitempty" json:"pricing,omitempty"`
}

const MaxSpawnsCeiling = 3

// DefaultProfiles mirrors the built-in tuning for each subsystem.
func DefaultProfiles() Profiles {
	return Profiles{
		Subsystems: map[string]Profile{
			"character": {Temperature: oracle.Temperature(0.7), MaxTokens: 1200, BatchSize: 5, MaxParallel: 4, MaxSpawns: MaxSpawnsCeiling},
			"location":  {Temperature: oracle.Temperature(0.6), MaxTokens: 2000, BatchSize: 1, MaxParallel: 1, MaxSpawns: MaxSpawnsCeiling},
			"faction":   {Temperature: oracle.Temperature(0.6), MaxTokens: 2000, BatchSize: 1, MaxParallel: 1, MaxSpawns: MaxSpawnsCeiling},
		},
		Pricing: oracle.Pricing{
			"default": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
	}
}

// LoadProfiles reads a profiles file and merges it over the defaults.
// An empty path returns the defaults.
func LoadProfiles(path string) (Profiles, error) {
	defaults := DefaultProfiles()
	if path == "" {
		return defaults, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profiles{}, fmt.Errorf("read profiles %s: %w", path, err)
	}
	override, err := ParseProfiles(data)
	if err != nil {
		return Profiles{}, fmt.Errorf("profiles %s: %w", path, err)
	}
	return MergeProfiles(defaults, override), nil
}

func ParseProfiles(data []byte) (Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profiles{}, fmt.Errorf("invalid YAML: %w", err)
	}
	return p, nil
}

// Subsystem returns the profile for kind with the spawn cap applied.
func (p Profiles) Subsystem(kind string) Profile {
	prof := p.Subsystems[kind]
	if prof.MaxSpawns <= 0 || prof.MaxSpawns > MaxSpawnsCeiling {
		prof.MaxSpawns = MaxSpawnsCeiling
	}
	if prof.BatchSize <= 0 {
		prof.BatchSize = 1
	}
	if prof.MaxParallel <= 0 {
		prof.MaxParallel = 1
	}
	return prof
}

// MergeProfiles overlays override on base. Subsystems and prices present
// in override replace fields individually.
func MergeProfiles(base, override Profiles) Profiles {
	out := Profiles{
		Subsystems: make(map[string]Profile, len(base.Subsystems)),
		Pricing:    make(oracle.Pricing, len(base.Pricing)),
	}
	for k, v := range base.Subsystems {
		out.Subsystems[k] = v
	}
	for k, v := range base.Pricing {
		out.Pricing[k] = v
	}
	for k, v := range override.Subsystems {
		out.Subsystems[k] = mergeProfile(out.Subsystems[k], v)
	}
	for k, v := range override.Pricing {
		out.Pricing[k] = v
	}
	return out
}

func mergeProfile(base, override Profile) Profile {
	result := base
	if override.Enabled != nil {
		enabled := *override.Enabled
		result.Enabled = &enabled
	}
	if override.Temperature != nil {
		result.Temperature = oracle.Temperature(*override.Temperature)
	}
	if override.MaxTokens != 0 {
		result.MaxTokens = override.MaxTokens
	}
	if override.BatchSize != 0 {
		result.BatchSize = override.BatchSize
	}
	if override.MaxParallel != 0 {
		result.MaxParallel = override.MaxParallel
	}
	if override.MaxSpawns != 0 {
		result.MaxSpawns = override.MaxSpawns
	}
	return result
}
