package ratelimit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Operation names a bucket class.
type Operation string

const (
	OpCommand Operation = "command"
	OpPayment Operation = "payment"
	OpTip     Operation = "tip"
	OpWallet  Operation = "wallet"
	// OpGlobal is the per-identifier ceiling charged alongside every other class.
	OpGlobal Operation = "global"
	// OpChat meters a whole chat for the combined spam check.
	OpChat Operation = "chat"
)

// Profile configures one token bucket.
type Profile struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

func (p Profile) validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %v", p.Capacity)
	}
	if p.RefillPerSecond <= 0 {
		return fmt.Errorf("refill_per_second must be positive, got %v", p.RefillPerSecond)
	}
	return nil
}

func DefaultProfiles() map[Operation]Profile {
	return map[Operation]Profile{
		OpCommand: {Capacity: 20, RefillPerSecond: 0.5},
		OpPayment: {Capacity: 5, RefillPerSecond: 0.1},
		OpTip:     {Capacity: 10, RefillPerSecond: 0.2},
		OpWallet:  {Capacity: 3, RefillPerSecond: 0.05},
		OpGlobal:  {Capacity: 60, RefillPerSecond: 1},
		OpChat:    {Capacity: 30, RefillPerSecond: 1},
	}
}

type profileFile struct {
	Profiles map[Operation]Profile `yaml:"profiles"`
}

// LoadProfiles reads a YAML profile file and overlays it on the defaults.
// An empty path returns the defaults.
func LoadProfiles(path string) (map[Operation]Profile, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit profiles: %w", err)
	}
	return ParseProfiles(raw)
}

func ParseProfiles(raw []byte) (map[Operation]Profile, error) {
	profiles := DefaultProfiles()
	var file profileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rate limit profiles: %w", err)
	}
	for op, p := range file.Profiles {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", op, err)
		}
		profiles[op] = p
	}
	return profiles, nil
}
