package random

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

const (
	defaultMin = 0.0
	defaultMax = 100.0
)

// Settings describes the configuration accepted via provider settings.
type Settings struct {
	Seed     *int64                 `yaml:"seed,omitempty"`
	Defaults TagSettings            `yaml:"defaults,omitempty"`
	Tags     map[string]TagSettings `yaml:"tags,omitempty"`
}

// TagSettings customises sample generation for a single tag.
type TagSettings struct {
	Min                  *float64 `yaml:"min,omitempty"`
	Max                  *float64 `yaml:"max,omitempty"`
	BadProbability       *float64 `yaml:"bad_probability,omitempty"`
	UncertainProbability *float64 `yaml:"uncertain_probability,omitempty"`
}

type resolvedTagSettings struct {
	min       float64
	max       float64
	bad       float64
	uncertain float64
}

func parseSettings(node *yaml.Node) (Settings, error) {
	if node == nil || node.Kind == 0 {
		return Settings{}, nil
	}
	var settings Settings
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode random settings: %w", err)
	}
	return settings, nil
}

func (s Settings) resolve(tag string) (resolvedTagSettings, error) {
	resolved := resolvedTagSettings{min: defaultMin, max: defaultMax}
	resolved.apply(s.Defaults)
	if override, ok := s.Tags[tag]; ok {
		resolved.apply(override)
	}
	if resolved.max < resolved.min {
		return resolvedTagSettings{}, fmt.Errorf("tag %s: max must be >= min", tag)
	}
	if math.IsNaN(resolved.min) || math.IsNaN(resolved.max) {
		return resolvedTagSettings{}, fmt.Errorf("tag %s: min/max must not be NaN", tag)
	}
	if resolved.bad < 0 || resolved.bad > 1 {
		return resolvedTagSettings{}, fmt.Errorf("tag %s: bad_probability must be between 0 and 1", tag)
	}
	if resolved.uncertain < 0 || resolved.uncertain > 1 {
		return resolvedTagSettings{}, fmt.Errorf("tag %s: uncertain_probability must be between 0 and 1", tag)
	}
	return resolved, nil
}

func (r *resolvedTagSettings) apply(override TagSettings) {
	if override.Min != nil {
		r.min = *override.Min
	}
	if override.Max != nil {
		r.max = *override.Max
	}
	if override.BadProbability != nil {
		r.bad = *override.BadProbability
	}
	if override.UncertainProbability != nil {
		r.uncertain = *override.UncertainProbability
	}
}
