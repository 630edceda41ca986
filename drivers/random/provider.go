package random

import (
	"context"
	"fmt"
	"hash/fnv"
	mathrand "math/rand"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmerz/assetcalc/provider"
	"github.com/tmerz/assetcalc/series"
)

// Driver is the registry name of the synthetic historian.
const Driver = "random"

// Register adds the random driver to the provider registry.
func Register() error {
	return provider.Register(Driver, NewFactory())
}

// NewFactory returns a provider.Factory producing deterministic synthetic
// sample streams. The value for a (tag, timestamp) pair depends only on the
// configured seed, so re-issued fetches return identical data.
func NewFactory() provider.Factory {
	return func(settings *yaml.Node) (provider.Provider, error) {
		parsed, err := parseSettings(settings)
		if err != nil {
			return nil, err
		}
		var seed int64
		if parsed.Seed != nil {
			seed = *parsed.Seed
		}
		return &historian{settings: parsed, seed: seed}, nil
	}
}

type historian struct {
	settings Settings
	seed     int64
}

func (h *historian) FetchRange(ctx context.Context, tag string, start, end time.Time, resolution time.Duration) ([]series.RawSample, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive")
	}
	resolved, err := h.settings.resolve(tag)
	if err != nil {
		return nil, err
	}
	var out []series.RawSample
	for ts := start; ts.Before(end); ts = ts.Add(resolution) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.sample(tag, ts, resolved))
	}
	return out, nil
}

func (h *historian) Close() error { return nil }

func (h *historian) sample(tag string, ts time.Time, resolved resolvedTagSettings) series.RawSample {
	rng := mathrand.New(mathrand.NewSource(h.pointSeed(tag, ts)))
	quality := series.QualityGood
	roll := rng.Float64()
	switch {
	case roll < resolved.bad:
		quality = series.QualityBad
	case roll < resolved.bad+resolved.uncertain:
		quality = series.QualityUncertain
	}
	value := resolved.min + (resolved.max-resolved.min)*rng.Float64()
	return series.RawSample{Timestamp: ts, Value: value, Quality: quality}
}

func (h *historian) pointSeed(tag string, ts time.Time) int64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(tag))
	var buf [8]byte
	unix := uint64(ts.UnixNano())
	for i := 0; i < 8; i++ {
		buf[i] = byte(unix >> (8 * i))
	}
	hasher.Write(buf[:])
	return h.seed ^ int64(hasher.Sum64())
}
