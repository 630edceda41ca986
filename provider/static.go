package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tmerz/assetcalc/series"
)

// Static is an in-memory provider backed by explicit per-tag sample
// slices. It serves fixtures in tests and pre-loaded datasets.
type Static struct {
	mu   sync.RWMutex
	tags map[string][]series.RawSample
}

// NewStatic creates an empty in-memory provider.
func NewStatic() *Static {
	return &Static{tags: make(map[string][]series.RawSample)}
}

// SetSamples replaces the sample slice stored for a tag. Samples must be
// ordered by increasing timestamp.
func (s *Static) SetSamples(tag string, samples []series.RawSample) {
	copied := make([]series.RawSample, len(samples))
	copy(copied, samples)
	s.mu.Lock()
	s.tags[tag] = copied
	s.mu.Unlock()
}

// FetchRange returns the stored samples falling within [start,end).
func (s *Static) FetchRange(ctx context.Context, tag string, start, end time.Time, resolution time.Duration) ([]series.RawSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	samples, ok := s.tags[tag]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tag %q", tag)
	}
	out := make([]series.RawSample, 0, len(samples))
	for _, sample := range samples {
		if sample.Timestamp.Before(start) || !sample.Timestamp.Before(end) {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

// Close releases nothing for the in-memory provider.
func (s *Static) Close() error { return nil }
