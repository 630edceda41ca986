package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmerz/assetcalc/series"
)

// Provider supplies raw historical samples for a tag. Implementations must
// return samples ordered by strictly increasing timestamp within
// [start,end). Streams are finite and not restartable mid-range; callers
// re-issue the fetch with an adjusted start to resume.
type Provider interface {
	FetchRange(ctx context.Context, tag string, start, end time.Time, resolution time.Duration) ([]series.RawSample, error)
	Close() error
}

// Factory creates a provider instance from its driver settings node.
type Factory func(settings *yaml.Node) (Provider, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a driver factory available under the given name. Drivers
// register themselves from their package init or via an explicit bundle.
func Register(driver string, factory Factory) error {
	if driver == "" {
		return fmt.Errorf("driver name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("driver %s: factory must not be nil", driver)
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[driver]; exists {
		return fmt.Errorf("driver %s already registered", driver)
	}
	factories[driver] = factory
	return nil
}

// New instantiates a provider for the given driver name.
func New(driver string, settings *yaml.Node) (Provider, error) {
	factoryMu.RLock()
	factory, ok := factories[driver]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider driver %q", driver)
	}
	return factory(settings)
}

// Drivers returns the registered driver names in lexical order.
func Drivers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
