package random

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tmerz/assetcalc/provider"
)

func buildProvider(t *testing.T, settings string) provider.Provider {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(settings), &node))
	prov, err := NewFactory()(&node)
	require.NoError(t, err)
	return prov
}

func TestFetchRangeIsDeterministic(t *testing.T) {
	settings := "seed: 1234\n"
	first := buildProvider(t, settings)
	second := buildProvider(t, settings)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	a, err := first.FetchRange(context.Background(), "plant.power", start, end, time.Hour)
	require.NoError(t, err)
	b, err := second.FetchRange(context.Background(), "plant.power", start, end, time.Hour)
	require.NoError(t, err)

	require.Len(t, a, 6)
	require.Equal(t, a, b)
}

func TestFetchRangeHonoursTagBounds(t *testing.T) {
	prov := buildProvider(t, `
seed: 1
defaults:
  min: 0
  max: 10
tags:
  plant.temp:
    min: 200
    max: 250
`)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	samples, err := prov.FetchRange(context.Background(), "plant.temp", start, start.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 60)
	for _, sample := range samples {
		value := sample.Value.(float64)
		require.GreaterOrEqual(t, value, 200.0)
		require.LessOrEqual(t, value, 250.0)
	}
}

func TestFetchRangeRejectsBadSettings(t *testing.T) {
	prov := buildProvider(t, `
tags:
  plant.bad:
    min: 10
    max: 5
`)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := prov.FetchRange(context.Background(), "plant.bad", start, start.Add(time.Minute), time.Minute)
	require.Error(t, err)

	_, err = prov.FetchRange(context.Background(), "plant.ok", start, start.Add(time.Minute), 0)
	require.Error(t, err)
}

func TestFetchRangeStopsOnCancelledContext(t *testing.T) {
	prov := buildProvider(t, "seed: 9\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := prov.FetchRange(ctx, "plant.power", start, start.Add(time.Hour), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
