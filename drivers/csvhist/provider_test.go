package csvhist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tmerz/assetcalc/provider"
	"github.com/tmerz/assetcalc/series"
)

func writeHistory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func buildProvider(t *testing.T, path string) provider.Provider {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("path: "+path+"\n"), &node))
	prov, err := NewFactory()(&node)
	require.NoError(t, err)
	return prov
}

func TestFetchRangeResamplesOntoGrid(t *testing.T) {
	path := writeHistory(t, `tag,timestamp,value,quality
plant.flow,2024-03-01T00:00:00Z,10.5,good
plant.flow,2024-03-01T00:02:00Z,12.0,uncertain
`)
	prov := buildProvider(t, path)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	samples, err := prov.FetchRange(context.Background(), "plant.flow", start, start.Add(4*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 4)

	require.Equal(t, 10.5, samples[0].Value)
	require.Equal(t, series.QualityGood, samples[0].Quality)

	// Empty bucket carries the previous reading forward as uncertain.
	require.Equal(t, 10.5, samples[1].Value)
	require.Equal(t, series.QualityUncertain, samples[1].Quality)

	require.Equal(t, 12.0, samples[2].Value)
	require.Equal(t, series.QualityUncertain, samples[2].Quality)

	require.Equal(t, 12.0, samples[3].Value)
	require.Equal(t, series.QualityUncertain, samples[3].Quality)
}

func TestFetchRangeBeforeFirstReadingIsBad(t *testing.T) {
	path := writeHistory(t, "plant.flow,2024-03-01T01:00:00Z,5\n")
	prov := buildProvider(t, path)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	samples, err := prov.FetchRange(context.Background(), "plant.flow", start, start.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	for _, sample := range samples {
		require.Nil(t, sample.Value)
		require.Equal(t, series.QualityBad, sample.Quality)
	}
}

func TestFactoryRejectsBrokenFiles(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("path: /does/not/exist.csv\n"), &node))
	_, err := NewFactory()(&node)
	require.Error(t, err)

	path := writeHistory(t, "plant.flow,not-a-timestamp,5\n")
	var badNode yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("path: "+path+"\n"), &badNode))
	_, err = NewFactory()(&badNode)
	require.Error(t, err)

	_, err = NewFactory()(nil)
	require.Error(t, err)
}

func TestFetchRangeUnknownTag(t *testing.T) {
	path := writeHistory(t, "plant.flow,2024-03-01T00:00:00Z,5\n")
	prov := buildProvider(t, path)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := prov.FetchRange(context.Background(), "plant.other", start, start.Add(time.Minute), time.Minute)
	require.Error(t, err)
}
