package csvhist

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmerz/assetcalc/provider"
	"github.com/tmerz/assetcalc/series"
)

// Driver is the registry name of the CSV file historian.
const Driver = "csv"

// Settings describes the configuration accepted via provider settings.
type Settings struct {
	Path string `yaml:"path"`
}

// Register adds the CSV driver to the provider registry.
func Register() error {
	return provider.Register(Driver, NewFactory())
}

// NewFactory returns a provider.Factory reading historical samples from a
// CSV file with the columns tag,timestamp,value[,quality]. The file is
// parsed once at construction time.
func NewFactory() provider.Factory {
	return func(settings *yaml.Node) (provider.Provider, error) {
		if settings == nil || settings.Kind == 0 {
			return nil, fmt.Errorf("csv provider requires settings")
		}
		var parsed Settings
		if err := settings.Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode csv settings: %w", err)
		}
		if parsed.Path == "" {
			return nil, fmt.Errorf("csv provider requires a path")
		}
		tags, err := loadFile(parsed.Path)
		if err != nil {
			return nil, err
		}
		return &historian{tags: tags}, nil
	}
}

type historian struct {
	tags map[string][]series.RawSample
}

func loadFile(path string) (map[string][]series.RawSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv history %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	tags := make(map[string][]series.RawSample)
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv history %s: %w", path, err)
		}
		line++
		if line == 1 && looksLikeHeader(record) {
			continue
		}
		if len(record) < 3 {
			return nil, fmt.Errorf("csv history %s line %d: expected at least 3 columns", path, line)
		}
		tag := strings.TrimSpace(record[0])
		if tag == "" {
			return nil, fmt.Errorf("csv history %s line %d: empty tag", path, line)
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("csv history %s line %d: parse timestamp: %w", path, line, err)
		}
		quality := series.QualityGood
		if len(record) > 3 {
			quality, err = parseQuality(record[3])
			if err != nil {
				return nil, fmt.Errorf("csv history %s line %d: %w", path, line, err)
			}
		}
		tags[tag] = append(tags[tag], series.RawSample{
			Timestamp: ts,
			Value:     parseValue(record[2]),
			Quality:   quality,
		})
	}
	for tag := range tags {
		samples := tags[tag]
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	}
	return tags, nil
}

func looksLikeHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(record[0]), "tag")
}

func parseValue(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return b
	}
	return trimmed
}

func parseQuality(raw string) (series.Quality, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "good":
		return series.QualityGood, nil
	case "uncertain":
		return series.QualityUncertain, nil
	case "bad":
		return series.QualityBad, nil
	default:
		return series.QualityGood, fmt.Errorf("unknown quality %q", raw)
	}
}

// FetchRange resamples the stored readings onto the requested resolution
// grid. A bucket containing readings yields the last one; an empty bucket
// carries the previous reading forward with uncertain quality, or a bad
// placeholder when nothing precedes it.
func (h *historian) FetchRange(ctx context.Context, tag string, start, end time.Time, resolution time.Duration) ([]series.RawSample, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive")
	}
	samples, ok := h.tags[tag]
	if !ok {
		return nil, fmt.Errorf("unknown tag %q", tag)
	}
	var out []series.RawSample
	cursor := 0
	var last *series.RawSample
	for _, sample := range samples {
		if sample.Timestamp.Before(start) {
			copied := sample
			last = &copied
			cursor++
			continue
		}
		break
	}
	for ts := start; ts.Before(end); ts = ts.Add(resolution) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bucketEnd := ts.Add(resolution)
		var hit *series.RawSample
		for cursor < len(samples) && samples[cursor].Timestamp.Before(bucketEnd) {
			copied := samples[cursor]
			hit = &copied
			last = &copied
			cursor++
		}
		switch {
		case hit != nil:
			out = append(out, series.RawSample{Timestamp: ts, Value: hit.Value, Quality: hit.Quality})
		case last != nil:
			out = append(out, series.RawSample{Timestamp: ts, Value: last.Value, Quality: series.QualityUncertain})
		default:
			out = append(out, series.RawSample{Timestamp: ts, Value: nil, Quality: series.QualityBad})
		}
	}
	return out, nil
}

// Close releases nothing; the file is already fully parsed.
func (h *historian) Close() error { return nil }
