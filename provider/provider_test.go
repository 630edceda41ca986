package provider

import (
	"context"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmerz/assetcalc/series"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	factory := func(*yaml.Node) (Provider, error) { return NewStatic(), nil }
	if err := Register("registry-test", factory); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := Register("registry-test", factory); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := Register("", factory); err == nil {
		t.Fatal("expected empty driver name to fail")
	}
	if _, err := New("registry-test", nil); err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	if _, err := New("no-such-driver", nil); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestStaticFetchRangeIsHalfOpen(t *testing.T) {
	static := NewStatic()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	static.SetSamples("plant.flow", []series.RawSample{
		{Timestamp: base, Value: 1.0, Quality: series.QualityGood},
		{Timestamp: base.Add(time.Minute), Value: 2.0, Quality: series.QualityUncertain},
		{Timestamp: base.Add(2 * time.Minute), Value: 3.0, Quality: series.QualityGood},
	})

	got, err := static.FetchRange(context.Background(), "plant.flow", base, base.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[1].Quality != series.QualityUncertain {
		t.Fatalf("quality not preserved: %+v", got[1])
	}

	if _, err := static.FetchRange(context.Background(), "plant.missing", base, base.Add(time.Minute), time.Minute); err == nil {
		t.Fatal("expected unknown tag error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := static.FetchRange(ctx, "plant.flow", base, base.Add(time.Minute), time.Minute); err == nil {
		t.Fatal("expected context error")
	}
}
