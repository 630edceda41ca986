package service

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmerz/assetcalc/config"
	"github.com/tmerz/assetcalc/drivers/bundle"
	"github.com/tmerz/assetcalc/engine"
	"github.com/tmerz/assetcalc/series"
)

func TestMain(m *testing.M) {
	if err := bundle.RegisterAll(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const serviceConfig = `
engine:
  workers: 2
  queue_capacity: 8
  provider_timeout: 2s
  retry_budget: 1
  retry_backoff: 5ms
providers:
  - id: hist
    driver: random
    settings:
      seed: 7
      defaults:
        min: 10
        max: 20
model:
  - id: plant
    name: Plant
    type: site
    uns_path: acme/plant
    children:
      - id: filler
        name: Filler
        type: asset
        uns_path: acme/plant/filler
        data_source: hist
        attributes:
          - id: pin
            name: PowerIn
            data_type: float
            source_tag: filler.power_in
          - id: scaled
            name: Scaled
            data_type: float
            transformation: PowerIn * 2
api:
  enabled: true
  listen: "127.0.0.1:0"
`

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	cfg, err := config.Parse([]byte(serviceConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	svc, err := New(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.EnableAPI("127.0.0.1:0"); err != nil {
		svc.Close()
		t.Fatalf("enable api: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, "http://" + svc.APIAddr()
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestAPISubmitAndFetchSeries(t *testing.T) {
	_, base := newTestService(t)

	payload := map[string]string{
		"asset_id":     "filler",
		"attribute_id": "scaled",
		"start":        "2024-06-01T00:00:00Z",
		"end":          "2024-06-01T04:00:00Z",
		"resolution":   "1h",
	}
	body, _ := json.Marshal(payload)
	resp, err := http.Post(base+"/api/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status %d: %s", resp.StatusCode, raw)
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitted.JobID == "" {
		t.Fatal("empty job id")
	}

	deadline := time.Now().Add(5 * time.Second)
	var view engine.View
	for {
		getJSON(t, base+"/api/jobs/"+submitted.JobID, &view)
		if view.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", view.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if view.Status != engine.StatusCompleted {
		t.Fatalf("job failed: %+v", view)
	}

	var samples []series.ComputedSample
	getJSON(t, base+"/api/jobs/"+submitted.JobID+"/series", &samples)
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}
	for _, sample := range samples {
		value, ok := sample.Value.(float64)
		if !ok {
			t.Fatalf("unexpected sample value %v", sample.Value)
		}
		// Inputs are drawn from [10,20], the transformation doubles them.
		if value < 20 || value > 40 {
			t.Fatalf("sample out of range: %v", value)
		}
	}

	var jobs []engine.View
	getJSON(t, base+"/api/jobs", &jobs)
	if len(jobs) != 1 || jobs[0].ID != submitted.JobID {
		t.Fatalf("job listing wrong: %+v", jobs)
	}
}

func TestAPISubmitErrorMapping(t *testing.T) {
	_, base := newTestService(t)

	submit := func(t *testing.T, payload map[string]string) *http.Response {
		t.Helper()
		body, _ := json.Marshal(payload)
		resp, err := http.Post(base+"/api/jobs", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return resp
	}

	resp := submit(t, map[string]string{
		"asset_id":     "filler",
		"attribute_id": "missing",
		"start":        "2024-06-01T00:00:00Z",
		"end":          "2024-06-01T01:00:00Z",
		"resolution":   "1h",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown attribute: status %d", resp.StatusCode)
	}

	resp = submit(t, map[string]string{
		"asset_id":     "filler",
		"attribute_id": "scaled",
		"start":        "not-a-time",
		"end":          "2024-06-01T01:00:00Z",
		"resolution":   "1h",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad timestamp: status %d", resp.StatusCode)
	}
}

func TestAPIJobLookupErrors(t *testing.T) {
	_, base := newTestService(t)

	resp, err := http.Get(base + "/api/jobs/unknown-id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/jobs/unknown-id", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown job: status %d", resp.StatusCode)
	}
}

func TestAPIModelEndpoints(t *testing.T) {
	_, base := newTestService(t)

	var tree []struct {
		ID       string `json:"id"`
		Children []struct {
			ID string `json:"id"`
		} `json:"children"`
	}
	getJSON(t, base+"/api/model", &tree)
	if len(tree) != 1 || tree[0].ID != "plant" {
		t.Fatalf("unexpected tree %+v", tree)
	}
	if len(tree[0].Children) != 1 || tree[0].Children[0].ID != "filler" {
		t.Fatalf("children missing: %+v", tree)
	}

	var node struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	getJSON(t, base+"/api/model/nodes/filler", &node)
	if node.Name != "Filler" {
		t.Fatalf("unexpected node %+v", node)
	}

	getJSON(t, base+"/api/uns?path=acme%2Fplant%2Ffiller", &node)
	if node.ID != "filler" {
		t.Fatalf("uns lookup wrong: %+v", node)
	}

	resp, err := http.Get(base + "/api/model/nodes/ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown node: status %d", resp.StatusCode)
	}
}

func TestAPISandbox(t *testing.T) {
	_, base := newTestService(t)

	body, _ := json.Marshal(map[string]interface{}{
		"expression": "a / b * 100",
		"inputs":     map[string]float64{"a": 40, "b": 50},
	})
	resp, err := http.Post(base+"/api/sandbox", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("sandbox status %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Value   float64  `json:"value"`
		Quality string   `json:"quality"`
		Inputs  []string `json:"inputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Value != 80 || result.Quality != "good" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Inputs) != 2 {
		t.Fatalf("inputs missing: %+v", result)
	}

	// Parse errors map to a client error.
	body, _ = json.Marshal(map[string]interface{}{"expression": "1 +* 2"})
	resp2, err := http.Post(base+"/api/sandbox", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("parse error status %d", resp2.StatusCode)
	}
}

func TestAPIHealth(t *testing.T) {
	svc, base := newTestService(t)

	var health Health
	getJSON(t, base+"/api/health", &health)
	if health.EngineStatus != "running" {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.ModelRevision != svc.Store().Revision() {
		t.Fatalf("revision mismatch: %+v", health)
	}
	if len(health.Providers) != 1 || health.Providers[0] != "hist" {
		t.Fatalf("providers missing: %+v", health)
	}
}

func TestValidateFlagsBrokenTransformations(t *testing.T) {
	cfg, err := config.Parse([]byte(serviceConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := Validate(cfg, zerolog.Nop()); err != nil {
		t.Fatalf("valid model rejected: %v", err)
	}

	cfg.Model[0].Children[0].Attributes[1].Transformation = "Missing + 1"
	if err := Validate(cfg, zerolog.Nop()); err == nil {
		t.Fatal("broken transformation not flagged")
	}
}
