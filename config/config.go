package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional log shipping to Loki.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// PrometheusConfig enables the Prometheus collector.
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig selects the telemetry backend.
type TelemetryConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty"`
}

// KPIPriority selects how KPI-flagged attributes are favoured by the
// scheduler queue.
type KPIPriority string

const (
	// KPIPriorityOff schedules strictly first-in first-out.
	KPIPriorityOff KPIPriority = "off"
	// KPIPriorityQueue schedules KPI jobs ahead of non-KPI jobs of equal
	// queue time. Running jobs are never preempted.
	KPIPriorityQueue KPIPriority = "queue"
)

// EngineConfig tunes the backfill scheduler and job execution.
type EngineConfig struct {
	Workers         int         `yaml:"workers,omitempty"`
	QueueCapacity   int         `yaml:"queue_capacity,omitempty"`
	BatchSize       int         `yaml:"batch_size,omitempty"`
	ProviderTimeout Duration    `yaml:"provider_timeout,omitempty"`
	RetryBudget     int         `yaml:"retry_budget,omitempty"`
	RetryBackoff    Duration    `yaml:"retry_backoff,omitempty"`
	RetryBackoffMax Duration    `yaml:"retry_backoff_max,omitempty"`
	KPIPriority     KPIPriority `yaml:"kpi_priority,omitempty"`
	HistoryLimit    int         `yaml:"history_limit,omitempty"`
}

// ProviderConfig declares one source data provider instance.
type ProviderConfig struct {
	ID       string    `yaml:"id"`
	Driver   string    `yaml:"driver"`
	Settings yaml.Node `yaml:"settings,omitempty"`
}

// AttributeConfig declares one attribute of a model node.
type AttributeConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	DataType       string `yaml:"data_type"`
	SourceTag      string `yaml:"source_tag,omitempty"`
	Transformation string `yaml:"transformation,omitempty"`
	KPI            bool   `yaml:"kpi,omitempty"`
	Description    string `yaml:"description,omitempty"`
}

// ModelNodeConfig declares one node of the asset hierarchy together with
// its children.
type ModelNodeConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	UnsPath    string            `yaml:"uns_path,omitempty"`
	DataSource string            `yaml:"data_source,omitempty"`
	Attributes []AttributeConfig `yaml:"attributes,omitempty"`
	Children   []ModelNodeConfig `yaml:"children,omitempty"`
}

// APIConfig enables the HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig     `yaml:"logging,omitempty"`
	Telemetry TelemetryConfig   `yaml:"telemetry,omitempty"`
	Engine    EngineConfig      `yaml:"engine,omitempty"`
	Providers []ProviderConfig  `yaml:"providers,omitempty"`
	Model     []ModelNodeConfig `yaml:"model,omitempty"`
	API       APIConfig         `yaml:"api,omitempty"`
	HotReload bool              `yaml:"hot_reload,omitempty"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a raw YAML configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.QueueCapacity <= 0 {
		c.Engine.QueueCapacity = 64
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = 256
	}
	if c.Engine.ProviderTimeout.Duration <= 0 {
		c.Engine.ProviderTimeout.Duration = 10 * time.Second
	}
	if c.Engine.RetryBudget <= 0 {
		c.Engine.RetryBudget = 3
	}
	if c.Engine.RetryBackoff.Duration <= 0 {
		c.Engine.RetryBackoff.Duration = 500 * time.Millisecond
	}
	if c.Engine.RetryBackoffMax.Duration <= 0 {
		c.Engine.RetryBackoffMax.Duration = 30 * time.Second
	}
	if c.Engine.KPIPriority == "" {
		c.Engine.KPIPriority = KPIPriorityQueue
	}
	if c.Engine.HistoryLimit <= 0 {
		c.Engine.HistoryLimit = 1024
	}
	if c.API.Listen == "" {
		c.API.Listen = ":18090"
	}
}

func (c *Config) validate() error {
	switch c.Engine.KPIPriority {
	case KPIPriorityOff, KPIPriorityQueue:
	default:
		return fmt.Errorf("engine: unknown kpi_priority %q", c.Engine.KPIPriority)
	}
	seenProviders := make(map[string]struct{}, len(c.Providers))
	for _, provider := range c.Providers {
		if provider.ID == "" {
			return fmt.Errorf("provider id must not be empty")
		}
		if provider.Driver == "" {
			return fmt.Errorf("provider %s missing driver", provider.ID)
		}
		if _, dup := seenProviders[provider.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", provider.ID)
		}
		seenProviders[provider.ID] = struct{}{}
	}
	seenNodes := make(map[string]struct{})
	for i := range c.Model {
		if err := validateModelNode(&c.Model[i], seenNodes, seenProviders); err != nil {
			return err
		}
	}
	return nil
}

func validateModelNode(node *ModelNodeConfig, seenNodes map[string]struct{}, providers map[string]struct{}) error {
	if node.ID == "" {
		return fmt.Errorf("model node id must not be empty")
	}
	if _, dup := seenNodes[node.ID]; dup {
		return fmt.Errorf("duplicate model node id %q", node.ID)
	}
	seenNodes[node.ID] = struct{}{}
	if strings.TrimSpace(node.Type) == "" {
		return fmt.Errorf("model node %s missing type", node.ID)
	}
	if node.DataSource != "" && len(providers) > 0 {
		if _, ok := providers[node.DataSource]; !ok {
			return fmt.Errorf("model node %s references unknown data source %q", node.ID, node.DataSource)
		}
	}
	for _, attr := range node.Attributes {
		if attr.ID == "" {
			return fmt.Errorf("model node %s: attribute id must not be empty", node.ID)
		}
		if attr.Name == "" {
			return fmt.Errorf("model node %s: attribute %s missing name", node.ID, attr.ID)
		}
		if attr.DataType == "" {
			return fmt.Errorf("model node %s: attribute %s missing data type", node.ID, attr.ID)
		}
	}
	for i := range node.Children {
		if err := validateModelNode(&node.Children[i], seenNodes, providers); err != nil {
			return err
		}
	}
	return nil
}
