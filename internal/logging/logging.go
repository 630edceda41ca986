package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/tmerz/assetcalc/config"
)

// Setup builds the process logger from the logging configuration. The
// returned cleanup flushes and stops any remote log sink and must be
// called before the process exits.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := resolveLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	sinks := []io.Writer{consoleSink(cfg.Format)}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		shipper, err := newLokiShipper(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		sinks = append(sinks, shipper)
		cleanup = shipper.stop
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

func resolveLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleSink(format string) io.Writer {
	switch strings.ToLower(format) {
	case "text", "console":
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	default:
		return os.Stdout
	}
}

// lokiShipper forwards each rendered log line to a Loki endpoint.
type lokiShipper struct {
	client *loki.Client
	labels model.LabelSet
}

func newLokiShipper(cfg config.LokiConfig) (*lokiShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	clientCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}

	labels := model.LabelSet{"app": "assetcalc"}
	for k, v := range cfg.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return &lokiShipper{client: client, labels: labels}, nil
}

func (s *lokiShipper) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	err := s.client.Handle(s.labels, time.Now(), line)
	return len(p), err
}

func (s *lokiShipper) stop() {
	s.client.Stop()
}
