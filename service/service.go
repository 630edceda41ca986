package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmerz/assetcalc/config"
	"github.com/tmerz/assetcalc/engine"
	"github.com/tmerz/assetcalc/hierarchy"
	"github.com/tmerz/assetcalc/internal/reload"
	"github.com/tmerz/assetcalc/provider"
	"github.com/tmerz/assetcalc/telemetry"
)

// Service wires the asset model, the source data providers and the
// backfill scheduler together and optionally exposes the HTTP API.
type Service struct {
	cfg       *config.Config
	cfgPath   string
	logger    zerolog.Logger
	store     *hierarchy.Store
	providers map[string]provider.Provider
	scheduler *engine.Scheduler
	collector telemetry.Collector
	api       *apiServer

	mu          sync.Mutex
	lastSamples uint64
	lastHealth  time.Time
	closeOnce   sync.Once
}

// New builds a service from the given configuration. Providers are
// instantiated through the driver registry; the asset model is loaded into
// the hierarchy store.
func New(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration must not be nil")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	store, err := hierarchy.Load(cfg.Model)
	if err != nil {
		return nil, err
	}
	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for i := range cfg.Providers {
		entry := cfg.Providers[i]
		prov, err := provider.New(entry.Driver, &entry.Settings)
		if err != nil {
			for _, open := range providers {
				open.Close()
			}
			return nil, fmt.Errorf("provider %s: %w", entry.ID, err)
		}
		providers[entry.ID] = prov
	}
	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		providers: providers,
		collector: collector,
	}
	svc.scheduler = engine.New(cfg.Engine, store, providers, collector, logger)
	return svc, nil
}

// Validate checks that the model loads and that every transformation
// compiles and resolves. Used by health and configuration checks.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	store, err := hierarchy.Load(cfg.Model)
	if err != nil {
		return err
	}
	for _, report := range engine.AnalyzeModel(store) {
		for _, msg := range report.Errors {
			logger.Error().Str("node", report.NodeID).Str("attribute", report.AttributeID).Msg(msg)
			err = fmt.Errorf("attribute %s/%s: %s", report.NodeID, report.AttributeID, msg)
		}
	}
	return err
}

// Scheduler exposes the backfill scheduler.
func (s *Service) Scheduler() *engine.Scheduler { return s.scheduler }

// Store exposes the hierarchy store.
func (s *Service) Store() *hierarchy.Store { return s.store }

// WatchConfig sets the path polled for hot reloads of the asset model.
func (s *Service) WatchConfig(path string) { s.cfgPath = path }

// EnableAPI starts the HTTP surface on the given listen address.
func (s *Service) EnableAPI(listen string) error {
	if s.api != nil {
		return fmt.Errorf("api already enabled")
	}
	api, err := newAPIServer(s, listen)
	if err != nil {
		return err
	}
	s.api = api
	s.logger.Info().Str("listen", api.Addr()).Msg("api listening")
	return nil
}

// APIAddr returns the bound API address, or an empty string when the API
// is disabled.
func (s *Service) APIAddr() string {
	if s.api == nil {
		return ""
	}
	return s.api.Addr()
}

// Run blocks until the context is cancelled. With hot reload enabled the
// configuration file is polled and the asset model replaced on change;
// running jobs keep their submission-time snapshots.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	var watcher *reload.Watcher
	if s.cfg.HotReload && s.cfgPath != "" {
		var err error
		watcher, err = reload.NewWatcher([]string{s.cfgPath})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if watcher == nil {
				continue
			}
			changed, err := watcher.Check()
			if err != nil || len(changed) == 0 {
				continue
			}
			s.reloadModel()
		}
	}
}

func (s *Service) reloadModel() {
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error().Err(err).Msg("hot reload: configuration invalid, keeping current model")
		return
	}
	if err := s.store.Replace(cfg.Model); err != nil {
		s.logger.Error().Err(err).Msg("hot reload: model invalid, keeping current model")
		return
	}
	s.logger.Info().Uint64("revision", s.store.Revision()).Msg("asset model reloaded")
}

// Close stops the scheduler, the API server and the providers.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.api != nil {
			s.api.close()
		}
		s.scheduler.Close()
		for id, prov := range s.providers {
			if err := prov.Close(); err != nil {
				s.logger.Warn().Err(err).Str("provider", id).Msg("provider close failed")
			}
		}
	})
}

// Health is a point-in-time summary of the engine for dashboards.
type Health struct {
	EngineStatus  string       `json:"engine_status"`
	Jobs          engine.Stats `json:"jobs"`
	SamplesPerSec float64      `json:"samples_per_sec"`
	ModelRevision uint64       `json:"model_revision"`
	Providers     []string     `json:"providers"`
}

// Health reports scheduler statistics plus the sample production rate
// since the previous call.
func (s *Service) Health() Health {
	stats := s.scheduler.Stats()
	now := time.Now()

	s.mu.Lock()
	rate := 0.0
	if !s.lastHealth.IsZero() && stats.Samples >= s.lastSamples {
		elapsed := now.Sub(s.lastHealth).Seconds()
		if elapsed > 0 {
			rate = float64(stats.Samples-s.lastSamples) / elapsed
		}
	}
	s.lastSamples = stats.Samples
	s.lastHealth = now
	s.mu.Unlock()

	health := Health{
		EngineStatus:  "running",
		Jobs:          stats,
		SamplesPerSec: rate,
		ModelRevision: s.store.Revision(),
	}
	for id := range s.providers {
		health.Providers = append(health.Providers, id)
	}
	return health
}
