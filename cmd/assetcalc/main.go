package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tmerz/assetcalc/config"
	"github.com/tmerz/assetcalc/drivers/bundle"
	"github.com/tmerz/assetcalc/engine"
	"github.com/tmerz/assetcalc/hierarchy"
	"github.com/tmerz/assetcalc/internal/logging"
	"github.com/tmerz/assetcalc/service"
	"github.com/tmerz/assetcalc/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate the asset model and exit")
	api := flag.Bool("api", false, "Enable the HTTP API even if disabled in the configuration")
	apiListen := flag.String("api-listen", "", "Override the HTTP API listen address")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := bundle.RegisterAll(); err != nil {
		log.Fatal().Err(err).Msg("failed to register drivers")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	srv, err := service.New(cfg, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()
	srv.WatchConfig(*cfgPath)

	if cfg.API.Enabled || *api {
		listen := cfg.API.Listen
		if *apiListen != "" {
			listen = *apiListen
		}
		if err := srv.EnableAPI(listen); err != nil {
			logger.Fatal().Err(err).Msg("failed to start api")
		}
	}

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	store, err := hierarchy.Load(cfg.Model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asset model invalid: %v\n", err)
		return 1
	}

	reports := engine.AnalyzeModel(store)
	if len(reports) == 0 {
		fmt.Println("No transformed attributes configured.")
		return 0
	}

	exitCode := 0
	for _, report := range reports {
		fmt.Printf("Attribute %s/%s (%s)\n", report.NodeID, report.AttributeID, report.Name)
		printExpression("Transformation", report.Expression)
		if len(report.Inputs) == 0 {
			fmt.Println("  Inputs: <none>")
		} else {
			fmt.Println("  Inputs:")
			for _, input := range report.Inputs {
				fmt.Printf("    - %s\n", input)
			}
		}
		if len(report.Errors) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range report.Errors {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}

	if exitCode == 0 {
		fmt.Println("Model check completed successfully.")
	} else {
		fmt.Println("Model check completed with errors.")
	}
	return exitCode
}

func printExpression(label, expr string) {
	fmt.Printf("  %s:\n", label)
	if expr == "" {
		fmt.Println("    <empty>")
		return
	}
	for _, line := range strings.Split(expr, "\n") {
		fmt.Printf("    %s\n", strings.TrimRight(line, " \t"))
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Prometheus.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(nil)
}
