package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/evtree-dev/evtree/internal/observability"
	"github.com/evtree-dev/evtree/pkg/config"
	"github.com/evtree-dev/evtree/pkg/metrics"
	"github.com/evtree-dev/evtree/pkg/session"
)

// Version information (set via ldflags)
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "evtree",
	Short:         "Branchable, append-only event log for agent sessions",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfig := filepath.Join(os.Getenv("HOME"), ".evtree", "config.yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openManager builds the session manager from the configured backend.
// The returned cleanup closes the backend and flushes traces.
func openManager(ctx context.Context) (*session.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if err := observability.Init(observability.Config{
		ServiceName:  "evtree",
		Enabled:      cfg.Tracing.Enabled,
		ExporterType: cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.Endpoint,
	}); err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitMetrics()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.MetricsHandler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	backend, err := cfg.OpenBackend(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}

	mgr := session.NewManager(backend)
	cleanup := func() {
		if err := mgr.Close(); err != nil {
			log.Printf("close backend: %v", err)
		}
		if err := observability.Shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}
	return mgr, cleanup, nil
}
