// Package main runs the CRM pipeline service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-crm-pipeline/internal/config"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "crm-pipeline",
	Short: "CRM pipeline stage-transition and automation service",
	Long: `crm-pipeline moves deals, quotes, invoices, shipments and contracts through
their lifecycles, gates sensitive moves behind approvals and runs the
downstream automation each move triggers.

Examples:
  crm-pipeline serve                       # HTTP and gRPC servers
  crm-pipeline migrate                     # apply database migrations
  crm-pipeline serve --config ./crm.yaml   # with a config file`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file (env PIPELINE_* overrides)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the service logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}
