// Package main is the entry point for the agpool account-pool proxy.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/j-veylop/antigravity-pool/internal/config"
	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/services"
	"github.com/j-veylop/antigravity-pool/internal/version"
)

var (
	logLevel   string
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "agpool",
	Short: "Antigravity account pool",
	Long: `agpool fronts the Antigravity upstream API with a pool of accounts.

It refreshes tokens, tracks per-model quota, keeps quota windows warm and
routes each request through the account with the most remaining quota.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version.GetVersion(),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config.toml")
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddCommand(
		serveCmd,
		warmupCmd,
		statusCmd,
		historyCmd,
		callsCmd,
		accountsCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and sets up logging from it.
func loadConfig() (*config.Config, io.Closer, error) {
	if configFile != "" {
		if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
			return nil, nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	closer := logger.Setup(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	return cfg, closer, nil
}

// withManager runs fn with a manager built from the loaded configuration.
func withManager(fn func(cfg *config.Config, m *services.Manager) error) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	m, err := services.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: error closing services: %v\n", closeErr)
		}
	}()

	return fn(cfg, m)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}
