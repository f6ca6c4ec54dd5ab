// Package main is the entry point for the polis-flow binary. It correlates
// gateway telemetry records into transactions and publishes them to
// viewers.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/logging"
)

const version = "0.3.0"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "polis-flow",
		Short: "Gateway telemetry correlation for Polis",
		Long: `polis-flow receives per-request records from the gateway's TCP reporter,
correlates them into end-to-end transactions and streams the reconstructed
interaction to viewers over WebSocket.

Example:
  polis-flow serve --config flow.yaml
  polis-flow replay capture.ndjson`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file (defaults to .env when present)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human readable log output")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newReplayCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadEnvFile loads path, or .env from the working directory when no path
// is given and the file exists.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadConfig loads the configuration and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

// baseDir is the directory relative policy module paths resolve against.
func (o *rootOptions) baseDir() string {
	if o.configPath == "" {
		return ""
	}
	return filepath.Dir(o.configPath)
}

func (o *rootOptions) setupLogger(cfg *config.Config) *slog.Logger {
	return logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-flow version %s\n", version)
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return configCmd
}
