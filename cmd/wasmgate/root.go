package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/runtime"
)

var rootCmd = &cobra.Command{
	Use:   "wasmgate",
	Short: "Host runtime for sandboxed WASI HTTP handler modules",
	Long: `wasmgate - Serve HTTP requests from sandboxed WebAssembly handlers.

Handlers are WASI HTTP incoming-handler modules loaded from a local
module directory. Requests dispatch through per-module admission
control, circuit breaking, and hard resource limits; orchestration
scripts can compose several handlers server-side.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().String("modules-dir", "", "Directory holding <name>.wasm handler artifacts")
	rootCmd.PersistentFlags().String("scripts-dir", "", "Directory holding <name>.js orchestration scripts")
	rootCmd.PersistentFlags().String("cache-dir", "", "Directory for the persisted compilation cache")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig merges the optional config file with flag overrides.
func loadConfig(cmd *cobra.Command) (runtime.Config, error) {
	cfg := runtime.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		cfg, err = runtime.LoadConfig(path)
		if err != nil {
			return runtime.Config{}, err
		}
	}

	if v, _ := cmd.Flags().GetString("modules-dir"); v != "" {
		cfg.ModulesDir = v
	}
	if v, _ := cmd.Flags().GetString("scripts-dir"); v != "" {
		cfg.ScriptsDir = v
	}
	if v, _ := cmd.Flags().GetString("cache-dir"); v != "" {
		cfg.CacheDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}

	if err := cfg.Validate(); err != nil {
		return runtime.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg runtime.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
