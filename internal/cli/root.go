// Package cli wires the tapesim commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tapesim/internal/config"
)

// Version is stamped at build time with -ldflags "-X tapesim/internal/cli.Version=...".
var Version = "dev"

// RootConfig carries persistent flag values and the resolved configuration
// to subcommands.
type RootConfig struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	DataDir    string
	TZ         string

	Config *config.Config
	Logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	rc := &RootConfig{}

	cmd := &cobra.Command{
		Use:           "tapesim",
		Short:         "tapesim: historical market replay with a local order simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "", "Path to config file (.toml, .yaml or .json)")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&rc.LogFormat, "log-format", "text", "Log format: text|json")
	cmd.PersistentFlags().StringVar(&rc.DataDir, "data-dir", "", "Directory holding the parquet datasets")
	cmd.PersistentFlags().StringVar(&rc.TZ, "tz", "", "Time zone for wall-clock times")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return rc.load(cmd)
	}

	cmd.AddCommand(
		newServeCmd(rc),
		newCatalogCmd(rc),
		newSnapshotCmd(rc),
		newSynthCmd(rc),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tapesim %s\n", Version)
		},
	})

	return cmd
}

// load resolves the config file, environment and flags, in that order of
// increasing precedence.
func (rc *RootConfig) load(cmd *cobra.Command) error {
	cfg, err := config.LoadFromFile(rc.ConfigPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = rc.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = rc.LogFormat
	}
	if flags.Changed("data-dir") {
		cfg.Data.Dir = rc.DataDir
	}
	if flags.Changed("tz") {
		cfg.Data.TZ = rc.TZ
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	rc.Config = cfg
	rc.Logger = logger
	return nil
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
