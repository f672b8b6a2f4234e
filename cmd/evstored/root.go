package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore/internal/config"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	logLevel   string
	backend    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "evstored",
		Short:        "evstored - event store server",
		Long:         "An append-only event store with optimistic concurrency on pluggable backends.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "backend type (memory|sqlite|postgres|dynamodb|nats|redis)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReadCommand(opts))
	cmd.AddCommand(newHeadCommand(opts))
	cmd.AddCommand(newCommitCommand(opts))
	cmd.AddCommand(newUndispatchedCommand(opts))

	return cmd
}

// load reads the configuration; flags win over file and environment.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.backend != "" {
		cfg.Backend.Type = o.backend
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
