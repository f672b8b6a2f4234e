package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

// withStore opens the configured backend for a one-shot command.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Store().Close() }()
	return fn(ctx, a)
}
