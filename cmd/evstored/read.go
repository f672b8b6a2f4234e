package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/app"
)

func newReadCommand(opts *rootOptions) *cobra.Command {
	var (
		from  uint64
		to    uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "read <stream-id>",
		Short: "Print the events of a stream as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, a *app.App) error {
				events, err := a.Store().Read(
					ctx,
					args[0],
					es.WithFromVersion(es.Version(from)),
					es.WithToVersion(es.Version(to)),
					es.WithLimit(limit),
				)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range events {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "first version to print")
	cmd.Flags().Uint64Var(&to, "to", 0, "last version to print (0 = head)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 = all)")
	return cmd
}

func newHeadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "head <stream-id>",
		Short: "Print the current version of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, a *app.App) error {
				v, err := a.Store().CurrentVersion(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			})
		},
	}
}

func newCommitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "commit <commit-id>",
		Short: "Print a commit with its events as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, a *app.App) error {
				c, err := a.Store().ReadCommit(ctx, args[0])
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(c)
			})
		},
	}
}

func newUndispatchedCommand(opts *rootOptions) *cobra.Command {
	var (
		limit int
		mark  bool
	)
	cmd := &cobra.Command{
		Use:   "undispatched",
		Short: "Print undispatched commits as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, a *app.App) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				if mark {
					_, err := a.Store().Dispatch(ctx, limit, func(_ context.Context, c es.Commit) error {
						return enc.Encode(c)
					})
					return err
				}

				commits, err := a.Store().UndispatchedCommits(ctx, limit)
				if err != nil {
					return err
				}
				for _, c := range commits {
					if err := enc.Encode(c); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of commits (0 = all)")
	cmd.Flags().BoolVar(&mark, "mark", false, "mark printed commits as dispatched")
	return cmd
}
