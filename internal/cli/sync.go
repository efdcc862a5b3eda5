package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates `driftsync sync`.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull and replay unseen events from other peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, res)
		},
	}
}

// NewWatchCommand creates `driftsync watch`: stay attached and sync on
// every remote change until interrupted.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay attached and sync whenever another peer writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			// Catch up before settling into the change loop.
			if _, err := a.engine.Sync(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s as %s (interrupt to stop)\n", a.cfg.DB, a.cfg.Peer)

			if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

// NewGCCommand creates `driftsync gc`.
func NewGCCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one collection pass over the local peer's log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.GC(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "collection pass complete")
			return nil
		},
	}
}

// NewDebugCommand creates `driftsync debug`.
func NewDebugCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Dump the engine's diagnostic view",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.engine.Debug(cmd.Context())
			if err != nil {
				return err
			}
			return writeDebug(cmd.OutOrStdout(), opts.Format, view)
		},
	}
}
