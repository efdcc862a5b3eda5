package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewInitCommand creates `driftsync init`.
//
// Init provisions this device: it generates a peer id when the config
// has none, persists the configuration, and brings the engine online
// once so the store carries our records (bootstrapping from existing
// peers when the store is already populated).
func NewInitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Provision this device and join the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.DB != "" {
				cfg.DB = opts.DB
			}
			if opts.Peer != "" {
				cfg.Peer = opts.Peer
			}

			generated := false
			if cfg.Peer == "" {
				// UUIDv7 sorts by creation time, which keeps debug
				// listings of peers readable.
				cfg.Peer = uuid.Must(uuid.NewV7()).String()
				generated = true
			}

			if err := SaveConfig(opts.ConfigPath, cfg); err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), &RootOptions{
				ConfigPath: opts.ConfigPath,
				Format:     opts.Format,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.engine.Debug(cmd.Context())
			if err != nil {
				return err
			}

			if generated {
				fmt.Fprintf(cmd.OutOrStdout(), "generated peer id %s\n", cfg.Peer)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peer %s joined %s (%d peers known, %d todos)\n",
				cfg.Peer, cfg.DB, len(view.Metas), a.list.Len())
			return nil
		},
	}
}
