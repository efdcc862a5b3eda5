package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/todo"
)

// NewAddCommand creates `driftsync add <title>`.
func NewAddCommand(opts *RootOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "add <title>...",
		Short: "Add a todo and record it for replication",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if id == "" {
				id = uuid.Must(uuid.NewV7()).String()
			}
			title := strings.Join(args, " ")
			if err := a.recordOp(cmd.Context(), todo.OpAdd, todo.AddPayload(id, title)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s: %s\n", id, title)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "explicit item id (generated when omitted)")
	return cmd
}

// NewDoneCommand creates `driftsync done <id>`.
func NewDoneCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a todo as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.recordOp(cmd.Context(), todo.OpDone, todo.RefPayload(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done %s\n", args[0])
			return nil
		},
	}
}

// NewRemoveCommand creates `driftsync rm <id>`.
func NewRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a todo",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.recordOp(cmd.Context(), todo.OpRemove, todo.RefPayload(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

// NewListCommand creates `driftsync list`.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var noSync bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the todo list",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noSync {
				if _, err := a.engine.Sync(cmd.Context()); err != nil {
					return err
				}
			}
			return writeItems(cmd.OutOrStdout(), opts.Format, a.list.Items())
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "print local state without pulling first")
	return cmd
}
