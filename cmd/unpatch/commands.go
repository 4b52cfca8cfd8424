// Package unpatch implements the `livepatch unpatch` subcommand: attach
// to one or more target PIDs and remove any installed patches, restoring
// the original code.
package unpatch

import "github.com/spf13/cobra"

// Actions is the unpatch subcommand's handler surface.
type Actions interface {
	Run(cmd *cobra.Command, args []string) error
}

// Command builds the `unpatch` cobra command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpatch [build-id-or-name ...]",
		Short: "Remove installed patches from one or all running processes",
		RunE:  h.Run,
	}
	cmd.Flags().StringP("pid", "p", "", `target PID, or "all"/"-1" for every process`)
	return cmd
}
