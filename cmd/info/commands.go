// Package info implements the `livepatch info` subcommand: a read-only
// report of each target process's loaded objects and their patch state.
package info

import "github.com/spf13/cobra"

// Actions is the info subcommand's handler surface.
type Actions interface {
	Run(cmd *cobra.Command, args []string) error
}

// Command builds the `info` cobra command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Report loaded objects and patch state for one or all processes",
		RunE:  h.Run,
	}
	cmd.Flags().StringP("pid", "p", "", `target PID, or "all"/"-1" for every process`)
	cmd.Flags().StringP("build-id", "b", "", "match objects by exact Build-ID; exclusive with --regex/--storage")
	cmd.Flags().StringP("storage", "s", "", "patch storage path to query instead of the configured one")
	cmd.Flags().StringP("regex", "r", "", "match objects whose path matches this regular expression")
	cmd.MarkFlagsMutuallyExclusive("build-id", "regex")
	cmd.MarkFlagsMutuallyExclusive("build-id", "storage")
	return cmd
}
