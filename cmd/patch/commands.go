// Package patch implements the `livepatch patch` subcommand: attach to
// one or more target PIDs and install any matching patch storage offers.
package patch

import "github.com/spf13/cobra"

// Actions is the patch subcommand's handler surface.
type Actions interface {
	Run(cmd *cobra.Command, args []string) error
}

// Command builds the `patch` cobra command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch [patch-path]",
		Short: "Install matching patches into one or all running processes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Run,
	}
	cmd.Flags().StringP("pid", "p", "", `target PID, or "all"/"-1" for every process`)
	cmd.Flags().BoolP("just-started", "s", false, "the target was just execve'd; run it to its entry point before mapping objects")
	cmd.Flags().IntP("preload-fd", "r", 0, "descriptor inherited from an execve-preload rendezvous wrapper")
	return cmd
}
