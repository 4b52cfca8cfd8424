package others

import "github.com/spf13/cobra"

// Actions organizes cross-cutting system subcommands.
type Actions interface {
	Version(cmd *cobra.Command, args []string) error
	History(cmd *cobra.Command, args []string) error
	Prune(cmd *cobra.Command, args []string) error
}

// Commands builds the system command set.
func Commands(h Actions) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
		{
			Use:   "history",
			Short: "Show recorded apply/cancel history",
			RunE:  h.History,
		},
		{
			Use:   "prune",
			Short: "Remove per-PID lock files left behind by exited processes",
			RunE:  h.Prune,
		},
	}
}
