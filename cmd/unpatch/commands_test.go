package unpatch

import (
	"testing"

	"github.com/spf13/cobra"
)

type fakeActions struct{}

func (fakeActions) Run(cmd *cobra.Command, args []string) error { return nil }

func TestCommandRegistersFlags(t *testing.T) {
	cmd := Command(fakeActions{})
	if cmd.Flags().Lookup("pid") == nil {
		t.Error("expected a \"pid\" flag to be registered")
	}
}

func TestCommandRunsHandler(t *testing.T) {
	cmd := Command(fakeActions{})
	cmd.SetArgs([]string{"--pid", "all", "abc123"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
