package patch

import (
	"testing"

	"github.com/spf13/cobra"
)

type fakeActions struct{}

func (fakeActions) Run(cmd *cobra.Command, args []string) error { return nil }

func TestCommandRegistersPIDFlag(t *testing.T) {
	cmd := Command(fakeActions{})
	if cmd.Flags().Lookup("pid") == nil {
		t.Fatal("expected a --pid flag to be registered")
	}
}

func TestCommandRunsHandler(t *testing.T) {
	cmd := Command(fakeActions{})
	cmd.SetArgs([]string{"--pid", "4242"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestCommandAcceptsJustStartedAndPatchPath(t *testing.T) {
	cmd := Command(fakeActions{})
	cmd.SetArgs([]string{"--pid", "4242", "-s", "/tmp/my.kpatch"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestCommandRejectsTooManyPositionalArgs(t *testing.T) {
	cmd := Command(fakeActions{})
	cmd.SetArgs([]string{"--pid", "4242", "one.kpatch", "two.kpatch"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for more than one positional argument")
	}
}
