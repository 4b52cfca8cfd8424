package core

import (
	"testing"

	"github.com/lp-systems/livepatch/config"
	"github.com/lp-systems/livepatch/orchestrator"
)

func TestParsePIDArgAll(t *testing.T) {
	for _, s := range []string{"all", "-1"} {
		pid, err := ParsePIDArg(s)
		if err != nil {
			t.Fatalf("ParsePIDArg(%q): %v", s, err)
		}
		if pid != orchestrator.AllProcesses {
			t.Errorf("ParsePIDArg(%q) = %d, want AllProcesses", s, pid)
		}
	}
}

func TestParsePIDArgNumeric(t *testing.T) {
	pid, err := ParsePIDArg("4242")
	if err != nil {
		t.Fatalf("ParsePIDArg: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestParsePIDArgInvalid(t *testing.T) {
	if _, err := ParsePIDArg("not-a-pid"); err == nil {
		t.Fatal("expected an error for a non-numeric, non-'all' pid argument")
	}
}

func TestConfNilProvider(t *testing.T) {
	h := BaseHandler{}
	if _, err := h.Conf(); err == nil {
		t.Fatal("expected an error when ConfProvider is nil")
	}
}

func TestConfNilConfig(t *testing.T) {
	h := BaseHandler{ConfProvider: func() *config.Config { return nil }}
	if _, err := h.Conf(); err == nil {
		t.Fatal("expected an error when ConfProvider returns nil")
	}
}

func TestConfReturnsConfig(t *testing.T) {
	want := config.DefaultConfig()
	h := BaseHandler{ConfProvider: func() *config.Config { return want }}
	got, err := h.Conf()
	if err != nil {
		t.Fatalf("Conf: %v", err)
	}
	if got != want {
		t.Fatal("Conf must return exactly what ConfProvider returns")
	}
}

func TestCommandContextFallsBackToBackground(t *testing.T) {
	ctx := CommandContext(nil)
	if ctx == nil {
		t.Fatal("CommandContext(nil) must not return a nil context")
	}
}
