package unpatch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/lp-systems/livepatch/cmd/core"
	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/orchestrator"
	"github.com/lp-systems/livepatch/procview"
)

// Handler implements Actions against the wired Orchestrator.
type Handler struct {
	cmdcore.BaseHandler
}

var _ Actions = Handler{}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	pidArg, err := cmd.Flags().GetString("pid")
	if err != nil {
		return err
	}
	pid, err := cmdcore.ParsePIDArg(pidArg)
	if err != nil {
		return err
	}

	filter := matchFilter(args)

	if pid == orchestrator.AllProcesses && filter == nil && !confirmUnpatchAll() {
		fmt.Println("aborted")
		return nil
	}

	o, store, err := cmdcore.InitOrchestrator(conf)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	results, err := o.Unpatch(ctx, pid, filter)
	if err != nil {
		return err
	}

	return summarize(ctx, results)
}

// matchFilter builds the positional-argument selector: an empty list means
// "all", and each argument matches an object whose Build-ID or path equals
// it (either field, since the caller may name a patched library either way).
func matchFilter(args []string) func(obj *procview.Object) bool {
	if len(args) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(args))
	for _, a := range args {
		want[a] = struct{}{}
	}
	return func(obj *procview.Object) bool {
		if _, ok := want[obj.BuildID]; ok {
			return true
		}
		_, ok := want[obj.Name]
		return ok
	}
}

// confirmUnpatchAll asks before cancelling every installed patch in every
// process on the host. Only prompts when stdin is a terminal; scripted
// callers proceed without one.
func confirmUnpatchAll() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	fmt.Print("This cancels every installed patch in every process. Continue? [y/N] ")
	var answer string
	_, _ = fmt.Scanln(&answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}

func summarize(ctx context.Context, results []orchestrator.Result) error {
	var failed int
	for _, r := range results {
		switch {
		case r.Err == nil:
			fmt.Printf("pid %d: %d patch hunk(s) were successfully cancelled\n", r.PID, r.Hunks)
		case errors.Is(r.Err, errs.ErrNoMatch):
			// Nonfatal: nothing installed in this process to cancel.
			fmt.Printf("No patch(es) to cancel for PID '%d'\n", r.PID)
		default:
			failed++
			log.WithFunc("cmd.unpatch").Warnf(ctx, "pid %d: %v", r.PID, r.Err)
			fmt.Printf("pid %d: %v\n", r.PID, r.Err)
		}
	}
	if failed > 0 && failed == len(results) {
		return fmt.Errorf("unpatch failed for all %d target(s)", len(results))
	}
	return nil
}
