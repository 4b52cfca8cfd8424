package patch

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/lp-systems/livepatch/cmd/core"
	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/orchestrator"
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
	justStarted, err := cmd.Flags().GetBool("just-started")
	if err != nil {
		return err
	}
	preloadFD, err := cmd.Flags().GetInt("preload-fd")
	if err != nil {
		return err
	}

	var patchPath string
	if len(args) > 0 {
		patchPath = args[0]
	}

	o, store, err := cmdcore.InitOrchestratorWithPath(conf, patchPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	results, err := o.Patch(ctx, pid, orchestrator.PatchOptions{JustStarted: justStarted, PreloadFD: preloadFD})
	if err != nil {
		return err
	}

	return summarize(ctx, results)
}

func summarize(ctx context.Context, results []orchestrator.Result) error {
	var failed int
	for _, r := range results {
		switch {
		case r.Err == nil:
			fmt.Printf("pid %d: %d patch hunk(s) successfully applied\n", r.PID, r.Hunks)
		case errors.Is(r.Err, errs.ErrNoMatch):
			// Nonfatal: nothing in storage applies to this process.
			fmt.Printf("No patch(es) applicable to PID '%d'\n", r.PID)
		default:
			failed++
			log.WithFunc("cmd.patch").Warnf(ctx, "pid %d: %v", r.PID, r.Err)
			fmt.Printf("pid %d: %v\n", r.PID, r.Err)
		}
	}
	if failed > 0 && failed == len(results) {
		return fmt.Errorf("patch failed for all %d target(s)", len(results))
	}
	return nil
}
