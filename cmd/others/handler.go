package others

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	cmdcore "github.com/lp-systems/livepatch/cmd/core"
	"github.com/lp-systems/livepatch/registry"
	"github.com/lp-systems/livepatch/utils"
	"github.com/lp-systems/livepatch/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

var _ Actions = Handler{}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

func (h Handler) History(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	reg := registry.Open(conf.RegistryPath(), conf.RegistryLockPath())
	events, err := reg.Recent(ctx)
	if err != nil {
		return err
	}
	for _, e := range events {
		action := "applied"
		if e.Cancelled {
			action = "cancelled"
		}
		fmt.Printf("%s\tpid %d\t%s\t%s\tlevel %d\t%s\t%s\n",
			e.At.Format("2006-01-02T15:04:05"), e.PID, e.Name, e.BuildID, e.Level,
			units.BytesSize(float64(e.Size)), action)
	}
	return nil
}

// Prune removes per-PID lock files left behind under
// conf.RunDir() by processes that have since exited — the orchestrator never
// cleans these up itself, since a lock file's absence and presence are both
// benign to a future Patch/Unpatch run against the same PID.
func (h Handler) Prune(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	removed := utils.RemoveMatching(cmdcore.CommandContext(cmd), conf.RunDir(), func(e os.DirEntry) bool {
		if e.IsDir() {
			return false
		}
		pid, ok := pidFromLockName(e.Name())
		return ok && !utils.IsProcessAlive(pid)
	})
	for _, rmErr := range removed {
		fmt.Fprintln(os.Stderr, "prune:", rmErr)
	}
	return nil
}

// pidFromLockName extracts the PID from a "pid-<n>.lock" run-directory entry
// name, as written by config.Config.LockPath.
func pidFromLockName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "pid-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".lock")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return pid, true
}
