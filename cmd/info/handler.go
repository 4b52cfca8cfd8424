package info

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	cmdcore "github.com/lp-systems/livepatch/cmd/core"
	"github.com/lp-systems/livepatch/config"
	"github.com/lp-systems/livepatch/orchestrator"
	"github.com/lp-systems/livepatch/patchstore"
	"github.com/lp-systems/livepatch/procfs"
)

// Handler implements Actions against procfs and configured Storage. Info
// is a read-only pass; it never attaches to the target.
type Handler struct {
	cmdcore.BaseHandler
}

var _ Actions = Handler{}

func (h Handler) Run(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	pidArg, err := cmd.Flags().GetString("pid")
	if err != nil {
		return err
	}
	buildID, err := cmd.Flags().GetString("build-id")
	if err != nil {
		return err
	}
	storagePath, err := cmd.Flags().GetString("storage")
	if err != nil {
		return err
	}
	pattern, err := cmd.Flags().GetString("regex")
	if err != nil {
		return err
	}

	// "info -b <buildid>" without "-p" is a storage-only existence probe:
	// answer "is there a patch for this Build-ID" without attaching to, or
	// even enumerating, any process.
	if buildID != "" && pidArg == "" {
		return h.probeBuildID(ctx, conf, buildID)
	}

	var matcher func(path, bid string) bool
	switch {
	case buildID != "":
		matcher = func(_, bid string) bool { return bid == buildID }
	case pattern != "":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid --regex %q: %w", pattern, err)
		}
		matcher = func(path, _ string) bool { return re.MatchString(path) }
	default:
		store, err := openStorage(conf, storagePath)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		matcher = func(_, bid string) bool {
			_, err := store.Find(ctx, bid, false)
			return err == nil
		}
	}

	pid, err := cmdcore.ParsePIDArg(pidArg)
	if err != nil {
		return err
	}
	pids, err := resolvePIDs(pid)
	if err != nil {
		return err
	}

	for _, p := range pids {
		printObjects(p, matcher)
	}
	return nil
}

// probeBuildID answers "is there a patch for this Build-ID in storage"
// without touching any process.
func (h Handler) probeBuildID(ctx context.Context, conf *config.Config, buildID string) error {
	store, err := openStorage(conf, "")
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if _, err := store.Find(ctx, buildID, false); err != nil {
		fmt.Printf("build-id %s: no patch in storage\n", buildID)
		return nil
	}
	fmt.Printf("build-id %s: patch available\n", buildID)
	return nil
}

// openStorage opens override if non-empty (a filesystem storage path
// supplied via -s), otherwise the configured storage (conf.StoragePath, OCI
// or filesystem per conf.StorageIsOCI).
func openStorage(conf *config.Config, override string) (*patchstore.Storage, error) {
	if override != "" {
		return patchstore.Open(override)
	}
	return cmdcore.OpenStorage(conf)
}

// resolvePIDs expands requested into the concrete PID list, mirroring
// orchestrator's own "-1 = every process" fan-out for this read-only
// command that doesn't otherwise need a full Orchestrator.
func resolvePIDs(requested int) ([]int, error) {
	if requested != orchestrator.AllProcesses {
		return []int{requested}, nil
	}
	return procfs.ListPIDs(os.Getpid())
}

// printObjects prints one "pid=<n> comm=<...>" header followed by one
// "<name> <buildid>" line per matching object, skipping the header
// entirely when pid has no matches.
func printObjects(pid int, matches func(path, buildID string) bool) {
	objs, err := procfs.Objects(pid)
	if err != nil {
		return
	}
	comm, _ := procfs.Comm(pid)

	headerPrinted := false
	for _, obj := range objs {
		if obj.BuildID == "" || !matches(obj.Path, obj.BuildID) {
			continue
		}
		if !headerPrinted {
			fmt.Printf("pid=%d comm=%s\n", pid, comm)
			headerPrinted = true
		}
		fmt.Printf("%s %s\n", obj.Path, obj.BuildID)
	}
}
