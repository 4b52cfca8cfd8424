// Package core holds CLI plumbing shared by every subcommand package: config
// access, the wired collaborator stack (ProcessControl/ELFLoader/Storage),
// and small formatting helpers.
package core

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lp-systems/livepatch/config"
	"github.com/lp-systems/livepatch/orchestrator"
	"github.com/lp-systems/livepatch/patchstore"
	"github.com/lp-systems/livepatch/progress"
	"github.com/lp-systems/livepatch/registry"
	"github.com/lp-systems/livepatch/remote"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// OpenStorage opens the configured patch storage backend: the OCI-registry
// shape when conf.StorageIsOCI, otherwise whichever filesystem shape
// patchstore.Open detects (single file vs Build-ID directory tree).
func OpenStorage(conf *config.Config) (*patchstore.Storage, error) {
	if conf.StorageIsOCI {
		return patchstore.OpenOCI(conf.StoragePath, progress.Nop)
	}
	return patchstore.Open(conf.StoragePath)
}

// InitOrchestrator wires the production ptrace collaborator and configured
// storage into an Orchestrator ready to drive Patch/Unpatch/Describe.
func InitOrchestrator(conf *config.Config) (*orchestrator.Orchestrator, *patchstore.Storage, error) {
	return InitOrchestratorWithPath(conf, "")
}

// InitOrchestratorWithPath is InitOrchestrator, but overridePath, when
// non-empty, replaces the configured storage path — the `patch` subcommand's
// optional `<patch-path>` positional argument, which names a single blob
// to install directly rather than consulting the configured store.
func InitOrchestratorWithPath(conf *config.Config, overridePath string) (*orchestrator.Orchestrator, *patchstore.Storage, error) {
	var (
		store *patchstore.Storage
		err   error
	)
	if overridePath != "" {
		store, err = patchstore.Open(overridePath)
	} else {
		store, err = OpenStorage(conf)
	}
	if err != nil {
		return nil, nil, err
	}
	pc := remote.NewPtrace()
	el := remote.NewELFLoader()
	cf := remote.NewNoCoroutineFinder()
	o := orchestrator.New(pc, el, cf, store, conf.Paranoid, os.Getpid())
	o.LockDir = conf.RunDir()
	o.Registry = registry.Open(conf.RegistryPath(), conf.RegistryLockPath())
	return o, store, nil
}

// ParsePIDArg parses the -p/--pid flag value, accepting "all" or "-1" for
// the every-process fan-out mode.
func ParsePIDArg(s string) (int, error) {
	if s == "all" || s == "-1" {
		return orchestrator.AllProcesses, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --pid %q: %w", s, err)
	}
	return pid, nil
}
