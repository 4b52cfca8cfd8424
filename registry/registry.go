// Package registry keeps a local, best-effort audit trail of patch
// apply/cancel operations this host has performed, backed by a
// flock-protected JSON store. It is
// never consulted to decide whether a process is patched — that is always
// re-derived from the victim's own memory (orchestrator.detectApplied)
// — it exists purely so `livepatch history` and operators can see recent
// history even across processes that have since exited.
package registry

import (
	"context"
	"time"

	"github.com/lp-systems/livepatch/storage"
	storejson "github.com/lp-systems/livepatch/storage/json"
)

// Event is one recorded apply or cancel.
type Event struct {
	// ID correlates every event of one orchestrator run against one PID;
	// the same value appears in that run's log lines.
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	BuildID   string    `json:"build_id"`
	Level     uint64    `json:"level"`
	// Size is the patch blob's total size in bytes, 0 when unknown
	// (events recorded before the blob was duplicated).
	Size      int64     `json:"size"`
	Cancelled bool      `json:"cancelled"`
	At        time.Time `json:"at"`
}

// Data is the top-level JSON document: the most recent events, newest last.
type Data struct {
	Events []Event `json:"events"`
}

// Init satisfies storage.Initer: a freshly-created document starts empty.
func (d *Data) Init() {
	if d.Events == nil {
		d.Events = []Event{}
	}
}

var _ storage.Initer = (*Data)(nil)

// maxEvents bounds the history file so it never grows unbounded on a busy host.
const maxEvents = 4096

// Registry is a handle to the on-disk history file.
type Registry struct {
	store *storejson.Store[Data]
}

// Open returns a Registry backed by path, serialized via lockPath.
func Open(path, lockPath string) *Registry {
	return &Registry{store: storejson.New[Data](lockPath, path)}
}

// Record appends ev to the history, trimming the oldest entries past maxEvents.
func (r *Registry) Record(ctx context.Context, ev Event) error {
	return r.store.Update(ctx, func(d *Data) error {
		d.Events = append(d.Events, ev)
		if len(d.Events) > maxEvents {
			d.Events = d.Events[len(d.Events)-maxEvents:]
		}
		return nil
	})
}

// Recent returns the history file's events in recording order.
func (r *Registry) Recent(ctx context.Context) ([]Event, error) {
	var out []Event
	err := r.store.With(ctx, func(d *Data) error {
		out = append(out, d.Events...)
		return nil
	})
	return out, err
}
