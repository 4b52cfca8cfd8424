// Package progress delivers patch-storage progress events to an optional
// observer, so long-running blob fetches can report without coupling the
// storage backends to any output layer.
package progress

// PullStage marks where a remote patch-blob fetch currently is.
type PullStage string

const (
	// StageResolving means the Build-ID is being resolved to a blob
	// reference in remote storage.
	StageResolving PullStage = "resolving"
	// StagePulling means the blob's bytes have been fetched.
	StagePulling PullStage = "pulling"
	// StageDone means the blob decoded and verified successfully.
	StageDone PullStage = "done"
)

// PullEvent is one step of fetching the patch blob for a Build-ID.
type PullEvent struct {
	BuildID string
	Stage   PullStage
	Bytes   int64
}

// Tracker receives pull progress events. Implementations must be safe for
// concurrent use; lookups fan out across goroutines.
type Tracker interface {
	OnPull(PullEvent)
}

// TrackerFunc adapts a plain function to Tracker.
type TrackerFunc func(PullEvent)

func (f TrackerFunc) OnPull(e PullEvent) { f(e) }

// Nop discards all events.
var Nop Tracker = TrackerFunc(func(PullEvent) {})
