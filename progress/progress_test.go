package progress

import "testing"

func TestTrackerFuncDispatches(t *testing.T) {
	var got PullEvent
	tracker := TrackerFunc(func(e PullEvent) { got = e })

	tracker.OnPull(PullEvent{BuildID: "deadbeef", Stage: StagePulling, Bytes: 42})

	if got.BuildID != "deadbeef" || got.Stage != StagePulling || got.Bytes != 42 {
		t.Fatalf("got %+v, want the dispatched event", got)
	}
}

func TestNopDiscards(t *testing.T) {
	// Must not panic regardless of the event.
	Nop.OnPull(PullEvent{Stage: StageResolving})
	Nop.OnPull(PullEvent{})
}
