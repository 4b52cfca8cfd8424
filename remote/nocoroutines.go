package remote

import "context"

// NoCoroutineFinder is the default CoroutineFinder: it reports no coroutines.
// Recognizing a specific user-space coroutine runtime's register layout
// (goroutines, ucontext fibers, etc.) is a collaborator concern; wiring a real
// one in means implementing CoroutineFinder against that runtime's ABI and
// passing it to orchestrator.New instead of this default.
type NoCoroutineFinder struct{}

// NewNoCoroutineFinder returns a CoroutineFinder that always finds nothing.
func NewNoCoroutineFinder() *NoCoroutineFinder { return &NoCoroutineFinder{} }

var _ CoroutineFinder = (*NoCoroutineFinder)(nil)

func (NoCoroutineFinder) Find(ctx context.Context, pid int) ([]CoroutineHandle, error) {
	return nil, nil
}

func (NoCoroutineFinder) Registers(ctx context.Context, pid int, h CoroutineHandle) (RegisterState, error) {
	return RegisterState{}, nil
}
