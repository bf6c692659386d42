package tracker

import "context"

// Gate is a FIFO exclusive lock guarding all issue-tracker access. The
// backing store tolerates only one writer in this process, so the gate
// is global: a single critical section across all sessions and
// projects. Release is guaranteed even when the guarded function
// panics or fails.
type Gate struct {
	ch chan struct{}
}

// NewGate creates an unlocked gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// RunExclusive executes fn while holding the gate. Waiters queue in
// FIFO order. The gate is released when fn returns, whether or not it
// fails. Acquisition is abandoned when ctx expires, which bounds the
// wait and returns ctx.Err().
func (g *Gate) RunExclusive(ctx context.Context, fn func() error) error {
	select {
	case g.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.ch }()
	return fn()
}
