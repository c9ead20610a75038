package engine

import (
	"context"

	"go.uber.org/zap"
)

// Continuation is the pending remainder of an async host call. The
// callback is invoked from Poll until it reports done; the finalizer runs
// exactly once, when the call completes, fails or is deleted.
type Continuation struct {
	callback  func(ctx context.Context) (bool, error)
	finalizer func()
	finalized bool
}

// NewContinuation creates a continuation. finalizer may be nil.
func NewContinuation(callback func(ctx context.Context) (bool, error), finalizer func()) *Continuation {
	if callback == nil {
		panic("wasmvm: continuation without callback")
	}
	return &Continuation{callback: callback, finalizer: finalizer}
}

func (c *Continuation) poll(ctx context.Context) (bool, error) {
	return c.callback(ctx)
}

func (c *Continuation) finalize() {
	if c.finalized {
		return
	}
	c.finalized = true
	if c.finalizer != nil {
		Logger().Debug("continuation finalized")
		c.finalizer()
	}
}

// Done returns a continuation that completes on its first poll.
func Done() *Continuation {
	return NewContinuation(func(context.Context) (bool, error) { return true, nil }, nil)
}

// Ready returns a continuation that completes once ch is closed or receives.
// The callback never blocks.
func Ready(ch <-chan struct{}, finalizer func()) *Continuation {
	return NewContinuation(func(ctx context.Context) (bool, error) {
		select {
		case <-ch:
			return true, nil
		case <-ctx.Done():
			Logger().Debug("continuation polled with cancelled context", zap.Error(ctx.Err()))
			return false, ctx.Err()
		default:
			return false, nil
		}
	}, finalizer)
}
