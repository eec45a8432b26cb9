// Package inmem implements dispatcher.Dispatcher by running each task on the
// calling goroutine, bounded by a semaphore. This is the default reflex
// execution backend; it mirrors reflex.Engine's own built-in worker-pool
// dispatch, surfaced here as a standalone implementation of the pluggable
// seam so it can be swapped for dispatcher/temporal without touching the
// engine.
package inmem

import (
	"context"

	"github.com/fieldmesh/reflexbridge/internal/reflex/dispatcher"
)

// Dispatcher bounds concurrent task execution to a fixed worker count.
type Dispatcher struct {
	sem chan struct{}
}

// New builds a Dispatcher allowing at most workers concurrent tasks.
func New(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{sem: make(chan struct{}, workers)}
}

// Dispatch implements dispatcher.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, task dispatcher.Task) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()
	return task.Run(ctx)
}

var _ dispatcher.Dispatcher = (*Dispatcher)(nil)
